// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"unicode/utf8"

	"github.com/grailbio/base/errors"
)

// defaultJPEGQuality is used for lossy image fields that do not
// specify a quality.
const defaultJPEGQuality = 90

type intCodec struct{}

func (intCodec) ID() string { return "int" }

func (intCodec) Encode(v Value) ([]byte, error) {
	iv, ok := v.(Int)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec int: cannot encode %s", v.Kind()))
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(int64(iv)))
	return b[:], nil
}

func (intCodec) Decode(p []byte) (Value, error) {
	if len(p) != 8 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("codec int: %d bytes, want 8", len(p)))
	}
	return Int(int64(binary.LittleEndian.Uint64(p))), nil
}

type floatCodec struct{}

func (floatCodec) ID() string { return "float" }

func (floatCodec) Encode(v Value) ([]byte, error) {
	fv, ok := v.(Float)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec float: cannot encode %s", v.Kind()))
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(float64(fv)))
	return b[:], nil
}

func (floatCodec) Decode(p []byte) (Value, error) {
	if len(p) != 8 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("codec float: %d bytes, want 8", len(p)))
	}
	return Float(math.Float64frombits(binary.LittleEndian.Uint64(p))), nil
}

// strCodec encodes a string as a uint32 length prefix followed by
// UTF-8 bytes. The prefix is redundant with the blob framing but
// keeps the encoding self-describing.
type strCodec struct{}

func (strCodec) ID() string { return "str" }

func (strCodec) Encode(v Value) ([]byte, error) {
	sv, ok := v.(String)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec str: cannot encode %s", v.Kind()))
	}
	if !utf8.ValidString(string(sv)) {
		return nil, errors.E(errors.Invalid, "codec str: invalid UTF-8")
	}
	b := make([]byte, 4+len(sv))
	binary.LittleEndian.PutUint32(b, uint32(len(sv)))
	copy(b[4:], sv)
	return b, nil
}

func (strCodec) Decode(p []byte) (Value, error) {
	if len(p) < 4 {
		return nil, errors.E(errors.Integrity, "codec str: short buffer")
	}
	n := binary.LittleEndian.Uint32(p)
	if int(n) != len(p)-4 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("codec str: length prefix %d, payload %d", n, len(p)-4))
	}
	if !utf8.Valid(p[4:]) {
		return nil, errors.E(errors.Integrity, "codec str: invalid UTF-8")
	}
	return String(p[4:]), nil
}

type bytesCodec struct{}

func (bytesCodec) ID() string { return "bytes" }

func (bytesCodec) Encode(v Value) ([]byte, error) {
	bv, ok := v.(Bytes)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec bytes: cannot encode %s", v.Kind()))
	}
	out := make([]byte, len(bv))
	copy(out, bv)
	return out, nil
}

func (bytesCodec) Decode(p []byte) (Value, error) {
	out := make([]byte, len(p))
	copy(out, p)
	return Bytes(out), nil
}

// pilCodec encodes images as PNG, or JPEG when the value is flagged
// lossy. Decoding sniffs the container from its magic bytes.
type pilCodec struct{}

func (pilCodec) ID() string { return "pil" }

func (pilCodec) Encode(v Value) ([]byte, error) {
	iv, ok := v.(Image)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec pil: cannot encode %s", v.Kind()))
	}
	if iv.Image == nil {
		return nil, errors.E(errors.Invalid, "codec pil: nil image")
	}
	var buf bytes.Buffer
	if iv.Lossy {
		q := iv.Quality
		if q == 0 {
			q = defaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, iv.Image, &jpeg.Options{Quality: q}); err != nil {
			return nil, errors.E(errors.Invalid, "codec pil: jpeg encode", err)
		}
	} else {
		if err := png.Encode(&buf, iv.Image); err != nil {
			return nil, errors.E(errors.Invalid, "codec pil: png encode", err)
		}
	}
	return buf.Bytes(), nil
}

func (pilCodec) Decode(p []byte) (Value, error) {
	m, format, err := image.Decode(bytes.NewReader(p))
	if err != nil {
		return nil, errors.E(errors.Integrity, "codec pil: decode", err)
	}
	return Image{Image: m, Lossy: format == "jpeg"}, nil
}

// tokensCodec packs token ids as little-endian fixed-width integers.
// Two widths are registered: "tokens" (uint32) and "tokens:u16".
type tokensCodec struct {
	width int
	id    string
}

func (c tokensCodec) ID() string { return c.id }

func (c tokensCodec) Encode(v Value) ([]byte, error) {
	tv, ok := v.(Tokens)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec %s: cannot encode %s", c.id, v.Kind()))
	}
	if tv.Width != 0 && tv.Width != c.width {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec %s: token width %d", c.id, tv.Width))
	}
	b := make([]byte, c.width*len(tv.IDs))
	for i, id := range tv.IDs {
		switch c.width {
		case 2:
			if id > math.MaxUint16 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("codec %s: token %d overflows uint16", c.id, id))
			}
			binary.LittleEndian.PutUint16(b[2*i:], uint16(id))
		case 4:
			binary.LittleEndian.PutUint32(b[4*i:], id)
		}
	}
	return b, nil
}

func (c tokensCodec) Decode(p []byte) (Value, error) {
	if len(p)%c.width != 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("codec %s: %d bytes not a multiple of width %d", c.id, len(p), c.width))
	}
	ids := make([]uint32, len(p)/c.width)
	for i := range ids {
		switch c.width {
		case 2:
			ids[i] = uint32(binary.LittleEndian.Uint16(p[2*i:]))
		case 4:
			ids[i] = binary.LittleEndian.Uint32(p[4*i:])
		}
	}
	return Tokens{Width: c.width, IDs: ids}, nil
}

// pickleCodec carries fields that chunkstream cannot interpret. The
// id is retained for compatibility with datasets produced by other
// runtimes; values round-trip as opaque bytes and are never
// interpreted here.
type pickleCodec struct{}

func (pickleCodec) ID() string { return "pickle" }

func (pickleCodec) Encode(v Value) ([]byte, error) {
	ov, ok := v.(Opaque)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec pickle: cannot encode %s", v.Kind()))
	}
	out := make([]byte, len(ov))
	copy(out, ov)
	return out, nil
}

func (pickleCodec) Decode(p []byte) (Value, error) {
	out := make([]byte, len(p))
	copy(out, p)
	return Opaque(out), nil
}
