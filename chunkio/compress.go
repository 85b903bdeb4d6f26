// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the payload compression of a chunk. The id
// is recorded in the chunk header and in the dataset index.
type Compression uint8

const (
	None Compression = iota
	Zstd
	LZ4
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses the writer configuration surface: "" or
// "null" for no compression, "zstd", or "lz4".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "null", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return None, errors.E(errors.Invalid, fmt.Sprintf("unknown compression %q", s))
}

func (c Compression) check() (Compression, error) {
	switch c {
	case None, Zstd, LZ4:
		return c, nil
	}
	return c, errors.E(errors.Integrity, fmt.Sprintf("unknown compression id %d", uint8(c)))
}

func (c Compression) compress(p []byte) ([]byte, error) {
	switch c {
	case None:
		return p, nil
	case Zstd:
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(p); err != nil {
			zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		lw := lz4.NewWriter(&buf)
		if _, err := lw.Write(p); err != nil {
			lw.Close()
			return nil, err
		}
		if err := lw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("compress: %s", c))
}

func (c Compression) decompress(p []byte, size int) ([]byte, error) {
	var r io.Reader
	switch c {
	case None:
		return p, nil
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(p))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decompress: %s", c))
	}
	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
