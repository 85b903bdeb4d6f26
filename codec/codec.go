// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package codec implements the field serializers used by chunkstream
// datasets. Every field of a sample is encoded by a codec identified
// by a short ASCII id; the dataset's index records the id for each
// field so that readers are self-sufficient. Codecs are registered in
// an explicit Registry value that is threaded through writers and
// readers; there is no process-global registry.
package codec

import (
	"fmt"
	"image"

	"github.com/grailbio/base/errors"
)

// Kind enumerates the value kinds representable in a sample field.
// A sample is a tree-shaped value: cyclic or reference-bearing
// values are not representable.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBytes
	KindImage
	KindTensor
	KindTokens
	KindOpaque
)

var kindNames = [...]string{"int", "float", "string", "bytes", "image", "tensor", "tokens", "opaque"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value is the sum type over sample field values. Implementations
// are the concrete types Int, Float, String, Bytes, Image, Tensor,
// Tokens, and Opaque.
type Value interface {
	Kind() Kind
}

// Int is a signed 64-bit integer field value.
type Int int64

// Float is a 64-bit IEEE-754 field value.
type Float float64

// String is a UTF-8 string field value.
type String string

// Bytes is a raw byte field value.
type Bytes []byte

// Image is an image field value. When Lossy is set, the image is
// encoded as JPEG at the given quality (or a default quality when
// Quality is zero); otherwise it is encoded as lossless PNG.
type Image struct {
	Image   image.Image
	Lossy   bool
	Quality int
}

// Tokens is a packed array of token ids. Width is the encoded
// element width in bytes: 2 or 4.
type Tokens struct {
	Width int
	IDs   []uint32
}

// Opaque is a field value carried as uninterpreted bytes. It is the
// decoded form of the "pickle" codec: a cross-language envelope whose
// contents chunkstream does not inspect.
type Opaque []byte

func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (String) Kind() Kind { return KindString }
func (Bytes) Kind() Kind  { return KindBytes }
func (Image) Kind() Kind  { return KindImage }
func (Tensor) Kind() Kind { return KindTensor }
func (Tokens) Kind() Kind { return KindTokens }
func (Opaque) Kind() Kind { return KindOpaque }

// A Codec is a bidirectional serializer for one field kind. Encode
// must be pure and deterministic; Decode must be its inverse.
type Codec interface {
	// ID returns the codec's stable ASCII identifier, as recorded
	// in dataset indices.
	ID() string
	// Encode serializes the value. It fails with kind
	// errors.Invalid if the value's kind is not accepted by this
	// codec.
	Encode(v Value) ([]byte, error)
	// Decode deserializes bytes previously produced by Encode. It
	// fails with kind errors.Integrity on malformed input.
	Decode(p []byte) (Value, error)
}

// A Registry maps codec ids to codecs. The zero Registry is empty;
// use NewRegistry or Default.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Default returns a fresh registry populated with the built-in
// codecs: int, float, str, bytes, pil, tensor, tokens, tokens:u16,
// and pickle.
func Default() *Registry {
	r := NewRegistry()
	for _, c := range []Codec{
		intCodec{},
		floatCodec{},
		strCodec{},
		bytesCodec{},
		pilCodec{},
		tensorCodec{},
		tokensCodec{width: 4, id: "tokens"},
		tokensCodec{width: 2, id: "tokens:u16"},
		pickleCodec{},
	} {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a codec to the registry. It fails with kind
// errors.Invalid if the id is empty or not printable ASCII, and with
// kind errors.Exists if the id is already registered.
func (r *Registry) Register(c Codec) error {
	id := c.ID()
	if id == "" {
		return errors.E(errors.Invalid, "codec: empty id")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return errors.E(errors.Invalid, fmt.Sprintf("codec: id %q is not printable ASCII", id))
		}
	}
	if r.codecs == nil {
		r.codecs = make(map[string]Codec)
	}
	if _, ok := r.codecs[id]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("codec: id %q already registered", id))
	}
	r.codecs[id] = c
	return nil
}

// Lookup returns the codec registered under id.
func (r *Registry) Lookup(id string) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("codec: no codec %q", id))
	}
	return c, nil
}
