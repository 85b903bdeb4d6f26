// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// DType identifies the element type of a tensor field.
type DType uint8

const (
	U8 DType = iota
	I16
	I32
	I64
	F16
	F32
	F64
)

var dtypeSizes = [...]int{U8: 1, I16: 2, I32: 4, I64: 8, F16: 2, F32: 4, F64: 8}

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	if int(d) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[d]
}

func (d DType) String() string {
	switch d {
	case U8:
		return "u8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F16:
		return "f16"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Tensor is a dense n-dimensional array field value. Data holds the
// elements in row-major order, little-endian.
type Tensor struct {
	DType DType
	Dims  []int
	Data  []byte
}

// Elems returns the number of elements implied by the tensor's dims.
func (t Tensor) Elems() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// tensorCodec encodes a tensor as one dtype byte, one rank byte,
// rank little-endian uint32 dims, and the raw element payload.
type tensorCodec struct{}

func (tensorCodec) ID() string { return "tensor" }

func (tensorCodec) Encode(v Value) ([]byte, error) {
	tv, ok := v.(Tensor)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec tensor: cannot encode %s", v.Kind()))
	}
	if tv.DType.Size() == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec tensor: unknown dtype %s", tv.DType))
	}
	if len(tv.Dims) > 255 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("codec tensor: rank %d exceeds 255", len(tv.Dims)))
	}
	if want := tv.Elems() * tv.DType.Size(); want != len(tv.Data) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("codec tensor: %d payload bytes, dims %v of %s want %d", len(tv.Data), tv.Dims, tv.DType, want))
	}
	b := make([]byte, 2+4*len(tv.Dims)+len(tv.Data))
	b[0] = byte(tv.DType)
	b[1] = byte(len(tv.Dims))
	for i, d := range tv.Dims {
		if d < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("codec tensor: negative dim %d", d))
		}
		binary.LittleEndian.PutUint32(b[2+4*i:], uint32(d))
	}
	copy(b[2+4*len(tv.Dims):], tv.Data)
	return b, nil
}

func (tensorCodec) Decode(p []byte) (Value, error) {
	if len(p) < 2 {
		return nil, errors.E(errors.Integrity, "codec tensor: short buffer")
	}
	dtype, rank := DType(p[0]), int(p[1])
	if dtype.Size() == 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("codec tensor: unknown dtype %s", dtype))
	}
	if len(p) < 2+4*rank {
		return nil, errors.E(errors.Integrity, "codec tensor: truncated dims")
	}
	t := Tensor{DType: dtype, Dims: make([]int, rank)}
	for i := range t.Dims {
		t.Dims[i] = int(binary.LittleEndian.Uint32(p[2+4*i:]))
	}
	payload := p[2+4*rank:]
	if want := t.Elems() * dtype.Size(); want != len(payload) {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("codec tensor: %d payload bytes, dims %v of %s want %d", len(payload), t.Dims, dtype, want))
	}
	t.Data = make([]byte, len(payload))
	copy(t.Data, payload)
	return t, nil
}
