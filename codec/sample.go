// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// A Field names one sample field and the codec that serializes it.
type Field struct {
	Name  string `json:"name"`
	Codec string `json:"codec"`
}

// A Schema is the ordered field set shared by every sample of a
// dataset. Field order is fixed at dataset creation and determines
// the per-sample blob layout.
type Schema []Field

// Validate checks that the schema is well formed and that every
// codec id resolves in reg.
func (s Schema) Validate(reg *Registry) error {
	if len(s) == 0 {
		return errors.E(errors.Invalid, "schema: no fields")
	}
	seen := make(map[string]bool, len(s))
	for _, f := range s {
		if f.Name == "" {
			return errors.E(errors.Invalid, "schema: empty field name")
		}
		if seen[f.Name] {
			return errors.E(errors.Invalid, fmt.Sprintf("schema: duplicate field %q", f.Name))
		}
		seen[f.Name] = true
		if _, err := reg.Lookup(f.Codec); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("schema: field %q", f.Name), err)
		}
	}
	return nil
}

// Equal reports whether two schemas have identical fields in
// identical order.
func (s Schema) Equal(t Schema) bool {
	if len(s) != len(t) {
		return false
	}
	for i := range s {
		if s[i] != t[i] {
			return false
		}
	}
	return true
}

// A Sample maps field names to values. Every sample of a dataset
// carries exactly the fields named by the dataset's schema.
type Sample map[string]Value

// Infer derives a schema from a sample, choosing the default codec
// for each value kind. Fields are ordered lexically by name so that
// inference is deterministic.
func Infer(s Sample) (Schema, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	schema := make(Schema, 0, len(names))
	for _, name := range names {
		var id string
		switch s[name].Kind() {
		case KindInt:
			id = "int"
		case KindFloat:
			id = "float"
		case KindString:
			id = "str"
		case KindBytes:
			id = "bytes"
		case KindImage:
			id = "pil"
		case KindTensor:
			id = "tensor"
		case KindTokens:
			if s[name].(Tokens).Width == 2 {
				id = "tokens:u16"
			} else {
				id = "tokens"
			}
		case KindOpaque:
			id = "pickle"
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("schema: field %q has unsupported kind %s", name, s[name].Kind()))
		}
		schema = append(schema, Field{Name: name, Codec: id})
	}
	return schema, nil
}

// EncodeSample serializes a sample against the schema. The blob is
// the per-field encodings in schema order, each preceded by a
// little-endian uint32 length so that decoders can split the blob
// without consulting the codecs.
func EncodeSample(reg *Registry, schema Schema, s Sample) ([]byte, error) {
	if len(s) != len(schema) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sample: %d fields, schema has %d", len(s), len(schema)))
	}
	var blob []byte
	for _, f := range schema {
		v, ok := s[f.Name]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sample: missing field %q", f.Name))
		}
		c, err := reg.Lookup(f.Codec)
		if err != nil {
			return nil, err
		}
		p, err := c.Encode(v)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("sample: field %q", f.Name), err)
		}
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		blob = append(blob, n[:]...)
		blob = append(blob, p...)
	}
	return blob, nil
}

// DecodeSample is the inverse of EncodeSample.
func DecodeSample(reg *Registry, schema Schema, blob []byte) (Sample, error) {
	s := make(Sample, len(schema))
	for _, f := range schema {
		if len(blob) < 4 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("sample: truncated at field %q", f.Name))
		}
		n := binary.LittleEndian.Uint32(blob)
		blob = blob[4:]
		if uint32(len(blob)) < n {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("sample: field %q: %d bytes, want %d", f.Name, len(blob), n))
		}
		c, err := reg.Lookup(f.Codec)
		if err != nil {
			return nil, err
		}
		v, err := c.Decode(blob[:n])
		if err != nil {
			return nil, errors.E(fmt.Sprintf("sample: field %q", f.Name), err)
		}
		s[f.Name] = v
		blob = blob[n:]
	}
	if len(blob) != 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sample: %d trailing bytes", len(blob)))
	}
	return s, nil
}
