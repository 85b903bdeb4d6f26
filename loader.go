// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/chunkstream/codec"
)

// An ItemLoader turns raw sample payloads from the prefetch pipeline
// into the samples the consumer sees. Loaders may buffer: one raw
// sample can yield zero or many items.
type ItemLoader interface {
	// Load consumes one raw sample blob.
	Load(p []byte) ([]codec.Sample, error)
	// Flush returns any items buffered past the final blob.
	Flush() ([]codec.Sample, error)
	// State encodes the loader's buffer for later restoration by
	// SetState, folding in items the loader has produced but the
	// consumer has not yet taken. Nil means nothing is buffered.
	State(pending []codec.Sample) []byte
	// SetState restores a buffer captured by State.
	SetState(p []byte) error
}

type loaderSpec struct {
	tokens bool
	block  int
}

// parseLoader parses an item_loader configuration value: "default"
// (or empty), or "tokens(N)" with a positive block size.
func parseLoader(s string) (loaderSpec, error) {
	switch {
	case s == "" || s == "default":
		return loaderSpec{}, nil
	case strings.HasPrefix(s, "tokens(") && strings.HasSuffix(s, ")"):
		n, err := strconv.Atoi(s[len("tokens(") : len(s)-1])
		if err != nil || n <= 0 {
			return loaderSpec{}, errors.E(errors.Invalid, fmt.Sprintf("chunkstream: bad item loader %q", s))
		}
		return loaderSpec{tokens: true, block: n}, nil
	default:
		return loaderSpec{}, errors.E(errors.Invalid, fmt.Sprintf("chunkstream: bad item loader %q", s))
	}
}

func (spec loaderSpec) new(reg *codec.Registry, schema codec.Schema) (ItemLoader, error) {
	if !spec.tokens {
		return &defaultLoader{reg: reg, schema: schema}, nil
	}
	return newTokensLoader(reg, schema, spec.block)
}

// defaultLoader decodes each raw sample against the dataset schema,
// one item per sample.
type defaultLoader struct {
	reg    *codec.Registry
	schema codec.Schema
}

func (l *defaultLoader) Load(p []byte) ([]codec.Sample, error) {
	s, err := codec.DecodeSample(l.reg, l.schema, p)
	if err != nil {
		return nil, err
	}
	return []codec.Sample{s}, nil
}

func (l *defaultLoader) Flush() ([]codec.Sample, error) { return nil, nil }

// The default loader is stateless: each raw sample is one item, taken
// before the next is loaded.
func (l *defaultLoader) State([]codec.Sample) []byte { return nil }

func (l *defaultLoader) SetState(p []byte) error {
	if len(p) != 0 {
		return errors.E(errors.Invalid, "chunkstream: state was saved with a buffering item loader")
	}
	return nil
}

// tokensLoader reassembles the dataset's token field into fixed-size
// blocks, ignoring the sample boundaries the writer happened to use.
// The schema must have exactly one tokens-coded field; a trailing
// partial block is dropped.
type tokensLoader struct {
	reg    *codec.Registry
	schema codec.Schema
	field  string
	width  int
	block  int
	buf    []uint32
}

func newTokensLoader(reg *codec.Registry, schema codec.Schema, block int) (*tokensLoader, error) {
	l := &tokensLoader{reg: reg, schema: schema, block: block}
	for _, f := range schema {
		if f.Codec == "tokens" || strings.HasPrefix(f.Codec, "tokens:") {
			if l.field != "" {
				return nil, errors.E(errors.Invalid,
					fmt.Sprintf("chunkstream: tokens loader: schema has token fields %q and %q", l.field, f.Name))
			}
			l.field = f.Name
		}
	}
	if l.field == "" {
		return nil, errors.E(errors.Invalid, "chunkstream: tokens loader: schema has no token field")
	}
	return l, nil
}

func (l *tokensLoader) Load(p []byte) ([]codec.Sample, error) {
	s, err := codec.DecodeSample(l.reg, l.schema, p)
	if err != nil {
		return nil, err
	}
	toks, ok := s[l.field].(codec.Tokens)
	if !ok {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("chunkstream: tokens loader: field %q is not a token array", l.field))
	}
	if l.width == 0 {
		l.width = toks.Width
	}
	l.buf = append(l.buf, toks.IDs...)
	return l.drain(), nil
}

func (l *tokensLoader) Flush() ([]codec.Sample, error) {
	items := l.drain()
	l.buf = nil
	return items, nil
}

// State encodes the token width in bytes followed by every token not yet
// delivered: the tokens of pending blocks first, then the partial
// buffer, all little-endian uint32.
func (l *tokensLoader) State(pending []codec.Sample) []byte {
	var toks []uint32
	for _, s := range pending {
		if t, ok := s[l.field].(codec.Tokens); ok {
			toks = append(toks, t.IDs...)
		}
	}
	toks = append(toks, l.buf...)
	if len(toks) == 0 {
		return nil
	}
	p := make([]byte, 4*(len(toks)+1))
	binary.LittleEndian.PutUint32(p, uint32(l.width))
	for i, tok := range toks {
		binary.LittleEndian.PutUint32(p[4*(i+1):], tok)
	}
	return p
}

func (l *tokensLoader) SetState(p []byte) error {
	if len(p) == 0 {
		l.buf = nil
		return nil
	}
	if len(p)%4 != 0 || len(p) < 8 {
		return errors.E(errors.Invalid, "chunkstream: bad token loader state")
	}
	l.width = int(binary.LittleEndian.Uint32(p))
	l.buf = make([]uint32, len(p)/4-1)
	for i := range l.buf {
		l.buf[i] = binary.LittleEndian.Uint32(p[4*(i+1):])
	}
	return nil
}

func (l *tokensLoader) drain() []codec.Sample {
	var items []codec.Sample
	for len(l.buf) >= l.block {
		block := append([]uint32(nil), l.buf[:l.block]...)
		l.buf = l.buf[l.block:]
		items = append(items, codec.Sample{
			l.field: codec.Tokens{Width: l.width, IDs: block},
		})
	}
	return items
}
