// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"testing"

	"github.com/grailbio/chunkstream/codec"
)

func TestParseLoader(t *testing.T) {
	for _, tc := range []struct {
		in     string
		tokens bool
		block  int
	}{
		{"", false, 0},
		{"default", false, 0},
		{"tokens(512)", true, 512},
		{"tokens(1)", true, 1},
	} {
		spec, err := parseLoader(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if spec.tokens != tc.tokens || spec.block != tc.block {
			t.Errorf("%q: %+v", tc.in, spec)
		}
	}
	for _, bad := range []string{"tokens", "tokens()", "tokens(0)", "tokens(-3)", "tokens(x)", "pickle"} {
		if _, err := parseLoader(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestTokensLoaderBuffers(t *testing.T) {
	reg := codec.Default()
	schema := codec.Schema{{Name: "tokens", Codec: "tokens"}}
	loader, err := loaderSpec{tokens: true, block: 4}.new(reg, schema)
	if err != nil {
		t.Fatal(err)
	}
	encode := func(ids ...uint32) []byte {
		p, err := codec.EncodeSample(reg, schema, codec.Sample{"tokens": codec.Tokens{Width: 4, IDs: ids}})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	// 3 tokens: no complete block yet.
	items, err := loader.Load(encode(0, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("%d items before a full block", len(items))
	}
	// 3 more: one block, 2 buffered.
	items, err = loader.Load(encode(3, 4, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("%d items, want 1", len(items))
	}
	got := items[0]["tokens"].(codec.Tokens)
	for i, tok := range got.IDs {
		if tok != uint32(i) {
			t.Errorf("token %d: %d", i, tok)
		}
	}
	// Flush drops the trailing partial block.
	items, err = loader.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("flush yielded %d items from a partial block", len(items))
	}
}

func TestTokensLoaderState(t *testing.T) {
	reg := codec.Default()
	schema := codec.Schema{{Name: "tokens", Codec: "tokens"}}
	encode := func(ids ...uint32) []byte {
		p, err := codec.EncodeSample(reg, schema, codec.Sample{"tokens": codec.Tokens{Width: 4, IDs: ids}})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	a, err := loaderSpec{tokens: true, block: 4}.new(reg, schema)
	if err != nil {
		t.Fatal(err)
	}
	// 6 tokens: one complete block, two buffered.
	pending, err := a.Load(encode(0, 1, 2, 3, 4, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("%d items, want 1", len(pending))
	}
	// The consumer took nothing: state folds the pending block back
	// in ahead of the buffer.
	state := a.State(pending)
	if len(state) == 0 {
		t.Fatal("empty state with buffered tokens")
	}
	b, err := loaderSpec{tokens: true, block: 4}.new(reg, schema)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetState(state); err != nil {
		t.Fatal(err)
	}
	items, err := b.Load(encode(6, 7, 8, 9))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("%d items after restore, want 2", len(items))
	}
	var got []uint32
	for _, item := range items {
		got = append(got, item["tokens"].(codec.Tokens).IDs...)
	}
	for i, tok := range got {
		if tok != uint32(i) {
			t.Fatalf("token %d: %d", i, tok)
		}
	}
	if items[0]["tokens"].(codec.Tokens).Width != 4 {
		t.Errorf("width %d after restore", items[0]["tokens"].(codec.Tokens).Width)
	}
	if err := b.SetState([]byte{1, 2, 3}); err == nil {
		t.Error("expected truncated state to fail")
	}
}

func TestTokensLoaderSchema(t *testing.T) {
	reg := codec.Default()
	if _, err := (loaderSpec{tokens: true, block: 4}).new(reg, codec.Schema{{Name: "x", Codec: "int"}}); err == nil {
		t.Error("expected schema without tokens to fail")
	}
	two := codec.Schema{{Name: "a", Codec: "tokens"}, {Name: "b", Codec: "tokens:u16"}}
	if _, err := (loaderSpec{tokens: true, block: 4}).new(reg, two); err == nil {
		t.Error("expected two token fields to fail")
	}
}
