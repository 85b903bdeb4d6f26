// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package streamtest builds small on-disk datasets for chunkstream
// tests.
package streamtest

import (
	"io/ioutil"
	"path/filepath"

	"github.com/grailbio/chunkstream/chunkindex"
	"github.com/grailbio/chunkstream/chunkio"
	"github.com/grailbio/chunkstream/codec"
)

// IntSchema is the schema of WriteInts datasets: a single int field
// named "x".
var IntSchema = codec.Schema{{Name: "x", Codec: "int"}}

// TokenSchema is the schema of WriteTokens datasets: a single
// uint32 token field named "tokens".
var TokenSchema = codec.Schema{{Name: "tokens", Codec: "tokens"}}

// WriteInts writes a dataset of nchunks chunks with perChunk
// samples each into dir, including its index. Sample i holds
// {"x": i}.
func WriteInts(dir string, nchunks, perChunk int) (*chunkindex.Index, error) {
	idx := chunkindex.New(IntSchema, chunkio.None, "streamtest")
	w, err := chunkio.NewWriter(dir, codec.Default(), IntSchema, chunkio.WriterOpts{
		ChunkSamples: perChunk,
		OnChunk: func(d chunkio.Descriptor) error {
			idx.Append(d)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < nchunks*perChunk; i++ {
		if err := w.Append(codec.Sample{"x": codec.Int(i)}); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return idx, writeIndex(dir, idx)
}

// WriteTokens writes a dataset of nsamples samples, each holding
// perSample sequential uint32 tokens, chunked two samples per
// chunk. Token values run 0, 1, 2, ... across the dataset.
func WriteTokens(dir string, nsamples, perSample int) (*chunkindex.Index, error) {
	idx := chunkindex.New(TokenSchema, chunkio.None, "streamtest")
	w, err := chunkio.NewWriter(dir, codec.Default(), TokenSchema, chunkio.WriterOpts{
		ChunkSamples: 2,
		OnChunk: func(d chunkio.Descriptor) error {
			idx.Append(d)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	next := uint32(0)
	for i := 0; i < nsamples; i++ {
		ids := make([]uint32, perSample)
		for j := range ids {
			ids[j] = next
			next++
		}
		if err := w.Append(codec.Sample{"tokens": codec.Tokens{Width: 4, IDs: ids}}); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return idx, writeIndex(dir, idx)
}

func writeIndex(dir string, idx *chunkindex.Index) error {
	p, err := idx.Marshal()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(dir, chunkindex.Filename), p, 0666)
}
