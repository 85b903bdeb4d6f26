// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkindex builds, serializes, and merges dataset
// indices. The index is the dataset-level manifest: the shared field
// schema, the compression, and the ordered list of chunk
// descriptors. Concatenating chunks in index order enumerates the
// dataset's samples as the contiguous id range [0, N).
package chunkindex

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/chunkstream/chunkio"
	"github.com/grailbio/chunkstream/codec"
)

// Filename is the name of the dataset index object.
const Filename = "index.json"

// PartialPrefix is the directory prefix under which per-worker
// partial indices are staged during optimize runs.
const PartialPrefix = "_partials/"

// PartialFilename returns the staging name of the partial index
// written by the given (rank, worker).
func PartialFilename(rank, worker int) string {
	return fmt.Sprintf("%sworker-%d-%d.json", PartialPrefix, rank, worker)
}

// A Chunk describes one chunk file of a dataset. First and Last are
// the global ids of the chunk's first and last samples.
type Chunk struct {
	ID       uint64 `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
	Samples  int    `json:"samples"`
	First    int64  `json:"first"`
	Last     int64  `json:"last"`
}

// An Index is the dataset manifest. Field declaration order fixes
// the JSON key order.
type Index struct {
	Version      int          `json:"version"`
	Compression  *string      `json:"compression"`
	Schema       codec.Schema `json:"schema"`
	Chunks       []Chunk      `json:"chunks"`
	TotalSamples int64        `json:"total_samples"`
	ConfigHash   string       `json:"config_hash"`
}

// New returns an empty index for a dataset with the given schema,
// compression, and configuration hash.
func New(schema codec.Schema, compression chunkio.Compression, configHash string) *Index {
	idx := &Index{
		Version:    chunkio.Version,
		Schema:     schema,
		ConfigHash: configHash,
	}
	if compression != chunkio.None {
		s := compression.String()
		idx.Compression = &s
	}
	return idx
}

// CompressionID returns the index's compression as a chunkio id.
func (idx *Index) CompressionID() (chunkio.Compression, error) {
	if idx.Compression == nil {
		return chunkio.None, nil
	}
	return chunkio.ParseCompression(*idx.Compression)
}

// Append records a chunk descriptor as the next chunk of the
// dataset, assigning its sample id range.
func (idx *Index) Append(d chunkio.Descriptor) {
	idx.Chunks = append(idx.Chunks, Chunk{
		ID:       d.ID,
		Filename: d.Filename,
		Bytes:    d.Bytes,
		Samples:  d.Samples,
		First:    idx.TotalSamples,
		Last:     idx.TotalSamples + int64(d.Samples) - 1,
	})
	idx.TotalSamples += int64(d.Samples)
}

// Locate maps a global sample id to its chunk position and
// intra-chunk index.
func (idx *Index) Locate(sample int64) (chunk int, intra int, err error) {
	if sample < 0 || sample >= idx.TotalSamples {
		return 0, 0, errors.E(errors.Invalid, fmt.Sprintf("index: sample %d of %d", sample, idx.TotalSamples))
	}
	chunk = sort.Search(len(idx.Chunks), func(i int) bool {
		return idx.Chunks[i].Last >= sample
	})
	return chunk, int(sample - idx.Chunks[chunk].First), nil
}

// Validate checks the index's internal invariants: contiguous chunk
// ids, contiguous and non-overlapping sample ranges covering
// [0, TotalSamples).
func (idx *Index) Validate() error {
	if idx.Version != chunkio.Version {
		return errors.E(errors.Integrity, fmt.Sprintf("index: unknown format version %d", idx.Version))
	}
	if _, err := idx.CompressionID(); err != nil {
		return err
	}
	var next int64
	for i, c := range idx.Chunks {
		if c.ID != uint64(i) {
			return errors.E(errors.Integrity, fmt.Sprintf("index: chunk %d has id %d", i, c.ID))
		}
		if c.Samples <= 0 {
			return errors.E(errors.Integrity, fmt.Sprintf("index: chunk %d is empty", c.ID))
		}
		if c.First != next || c.Last != next+int64(c.Samples)-1 {
			return errors.E(errors.Integrity,
				fmt.Sprintf("index: chunk %d spans [%d, %d], want [%d, %d]", c.ID, c.First, c.Last, next, next+int64(c.Samples)-1))
		}
		next = c.Last + 1
	}
	if next != idx.TotalSamples {
		return errors.E(errors.Integrity, fmt.Sprintf("index: chunks cover %d samples, total_samples %d", next, idx.TotalSamples))
	}
	return nil
}

// Marshal serializes the index as UTF-8 JSON with stable key order.
func (idx *Index) Marshal() ([]byte, error) {
	p, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(p, '\n'), nil
}

// Unmarshal parses and validates an index document.
func Unmarshal(p []byte) (*Index, error) {
	idx := new(Index)
	if err := json.Unmarshal(p, idx); err != nil {
		return nil, errors.E(errors.Integrity, "index: parse", err)
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// A Partial is the index fragment produced by one optimize worker.
// Chunk ids are worker-local; Merge reconciles them globally.
type Partial struct {
	Rank   int    `json:"rank"`
	Worker int    `json:"worker"`
	Index  *Index `json:"index"`
}

// MarshalPartial serializes a partial index.
func MarshalPartial(p Partial) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// UnmarshalPartial parses a partial index. Partials are not
// validated with Validate, since their sample ranges are local.
func UnmarshalPartial(b []byte) (Partial, error) {
	var p Partial
	if err := json.Unmarshal(b, &p); err != nil {
		return Partial{}, errors.E(errors.Integrity, "index: parse partial", err)
	}
	if p.Index == nil {
		return Partial{}, errors.E(errors.Integrity, "index: partial missing index")
	}
	return p, nil
}

// Merge combines per-worker partial indices into the global dataset
// index. Partials are ordered by (rank, worker), then by local chunk
// id; global chunk ids are reassigned contiguously in that order and
// sample id ranges accumulate. All partials must agree on schema and
// compression.
func Merge(partials []Partial) (*Index, error) {
	if len(partials) == 0 {
		return nil, errors.E(errors.Invalid, "index: no partials to merge")
	}
	sorted := append([]Partial(nil), partials...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].Worker < sorted[j].Worker
	})
	first := sorted[0].Index
	merged := &Index{
		Version:     first.Version,
		Compression: first.Compression,
		Schema:      first.Schema,
		ConfigHash:  first.ConfigHash,
	}
	for _, p := range sorted {
		if !p.Index.Schema.Equal(first.Schema) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("index: worker (%d, %d) schema differs", p.Rank, p.Worker))
		}
		if compressionName(p.Index) != compressionName(first) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("index: worker (%d, %d) compression differs", p.Rank, p.Worker))
		}
		chunks := append([]Chunk(nil), p.Index.Chunks...)
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })
		for _, c := range chunks {
			merged.Append(chunkio.Descriptor{
				ID:       uint64(len(merged.Chunks)),
				Filename: c.Filename,
				Bytes:    c.Bytes,
				Samples:  c.Samples,
			})
		}
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func compressionName(idx *Index) string {
	if idx.Compression == nil {
		return ""
	}
	return *idx.Compression
}
