// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/chunkstream/assign"
)

// Config configures a streaming dataset.
type Config struct {
	// URL addresses the dataset root: s3://bucket/prefix, a
	// filesystem path, or a "local:" network mount whose chunks
	// bypass the cache.
	URL string
	// CacheDir is the machine-local chunk cache directory, shared by
	// all workers on the machine. Empty disables caching.
	CacheDir string
	// MaxCacheSize bounds the cache. Zero means unbounded.
	MaxCacheSize data.Size
	// EvictOnRead deletes each cached chunk as soon as every stream
	// reading it has moved on, bounding disk use to the chunks
	// currently open instead of MaxCacheSize.
	EvictOnRead bool
	// World is the reader topology.
	World assign.World
	// Seed seeds shuffling and mixing.
	Seed uint64
	// Shuffle permutes chunk and intra-chunk order per epoch.
	Shuffle bool
	// DropLast truncates all workers to the shortest assignment.
	DropLast bool
	// ItemLoader selects how raw samples become items: "default" or
	// "tokens(N)". Empty means "default".
	ItemLoader string
	// Window bounds each worker's in-flight chunk downloads. Zero
	// means the prefetch default.
	Window int
	// ProfileBatches, when nonzero, records a Chrome trace of the
	// first ProfileBatches samples of each stream to result.json.
	ProfileBatches int
}

func (c Config) check() error {
	if c.URL == "" {
		return errors.E(errors.Invalid, "chunkstream: no dataset URL")
	}
	if c.World.Size() <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("chunkstream: bad world %s", c.World))
	}
	if _, err := parseLoader(c.ItemLoader); err != nil {
		return err
	}
	return nil
}

// ParseSize parses a byte count with an optional KB, MB, or GB
// suffix, as accepted for max_cache_size configuration.
func ParseSize(s string) (data.Size, error) {
	orig := s
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult, s = 1<<10, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult, s = 1<<20, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult, s = 1<<30, strings.TrimSuffix(s, "GB")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("chunkstream: bad size %q", orig))
	}
	return data.Size(n * mult), nil
}
