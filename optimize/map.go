// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package optimize

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/store"
	"golang.org/x/sync/errgroup"
)

// A Sink writes a map worker's output files to the job's output
// prefix. Puts are bounded by the job's upload concurrency. A Sink
// is safe for concurrent use.
type Sink struct {
	store store.Store
	lim   *limiter.Limiter
}

// Put uploads one output file. Filenames must be unique across the
// job; items are a natural namespace.
func (s *Sink) Put(ctx context.Context, filename string, p []byte) error {
	if err := s.lim.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.lim.Release(1)
	return s.store.Put(ctx, filename, p)
}

// MapConfig configures a Map job.
type MapConfig struct {
	// Fn processes one input item, writing any output files through
	// the sink.
	Fn func(ctx context.Context, item interface{}, sink *Sink) error
	// Inputs is the full input list, identical across ranks.
	Inputs []interface{}
	// Output is the URL output files are written under.
	Output string
	// World is the job's parallelism plan; Rank identifies this
	// process within it.
	World assign.World
	Rank  int
	// UploadConcurrency bounds concurrent uploads per rank. Defaults
	// to 4.
	UploadConcurrency int
	// RetryCount is the number of attempts given to each input item
	// before the job is aborted. Defaults to 3. Retried items may
	// rewrite files already uploaded by a failed attempt; puts are
	// whole-object, so rewrites are safe.
	RetryCount int
}

func (c MapConfig) withDefaults() (MapConfig, error) {
	if c.Fn == nil {
		return c, errors.E(errors.Invalid, "map: nil Fn")
	}
	if c.Output == "" {
		return c, errors.E(errors.Invalid, "map: no output URL")
	}
	if c.World.Size() <= 0 {
		return c, errors.E(errors.Invalid, fmt.Sprintf("map: bad world %s", c.World))
	}
	if c.Rank < 0 || c.Rank >= c.World.Ranks {
		return c, errors.E(errors.Invalid, fmt.Sprintf("map: rank %d of %d", c.Rank, c.World.Ranks))
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = defaultUploadConcurrency
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	return c, nil
}

// Map runs this rank's share of a map job. Map is Optimize without
// chunking: each item writes arbitrary files through the sink, and
// no index is produced. Input partitioning, retries, and fail-fast
// abort behave as in Optimize.
func Map(ctx context.Context, cfg MapConfig) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	s, err := store.Dial(ctx, cfg.Output)
	if err != nil {
		return err
	}
	lim := limiter.New()
	lim.Release(cfg.UploadConcurrency)
	sink := &Sink{store: store.Retrying(s), lim: lim}
	shards := Shards(len(cfg.Inputs), cfg.World)
	g, gctx := errgroup.WithContext(ctx)
	for worker := 0; worker < cfg.World.Workers; worker++ {
		shard := shards[cfg.Rank*cfg.World.Workers+worker]
		g.Go(func() error {
			for _, pos := range shard {
				if err := mapItem(gctx, cfg, sink, pos); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func mapItem(ctx context.Context, cfg MapConfig, sink *Sink, pos int) error {
	var err error
	for try := 0; try < cfg.RetryCount; try++ {
		if err = cfg.Fn(ctx, cfg.Inputs[pos], sink); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		log.Error.Printf("map: input %d: attempt %d of %d: %v", pos, try+1, cfg.RetryCount, err)
	}
	return errors.E(fmt.Sprintf("map: input %d failed after %d attempts", pos, cfg.RetryCount), err)
}
