// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package optimize implements the parallel dataset producer. A job
// runs one process per rank; each process drives a fixed number of
// worker goroutines over a deterministic partition of the inputs.
// Workers share no state: each feeds its shard through the user
// function into a local chunk writer, uploads closed chunks to the
// object store, and publishes a partial index. The rank 0 process
// merges the partials into the global index.
package optimize

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/chunkindex"
	"github.com/grailbio/chunkstream/chunkio"
	"github.com/grailbio/chunkstream/codec"
	"github.com/grailbio/chunkstream/store"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultUploadConcurrency = 4
	defaultRetryCount        = 3
	defaultMergeTimeout      = 5 * time.Minute

	pollInterval = 500 * time.Millisecond
)

// Config configures an Optimize job. The same Config must be given
// to every rank of the job, with only Rank varying.
type Config struct {
	// Fn produces the samples for one input item.
	Fn func(ctx context.Context, item interface{}) (Iter, error)
	// Inputs is the full input list, identical across ranks. Items
	// are partitioned by position, never by content.
	Inputs []interface{}
	// Output is the dataset URL chunks and the index are written to.
	Output string
	// Schema declares the dataset's fields.
	Schema codec.Schema
	// Registry resolves the schema's codecs. Defaults to
	// codec.Default.
	Registry *codec.Registry
	// World is the job's parallelism plan; Rank identifies this
	// process within it.
	World assign.World
	Rank  int
	// ChunkBytes and ChunkSamples bound chunks as in
	// chunkio.WriterOpts. At least one must be set.
	ChunkBytes   int64
	ChunkSamples int
	// Compression is applied to chunk payloads.
	Compression chunkio.Compression
	// UploadConcurrency bounds concurrent chunk uploads per worker.
	// Defaults to 4.
	UploadConcurrency int
	// RetryCount is the number of attempts given to each input item
	// before the job is aborted. Defaults to 3.
	RetryCount int
	// MergeTimeout bounds how long the leader waits for all partial
	// indices, and other ranks for the merged index. Defaults to 5
	// minutes. Expiry fails with kind errors.Timeout.
	MergeTimeout time.Duration
	// ScratchDir is where workers stage chunks before upload. Empty
	// means the system temp directory.
	ScratchDir string
}

func (c Config) withDefaults() (Config, error) {
	if c.Fn == nil {
		return c, errors.E(errors.Invalid, "optimize: nil Fn")
	}
	if c.Output == "" {
		return c, errors.E(errors.Invalid, "optimize: no output URL")
	}
	if c.World.Size() <= 0 {
		return c, errors.E(errors.Invalid, fmt.Sprintf("optimize: bad world %s", c.World))
	}
	if c.Rank < 0 || c.Rank >= c.World.Ranks {
		return c, errors.E(errors.Invalid, fmt.Sprintf("optimize: rank %d of %d", c.Rank, c.World.Ranks))
	}
	if c.ChunkBytes == 0 && c.ChunkSamples == 0 {
		return c, errors.E(errors.Invalid, "optimize: one of ChunkBytes or ChunkSamples is required")
	}
	if c.Registry == nil {
		c.Registry = codec.Default()
	}
	if err := c.Schema.Validate(c.Registry); err != nil {
		return c, err
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = defaultUploadConcurrency
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = defaultMergeTimeout
	}
	return c, nil
}

// hash fingerprints the job plan: the input count, the world, the
// chunk budgets, the compression, and the schema. The input items
// themselves and Fn are not covered, so equal hashes do not by
// themselves imply equal indices.
func (c Config) hash() string {
	h := murmur3.New128()
	fmt.Fprintf(h, "inputs=%d;ranks=%d;workers=%d;bytes=%d;samples=%d;compression=%s;",
		len(c.Inputs), c.World.Ranks, c.World.Workers, c.ChunkBytes, c.ChunkSamples, c.Compression)
	for _, f := range c.Schema {
		fmt.Fprintf(h, "%s=%s;", f.Name, f.Codec)
	}
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Shards partitions n input positions across the plan's workers by a
// deterministic hash of position, so re-runs with the same plan
// produce the same shards. Shard w belongs to rank w/Workers, worker
// w%Workers.
func Shards(n int, world assign.World) [][]int {
	shards := make([][]int, world.Size())
	for pos := 0; pos < n; pos++ {
		w := int(uint64(assign.Seed(uint64(pos))) % uint64(world.Size()))
		shards[w] = append(shards[w], pos)
	}
	return shards
}

// Optimize runs this rank's share of the job and returns the merged
// dataset index. Rank 0 performs the merge once all partial indices
// have been published; other ranks wait for the merged index to
// appear. Every rank of the job must call Optimize with the same
// Config.
func Optimize(ctx context.Context, cfg Config) (*chunkindex.Index, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	s, err := store.Dial(ctx, cfg.Output)
	if err != nil {
		return nil, err
	}
	s = store.Retrying(s)
	configHash := cfg.hash()
	shards := Shards(len(cfg.Inputs), cfg.World)
	g, gctx := errgroup.WithContext(ctx)
	for worker := 0; worker < cfg.World.Workers; worker++ {
		worker := worker
		shard := shards[cfg.Rank*cfg.World.Workers+worker]
		g.Go(func() error {
			return runWorker(gctx, cfg, s, configHash, worker, shard)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if cfg.Rank == 0 {
		return mergePartials(ctx, cfg, s)
	}
	return awaitIndex(ctx, cfg, s)
}

// runWorker drives one worker: it produces samples for each item of
// its shard, writes them into locally staged chunks, uploads each
// closed chunk, and publishes the worker's partial index. A local
// chunk is deleted only after its upload succeeds.
func runWorker(ctx context.Context, cfg Config, s store.Store, configHash string, worker int, shard []int) error {
	scratch, err := ioutil.TempDir(cfg.ScratchDir, "chunkstream-optimize")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	uploads, ctx := errgroup.WithContext(ctx)
	lim := limiter.New()
	lim.Release(cfg.UploadConcurrency)
	var (
		mu    sync.Mutex
		descs []chunkio.Descriptor
	)
	w, err := chunkio.NewWriter(scratch, cfg.Registry, cfg.Schema, chunkio.WriterOpts{
		ChunkBytes:   cfg.ChunkBytes,
		ChunkSamples: cfg.ChunkSamples,
		Compression:  cfg.Compression,
		Filename: func(id uint64) string {
			return fmt.Sprintf("chunk-%d-%d-%010d.bin", cfg.Rank, worker, id)
		},
		OnChunk: func(d chunkio.Descriptor) error {
			if err := lim.Acquire(ctx, 1); err != nil {
				return err
			}
			uploads.Go(func() error {
				defer lim.Release(1)
				local := filepath.Join(scratch, d.Filename)
				p, err := ioutil.ReadFile(local)
				if err != nil {
					return err
				}
				if err := s.Put(ctx, d.Filename, p); err != nil {
					return errors.E(fmt.Sprintf("optimize: upload %s", d.Filename), err)
				}
				if err := os.Remove(local); err != nil {
					log.Error.Printf("optimize: remove %s: %v", local, err)
				}
				mu.Lock()
				descs = append(descs, d)
				mu.Unlock()
				return nil
			})
			return nil
		},
	})
	if err != nil {
		return err
	}
	err = func() error {
		for _, pos := range shard {
			samples, err := produce(ctx, cfg, pos)
			if err != nil {
				return err
			}
			for _, sample := range samples {
				if err := w.Append(sample); err != nil {
					return err
				}
			}
		}
		return w.Close()
	}()
	if werr := uploads.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	idx := chunkindex.New(cfg.Schema, cfg.Compression, configHash)
	for _, d := range descs {
		idx.Append(d)
	}
	p, err := chunkindex.MarshalPartial(chunkindex.Partial{Rank: cfg.Rank, Worker: worker, Index: idx})
	if err != nil {
		return err
	}
	path := chunkindex.PartialFilename(cfg.Rank, worker)
	if err := s.Put(ctx, path, p); err != nil {
		return errors.E(fmt.Sprintf("optimize: publish %s", path), err)
	}
	log.Debug.Printf("optimize: worker (%d, %d): %d inputs, %d chunks, %d samples",
		cfg.Rank, worker, len(shard), len(idx.Chunks), idx.TotalSamples)
	return nil
}

// produce runs the user function on one input item, buffering its
// samples. A failed item is retried from scratch; samples from
// failed attempts are discarded.
func produce(ctx context.Context, cfg Config, pos int) ([]codec.Sample, error) {
	var err error
	for try := 0; try < cfg.RetryCount; try++ {
		var samples []codec.Sample
		if samples, err = runItem(ctx, cfg, pos); err == nil {
			return samples, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		log.Error.Printf("optimize: input %d: attempt %d of %d: %v", pos, try+1, cfg.RetryCount, err)
	}
	return nil, errors.E(fmt.Sprintf("optimize: input %d failed after %d attempts", pos, cfg.RetryCount), err)
}

func runItem(ctx context.Context, cfg Config, pos int) ([]codec.Sample, error) {
	it, err := cfg.Fn(ctx, cfg.Inputs[pos])
	if err != nil {
		return nil, err
	}
	var samples []codec.Sample
	for {
		s, err := it.Next(ctx)
		if err == EOF {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
}

// mergePartials waits for every worker's partial index, merges them
// into the global index, publishes it, and removes the partials.
func mergePartials(ctx context.Context, cfg Config, s store.Store) (*chunkindex.Index, error) {
	want := cfg.World.Size()
	deadline := time.Now().Add(cfg.MergeTimeout)
	var paths []string
	for {
		var err error
		if paths, err = s.List(ctx, chunkindex.PartialPrefix); err != nil {
			return nil, err
		}
		if len(paths) >= want {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.E(errors.Timeout,
				fmt.Sprintf("optimize: %d of %d partial indices after %s", len(paths), want, cfg.MergeTimeout))
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
	partials := make([]chunkindex.Partial, len(paths))
	err := traverse.Each(len(paths), func(i int) error {
		b, err := s.Get(ctx, paths[i], nil)
		if err != nil {
			return err
		}
		if partials[i], err = chunkindex.UnmarshalPartial(b); err != nil {
			return errors.E(fmt.Sprintf("optimize: %s", paths[i]), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	idx, err := chunkindex.Merge(partials)
	if err != nil {
		return nil, err
	}
	b, err := idx.Marshal()
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, chunkindex.Filename, b); err != nil {
		return nil, err
	}
	for _, path := range paths {
		if err := s.Remove(ctx, path); err != nil {
			log.Error.Printf("optimize: remove %s: %v", path, err)
		}
	}
	log.Printf("optimize: merged %d partials: %d chunks, %d samples", len(partials), len(idx.Chunks), idx.TotalSamples)
	return idx, nil
}

// awaitIndex polls until the leader has published the merged index.
func awaitIndex(ctx context.Context, cfg Config, s store.Store) (*chunkindex.Index, error) {
	deadline := time.Now().Add(cfg.MergeTimeout)
	for {
		info, err := s.Head(ctx, chunkindex.Filename)
		if err != nil {
			return nil, err
		}
		if info.Exists {
			b, err := s.Get(ctx, chunkindex.Filename, nil)
			if err != nil {
				return nil, err
			}
			return chunkindex.Unmarshal(b)
		}
		if time.Now().After(deadline) {
			return nil, errors.E(errors.Timeout,
				fmt.Sprintf("optimize: rank %d: no merged index after %s", cfg.Rank, cfg.MergeTimeout))
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
