// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/chunkcache"
	"github.com/grailbio/chunkstream/chunkindex"
	"github.com/grailbio/chunkstream/codec"
	"github.com/grailbio/chunkstream/prefetch"
	"github.com/grailbio/chunkstream/store"
)

// EOF is the error returned by Stream.Next when the stream's epoch
// assignment is exhausted. It signals a graceful end of stream;
// unexpected termination returns a different error.
var EOF = errors.New("EOF")

// A Dataset is an open chunked dataset: its manifest, its store, and
// the machine-local cache its readers share. A Dataset is safe for
// concurrent use; each worker opens its own Stream.
type Dataset struct {
	cfg    Config
	store  store.Store
	cache  *chunkcache.Cache
	idx    *chunkindex.Index
	reg    *codec.Registry
	counts []int
}

// Open dials the dataset's store, loads and validates its index, and
// prepares the local cache.
func Open(ctx context.Context, cfg Config) (*Dataset, error) {
	return OpenRegistry(ctx, cfg, codec.Default())
}

// OpenRegistry is Open with a caller-provided codec registry, for
// datasets carrying user-registered field codecs.
func OpenRegistry(ctx context.Context, cfg Config, reg *codec.Registry) (*Dataset, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	s, err := store.Dial(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	p, err := store.Retrying(s).Get(ctx, chunkindex.Filename, nil)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("chunkstream: open %s", cfg.URL), err)
	}
	idx, err := chunkindex.Unmarshal(p)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("chunkstream: open %s", cfg.URL), err)
	}
	if err := idx.Schema.Validate(reg); err != nil {
		return nil, err
	}
	d := &Dataset{cfg: cfg, store: s, idx: idx, reg: reg}
	if cfg.CacheDir != "" && s.Cacheable() {
		if d.cache, err = chunkcache.New(cfg.CacheDir, int64(cfg.MaxCacheSize)); err != nil {
			return nil, err
		}
		d.cache.SetEvictOnRead(cfg.EvictOnRead)
	}
	d.counts = make([]int, len(idx.Chunks))
	for i, c := range idx.Chunks {
		d.counts[i] = c.Samples
	}
	log.Debug.Printf("chunkstream: opened %s: %d samples in %d chunks",
		cfg.URL, idx.TotalSamples, len(idx.Chunks))
	return d, nil
}

// Len returns the dataset's total sample count.
func (d *Dataset) Len() int64 { return d.idx.TotalSamples }

// Schema returns the dataset's field schema.
func (d *Dataset) Schema() codec.Schema { return d.idx.Schema }

// Index returns the dataset manifest.
func (d *Dataset) Index() *chunkindex.Index { return d.idx }

func (d *Dataset) opts(epoch int) assign.Opts {
	return assign.Opts{
		Seed:     d.cfg.Seed,
		Epoch:    epoch,
		Shuffle:  d.cfg.Shuffle,
		DropLast: d.cfg.DropLast,
	}
}

// Stream opens the (rank, worker) stream for the given epoch,
// beginning at the epoch's first assigned sample.
func (d *Dataset) Stream(ctx context.Context, rank, worker, epoch int) (*Stream, error) {
	return d.Resume(ctx, rank, worker, State{Epoch: epoch})
}

// Resume opens the (rank, worker) stream at a previously saved
// state. The epoch's assignment is re-derived and fast-forwarded to
// the state's cursor.
func (d *Dataset) Resume(ctx context.Context, rank, worker int, state State) (*Stream, error) {
	a, err := assign.For(d.counts, d.cfg.World, rank, worker, d.opts(state.Epoch))
	if err != nil {
		return nil, err
	}
	if state.Cursor < 0 || state.Cursor > int64(len(a.Samples)) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("chunkstream: cursor %d of %d assigned samples", state.Cursor, len(a.Samples)))
	}
	spec, err := parseLoader(d.cfg.ItemLoader)
	if err != nil {
		return nil, err
	}
	loader, err := spec.new(d.reg, d.idx.Schema)
	if err != nil {
		return nil, err
	}
	if err := loader.SetState(state.Loader); err != nil {
		return nil, err
	}
	r, err := prefetch.New(ctx, d.store, d.cache, d.idx, a.Samples[state.Cursor:], prefetch.Opts{Window: d.cfg.Window})
	if err != nil {
		return nil, err
	}
	s := &Stream{
		ds:     d,
		rank:   rank,
		worker: worker,
		epoch:  state.Epoch,
		cursor: state.Cursor,
		r:      r,
		loader: loader,
	}
	if d.cfg.ProfileBatches > 0 {
		s.prof = newProfiler(rank, worker, d.cfg.ProfileBatches)
	}
	return s, nil
}

// A Stream yields one worker's assigned samples for one epoch, in
// assignment order. It is not safe for concurrent use.
type Stream struct {
	ds           *Dataset
	rank, worker int
	epoch        int
	cursor       int64
	r            *prefetch.Reader
	loader       ItemLoader
	queue        []codec.Sample
	flushed      bool
	prof         *profiler
}

// State is a stream's resumable position. Re-deriving the epoch's
// assignment, skipping Cursor samples, and restoring the item
// loader's buffer reproduces the stream exactly; no per-sample
// journal is kept.
type State struct {
	Epoch  int   `json:"epoch"`
	Cursor int64 `json:"cursor"`
	// Loader holds tokens (or other loader buffer contents) decoded
	// from consumed samples but not yet delivered, as encoded by the
	// loader's State. Empty for the default loader.
	Loader []byte `json:"loader,omitempty"`
}

// State returns the stream's current resumable position: the next
// call to Next on a stream resumed from it yields the same sample
// this stream would yield.
func (s *Stream) State() State {
	return State{Epoch: s.epoch, Cursor: s.cursor, Loader: s.loader.State(s.queue)}
}

// Next returns the stream's next sample. It blocks until the
// sample's chunk is available locally, and returns EOF when the
// epoch's assignment is exhausted.
func (s *Stream) Next(ctx context.Context) (codec.Sample, error) {
	begin := time.Now()
	for len(s.queue) == 0 {
		if s.flushed {
			return nil, EOF
		}
		p, _, err := s.r.Next(ctx)
		if err == prefetch.EOF {
			s.flushed = true
			if s.queue, err = s.loader.Flush(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		s.cursor++
		if s.queue, err = s.loader.Load(p); err != nil {
			return nil, err
		}
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	if s.prof != nil {
		s.prof.record("next_sample", begin)
	}
	return item, nil
}

// NextEpoch closes the stream's pipeline and reopens it at the start
// of the following epoch.
func (s *Stream) NextEpoch(ctx context.Context) error {
	s.r.Close()
	ns, err := s.ds.Resume(ctx, s.rank, s.worker, State{Epoch: s.epoch + 1})
	if err != nil {
		return err
	}
	*s = *ns
	return nil
}

// Close cancels outstanding downloads and releases the stream's
// cache pins. Profiling output, if enabled, is written on Close.
func (s *Stream) Close() error {
	if s.prof != nil {
		if err := s.prof.flush(); err != nil {
			log.Error.Printf("chunkstream: profile: %v", err)
		}
		s.prof = nil
	}
	return s.r.Close()
}
