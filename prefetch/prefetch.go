// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package prefetch turns a worker's sample assignment into an
// ordered stream of raw sample payloads. Chunks are downloaded by a
// small background pool, at most a bounded window ahead of the
// consumer; the foreground Next path decodes strictly in assignment
// order, however downloads complete. Downloaded chunks land in the
// local chunk cache and are released as the consumer crosses each
// chunk boundary.
package prefetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/chunkstream/chunkcache"
	"github.com/grailbio/chunkstream/chunkindex"
	"github.com/grailbio/chunkstream/chunkio"
	"github.com/grailbio/chunkstream/store"
	"golang.org/x/sync/errgroup"
)

// EOF is the error returned by Reader.Next when the assignment is
// exhausted. It signals a graceful end of stream; unexpected
// termination returns a different error.
var EOF = errors.New("EOF")

// DefaultWindow is the number of chunks a reader keeps in flight
// ahead of the consumer.
const DefaultWindow = 3

// Opts configures a Reader.
type Opts struct {
	// Window bounds the chunks downloaded but not yet consumed.
	// Zero means DefaultWindow.
	Window int
}

// A span is a run of consecutive assigned samples within one chunk.
type span struct {
	chunk  int
	intra  []int
	ids    []int64
	result chan result
}

type result struct {
	chunk    *chunkio.Chunk
	filename string
	cached   bool
	err      error
}

// A Reader streams one worker's assigned samples. It is not safe
// for concurrent use: one consumer drives Next.
type Reader struct {
	store store.Store
	cache *chunkcache.Cache
	idx   *chunkindex.Index

	spans []span
	pos   int // span being consumed
	off   int // next sample within the span

	cur     result
	cancel  context.CancelFunc
	g       *errgroup.Group
	release func()

	once sync.Once
}

// New returns a reader that streams the samples in ids, in order,
// from the dataset described by idx. When cache is non-nil and the
// store is cacheable, chunk downloads are admitted to the cache and
// shared with other workers on the machine. Downloads begin as soon
// as New returns, ahead of the first call to Next.
func New(ctx context.Context, s store.Store, cache *chunkcache.Cache, idx *chunkindex.Index, ids []int64, opts Opts) (*Reader, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if !s.Cacheable() {
		cache = nil
	}
	r := &Reader{store: store.Retrying(s), cache: cache, idx: idx}
	for _, id := range ids {
		chunk, intra, err := idx.Locate(id)
		if err != nil {
			return nil, err
		}
		n := len(r.spans)
		if n > 0 && r.spans[n-1].chunk == chunk {
			r.spans[n-1].intra = append(r.spans[n-1].intra, intra)
			r.spans[n-1].ids = append(r.spans[n-1].ids, id)
			continue
		}
		r.spans = append(r.spans, span{
			chunk:  chunk,
			intra:  []int{intra},
			ids:    []int64{id},
			result: make(chan result, 1),
		})
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.g, ctx = errgroup.WithContext(ctx)
	r.start(ctx, opts.Window)
	return r, nil
}

// start launches the download manager. The window semaphore is
// acquired per span before download and released as the consumer
// finishes the span, so at most window chunks are in flight or
// waiting to be consumed.
func (r *Reader) start(ctx context.Context, window int) {
	sem := make(chan struct{}, window)
	r.g.Go(func() error {
		for i := range r.spans {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			s := &r.spans[i]
			r.g.Go(func() error {
				res := r.fetch(ctx, s.chunk)
				s.result <- res
				if res.err != nil {
					return res.err
				}
				return nil
			})
		}
		return nil
	})
	r.release = func() {
		select {
		case <-sem:
		default:
		}
	}
}

// fetch downloads and parses the chunk at position pos, through the
// cache when one is attached.
func (r *Reader) fetch(ctx context.Context, pos int) result {
	desc := r.idx.Chunks[pos]
	fill := func(ctx context.Context) ([]byte, error) {
		return r.store.Get(ctx, desc.Filename, nil)
	}
	var (
		p      []byte
		err    error
		cached bool
	)
	if r.cache != nil {
		p, err = r.cache.Fetch(ctx, desc.Filename, fill)
		cached = err == nil
	} else {
		p, err = fill(ctx)
	}
	if err != nil {
		return result{err: errors.E(fmt.Sprintf("prefetch: chunk %s", desc.Filename), err)}
	}
	chunk, err := chunkio.Parse(p)
	if err != nil {
		return result{err: err}
	}
	if int(chunk.Header.Samples) != desc.Samples {
		return result{err: errors.E(errors.Integrity,
			fmt.Sprintf("prefetch: chunk %s holds %d samples, index says %d",
				desc.Filename, chunk.Header.Samples, desc.Samples))}
	}
	return result{chunk: chunk, filename: desc.Filename, cached: cached}
}

// Next returns the next assigned sample's raw payload and its global
// sample id. It blocks until the sample's chunk has been downloaded.
// Next returns EOF when the assignment is exhausted.
func (r *Reader) Next(ctx context.Context) ([]byte, int64, error) {
	for {
		if r.pos >= len(r.spans) {
			return nil, 0, EOF
		}
		s := &r.spans[r.pos]
		if r.cur.chunk == nil {
			select {
			case r.cur = <-s.result:
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			if r.cur.err != nil {
				return nil, 0, r.cur.err
			}
		}
		if r.off < len(s.intra) {
			p, err := r.cur.chunk.SampleBytes(s.intra[r.off])
			if err != nil {
				return nil, 0, err
			}
			id := s.ids[r.off]
			r.off++
			return p, id, nil
		}
		r.finishSpan()
	}
}

// finishSpan declares the current chunk consumed: its cache pin is
// dropped and its window slot freed so the download pool can move
// ahead.
func (r *Reader) finishSpan() {
	if r.cache != nil && r.cur.cached {
		r.cache.DoneWith(r.cur.filename)
	}
	r.release()
	r.cur = result{}
	r.pos++
	r.off = 0
}

// Close cancels outstanding downloads and releases cache pins held
// by the reader. It is safe to call Close multiple times.
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.cancel()
		if err := r.g.Wait(); err != nil && err != context.Canceled {
			log.Debug.Printf("prefetch: close: %v", err)
		}
		// Unpin the chunk being consumed and any downloaded spans the
		// consumer never reached.
		if r.cur.chunk != nil {
			r.finishSpan()
		}
		if r.cache != nil {
			for i := r.pos; i < len(r.spans); i++ {
				select {
				case res := <-r.spans[i].result:
					if res.err == nil && res.cached {
						r.cache.DoneWith(res.filename)
					}
				default:
				}
			}
		}
	})
	return nil
}
