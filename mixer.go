// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/codec"
)

// A Source is a resettable sample stream, as mixed by Combined.
// Stream implements Source: its Reset reopens the stream at the
// start of the following epoch.
type Source interface {
	Next(ctx context.Context) (codec.Sample, error)
	Reset(ctx context.Context) error
}

// Reset implements Source by advancing the stream to its next
// epoch.
func (s *Stream) Reset(ctx context.Context) error {
	return s.NextEpoch(ctx)
}

// Combined mixes several sources into one stream. Each draw picks a
// source with a PRNG seeded from (seed, step), so two runs with the
// same seed produce identical source sequences regardless of sample
// contents or timing. Weights are applied per draw; sources are
// never pre-interleaved.
type Combined struct {
	sources []Source
	// cum holds normalized cumulative weights; cum[len-1] == 1.
	cum  []float64
	seed uint64
	step uint64
	// stop, when set, ends the combined stream at the first source
	// exhaustion instead of resetting the exhausted source.
	stop bool
}

// CombinedOpts configures a Combined stream.
type CombinedOpts struct {
	// Seed seeds per-draw source selection.
	Seed uint64
	// StopOnExhaust ends the combined stream when any source is
	// exhausted. By default an exhausted source is reset and
	// drawing continues.
	StopOnExhaust bool
}

// Combine returns a stream mixing the given sources with the given
// weights. Weights must be positive; they are normalized to sum
// to 1.
func Combine(sources []Source, weights []float64, opts CombinedOpts) (*Combined, error) {
	if len(sources) == 0 || len(sources) != len(weights) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("chunkstream: %d sources, %d weights", len(sources), len(weights)))
	}
	var sum float64
	for _, w := range weights {
		if w <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("chunkstream: weight %v", w))
		}
		sum += w
	}
	c := &Combined{
		sources: sources,
		cum:     make([]float64, len(weights)),
		seed:    opts.Seed,
		stop:    opts.StopOnExhaust,
	}
	var acc float64
	for i, w := range weights {
		acc += w / sum
		c.cum[i] = acc
	}
	c.cum[len(c.cum)-1] = 1
	return c, nil
}

// draw picks the next source. The PRNG is reseeded from
// (seed, step) on every draw, making the source sequence a pure
// function of the two.
func (c *Combined) draw() int {
	r := rand.New(rand.NewSource(assign.Seed(c.seed, c.step)))
	c.step++
	x := r.Float64()
	for i, cum := range c.cum {
		if x < cum {
			return i
		}
	}
	return len(c.cum) - 1
}

// Next returns the next mixed sample and the index of the source
// that produced it. When a source is exhausted, it is reset and
// retried, unless the mixer was configured to stop, in which case
// Next returns EOF.
func (c *Combined) Next(ctx context.Context) (codec.Sample, int, error) {
	i := c.draw()
	s, err := c.sources[i].Next(ctx)
	for err == EOF {
		if c.stop {
			return nil, i, EOF
		}
		if err = c.sources[i].Reset(ctx); err != nil {
			return nil, i, err
		}
		s, err = c.sources[i].Next(ctx)
	}
	if err != nil {
		return nil, i, err
	}
	return s, i, nil
}
