// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package optimize

import (
	"context"
	"errors"

	"github.com/grailbio/chunkstream/codec"
)

// EOF is returned by an Iter when it has no more samples. It is
// deliberately distinct from io.EOF.
var EOF = errors.New("EOF")

// An Iter yields the samples produced from one input item. Fn
// implementations return an Iter so that one item may expand into
// any number of samples.
type Iter interface {
	Next(ctx context.Context) (codec.Sample, error)
}

type sliceIter struct {
	samples []codec.Sample
	pos     int
}

func (it *sliceIter) Next(ctx context.Context) (codec.Sample, error) {
	if it.pos >= len(it.samples) {
		return nil, EOF
	}
	s := it.samples[it.pos]
	it.pos++
	return s, nil
}

// Single returns an Iter yielding exactly one sample.
func Single(s codec.Sample) Iter {
	return &sliceIter{samples: []codec.Sample{s}}
}

// Samples returns an Iter yielding the given samples in order.
func Samples(samples ...codec.Sample) Iter {
	return &sliceIter{samples: samples}
}
