// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/chunkstream/internal/trace"
)

// ProfilePath is the file to which profile_batches traces are
// written.
const ProfilePath = "result.json"

// profiler records the first max samples of one stream as Chrome
// trace events. Rank and worker become the trace's pid and tid.
type profiler struct {
	t            trace.T
	max          int
	rank, worker int
	origin       time.Time
	written      bool
}

func newProfiler(rank, worker, max int) *profiler {
	return &profiler{max: max, rank: rank, worker: worker, origin: time.Now()}
}

func (p *profiler) record(name string, begin time.Time) {
	if len(p.t.Events) >= p.max {
		return
	}
	p.t.Add(trace.Span(p.rank, p.worker, name, p.origin, begin, time.Since(begin)))
}

// flush writes the trace once. Streams call it on Close.
func (p *profiler) flush() error {
	if p.written || len(p.t.Events) == 0 {
		return nil
	}
	p.written = true
	f, err := os.Create(ProfilePath)
	if err != nil {
		return errors.E(fmt.Sprintf("chunkstream: create %s", ProfilePath), err)
	}
	if err := p.t.Encode(f); err != nil {
		f.Close()
		return errors.E(fmt.Sprintf("chunkstream: write %s", ProfilePath), err)
	}
	return f.Close()
}
