// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace writes profiles in the Chrome tracing format, as
// produced by profile_batches runs and consumed by chrome://tracing
// or Perfetto.
package trace

import (
	"encoding/json"
	"io"
	"time"
)

// T is a trace document in the JSON object form: a single
// traceEvents array.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is one trace event. Field names follow the trace-event JSON
// schema; timestamps and durations are in microseconds.
type Event struct {
	Name string                 `json:"name"`
	Ph   string                 `json:"ph"`
	Ts   int64                  `json:"ts"`
	Dur  int64                  `json:"dur,omitempty"`
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Span returns a complete-phase ("X") event for an operation that
// began at begin, lasted d, and ran on the given (pid, tid).
// Timestamps are microseconds since origin.
func Span(pid, tid int, name string, origin, begin time.Time, d time.Duration) Event {
	return Event{
		Pid:  pid,
		Tid:  tid,
		Ts:   int64(begin.Sub(origin) / time.Microsecond),
		Ph:   "X",
		Dur:  int64(d / time.Microsecond),
		Name: name,
	}
}

// Add appends an event to the trace.
func (t *T) Add(e Event) {
	t.Events = append(t.Events, e)
}

// Encode writes the trace as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a JSON trace.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
