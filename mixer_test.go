// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"context"
	"testing"

	"github.com/grailbio/chunkstream/codec"
)

// seqSource yields n samples {"x": base+i} per pass and counts
// resets.
type seqSource struct {
	base   int64
	n      int
	pos    int
	resets int
}

func (s *seqSource) Next(ctx context.Context) (codec.Sample, error) {
	if s.pos >= s.n {
		return nil, EOF
	}
	v := s.base + int64(s.pos)
	s.pos++
	return codec.Sample{"x": codec.Int(v)}, nil
}

func (s *seqSource) Reset(ctx context.Context) error {
	s.pos = 0
	s.resets++
	return nil
}

func TestMixerFrequency(t *testing.T) {
	ctx := context.Background()
	const draws = 10000
	run := func() ([]int, [2]int) {
		a := &seqSource{base: 0, n: 100}
		b := &seqSource{base: 1000, n: 100}
		c, err := Combine([]Source{a, b}, []float64{0.7, 0.3}, CombinedOpts{Seed: 0})
		if err != nil {
			t.Fatal(err)
		}
		var (
			sources []int
			counts  [2]int
		)
		for i := 0; i < draws; i++ {
			_, src, err := c.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			sources = append(sources, src)
			counts[src]++
		}
		return sources, counts
	}
	sources, counts := run()
	for i, want := range []float64{0.7, 0.3} {
		got := float64(counts[i]) / draws
		if got < want-0.02 || got > want+0.02 {
			t.Errorf("source %d frequency %v, want %v +-2%%", i, got, want)
		}
	}
	sources2, _ := run()
	for i := range sources {
		if sources[i] != sources2[i] {
			t.Fatalf("draw %d: source %d then %d with the same seed", i, sources[i], sources2[i])
		}
	}
}

func TestMixerSeedChangesSequence(t *testing.T) {
	ctx := context.Background()
	seq := func(seed uint64) []int {
		a := &seqSource{n: 10}
		b := &seqSource{base: 100, n: 10}
		c, err := Combine([]Source{a, b}, []float64{0.5, 0.5}, CombinedOpts{Seed: seed})
		if err != nil {
			t.Fatal(err)
		}
		var sources []int
		for i := 0; i < 100; i++ {
			_, src, err := c.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			sources = append(sources, src)
		}
		return sources
	}
	a, b := seq(1), seq(2)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
		}
	}
	if same {
		t.Error("different seeds produced the same source sequence")
	}
}

func TestMixerWrap(t *testing.T) {
	ctx := context.Background()
	a := &seqSource{n: 3}
	b := &seqSource{base: 100, n: 3}
	c, err := Combine([]Source{a, b}, []float64{0.5, 0.5}, CombinedOpts{Seed: 9})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if _, _, err := c.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if a.resets+b.resets == 0 {
		t.Error("50 draws from 6 samples required no resets")
	}
}

func TestMixerStops(t *testing.T) {
	ctx := context.Background()
	a := &seqSource{n: 5}
	b := &seqSource{base: 100, n: 5}
	c, err := Combine([]Source{a, b}, []float64{0.5, 0.5}, CombinedOpts{Seed: 3, StopOnExhaust: true})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for {
		_, _, err := c.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n > 10 {
		t.Errorf("%d draws from 10 samples", n)
	}
	if a.resets+b.resets != 0 {
		t.Error("stop mode reset a source")
	}
}

func TestMixerValidation(t *testing.T) {
	a := &seqSource{n: 1}
	if _, err := Combine(nil, nil, CombinedOpts{}); err == nil {
		t.Error("expected no sources to fail")
	}
	if _, err := Combine([]Source{a}, []float64{0.5, 0.5}, CombinedOpts{}); err == nil {
		t.Error("expected length mismatch to fail")
	}
	if _, err := Combine([]Source{a}, []float64{-1}, CombinedOpts{}); err == nil {
		t.Error("expected negative weight to fail")
	}
}
