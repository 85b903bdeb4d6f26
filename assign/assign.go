// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package assign computes the deterministic distribution of a
// dataset's samples across a reader world. An assignment is a pure
// function of (chunk sizes, world, seed, epoch, flags): every worker
// in every process derives the same answer with no coordination.
// Whole chunks are assigned to workers so that each worker reads
// chunks end to end instead of sampling across them.
package assign

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// World is the reader topology: Ranks nodes, each running Workers
// data-loader workers.
type World struct {
	Ranks   int
	Workers int
}

// Size returns the number of workers in the world.
func (w World) Size() int { return w.Ranks * w.Workers }

func (w World) String() string { return fmt.Sprintf("%dx%d", w.Ranks, w.Workers) }

// check validates the world's parameters.
func (w World) check() error {
	if w.Ranks <= 0 || w.Workers <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("assign: bad world %s", w))
	}
	return nil
}

// Opts selects an epoch's assignment.
type Opts struct {
	// Seed is the dataset shuffle seed. Assignments for different
	// seeds are unrelated.
	Seed uint64
	// Epoch reshuffles the assignment when Shuffle is set.
	Epoch int
	// Shuffle permutes chunk order and intra-chunk sample order.
	// When unset, workers receive chunks round-robin in id order and
	// samples in id order.
	Shuffle bool
	// DropLast truncates every worker to the shortest worker's
	// length so all workers step in lockstep with no padding.
	// When unset, shorter workers wrap around their own assignment
	// until all workers have equal length.
	DropLast bool
}

// An Assignment is the ordered list of global sample ids one
// (rank, worker) consumes in one epoch.
type Assignment struct {
	Rank    int
	Worker  int
	Samples []int64
}

// Seed derives a PRNG seed from the given parts by hashing them
// with murmur3. The same parts always hash to the same seed on every
// platform.
func Seed(parts ...uint64) int64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		h.Write(buf[:])
	}
	return int64(h.Sum64())
}

// chunkOrder returns chunk positions in consumption order: permuted
// by the epoch seed when shuffling, ascending otherwise.
func chunkOrder(nchunks int, opts Opts) []int {
	if opts.Shuffle {
		r := rand.New(rand.NewSource(Seed(opts.Seed, uint64(opts.Epoch))))
		return r.Perm(nchunks)
	}
	order := make([]int, nchunks)
	for i := range order {
		order[i] = i
	}
	return order
}

// chunkSamples returns the global sample ids of the chunk starting
// at first with n samples, in consumption order.
func chunkSamples(first int64, n int, chunk int, opts Opts) []int64 {
	ids := make([]int64, n)
	if opts.Shuffle {
		r := rand.New(rand.NewSource(Seed(opts.Seed, uint64(opts.Epoch), uint64(chunk))))
		for i, j := range r.Perm(n) {
			ids[i] = first + int64(j)
		}
		return ids
	}
	for i := range ids {
		ids[i] = first + int64(i)
	}
	return ids
}

// Assign computes the epoch's assignment for every worker in the
// world. counts holds the per-chunk sample counts in chunk id order.
// The result is indexed by rank*world.Workers + worker.
func Assign(counts []int, world World, opts Opts) ([]Assignment, error) {
	if err := world.check(); err != nil {
		return nil, err
	}
	for chunk, n := range counts {
		if n <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("assign: chunk %d has %d samples", chunk, n))
		}
	}
	firsts := make([]int64, len(counts))
	var total int64
	for i, n := range counts {
		firsts[i] = total
		total += int64(n)
	}
	order := chunkOrder(len(counts), opts)
	assignments := make([]Assignment, world.Size())
	for i := range assignments {
		assignments[i] = Assignment{Rank: i / world.Workers, Worker: i % world.Workers}
	}
	for i, chunk := range order {
		w := i % world.Size()
		assignments[w].Samples = append(assignments[w].Samples,
			chunkSamples(firsts[chunk], counts[chunk], chunk, opts)...)
	}
	min, max := total, int64(0)
	for _, a := range assignments {
		if n := int64(len(a.Samples)); n < min {
			min = n
		}
		if n := int64(len(a.Samples)); n > max {
			max = n
		}
	}
	if opts.DropLast {
		for i := range assignments {
			assignments[i].Samples = assignments[i].Samples[:min]
		}
		return assignments, nil
	}
	// Pad shorter workers by wrapping around their own assignment so
	// every worker yields the same number of steps. A worker with no
	// chunks at all stays empty.
	for i := range assignments {
		samples := assignments[i].Samples
		orig := len(samples)
		if orig == 0 {
			continue
		}
		for int64(len(samples)) < max {
			samples = append(samples, samples[len(samples)%orig])
		}
		assignments[i].Samples = samples
	}
	return assignments, nil
}

// For computes the assignment of a single (rank, worker).
func For(counts []int, world World, rank, worker int, opts Opts) (Assignment, error) {
	if err := world.check(); err != nil {
		return Assignment{}, err
	}
	if rank < 0 || rank >= world.Ranks || worker < 0 || worker >= world.Workers {
		return Assignment{}, errors.E(errors.Invalid,
			fmt.Sprintf("assign: (%d, %d) outside world %s", rank, worker, world))
	}
	all, err := Assign(counts, world, opts)
	if err != nil {
		return Assignment{}, err
	}
	return all[rank*world.Workers+worker], nil
}
