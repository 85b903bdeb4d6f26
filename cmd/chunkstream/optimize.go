// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/chunkstream"
	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/chunkindex"
	"github.com/grailbio/chunkstream/chunkio"
	"github.com/grailbio/chunkstream/codec"
	"github.com/grailbio/chunkstream/optimize"
	"github.com/grailbio/chunkstream/store"
)

func optimizeCmdUsage(flags *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `usage: chunkstream optimize -output <url> [flags] <input-url>

Optimize rewrites the dataset at input-url into output with new chunk
geometry and compression. Every rank of a multi-rank job must run the
same invocation, varying only -rank.

Flags:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func optimizeCmd(args []string) {
	flags := flag.NewFlagSet("optimize", flag.ExitOnError)
	var (
		output       = flags.String("output", "", "output dataset URL (required)")
		chunkSamples = flags.Int("chunk-size", 0, "maximum samples per chunk")
		chunkBytes   = flags.String("chunk-bytes", "", "maximum payload bytes per chunk, e.g. 64MB")
		compression  = flags.String("compression", "", "chunk compression: zstd or lz4")
		ranks        = flags.Int("ranks", 1, "number of job processes")
		workers      = flags.Int("workers", 1, "worker goroutines per process")
		rank         = flags.Int("rank", 0, "this process's rank")
		retries      = flags.Int("retries", 0, "attempts per input before the job aborts")
		concurrency  = flags.Int("upload-concurrency", 0, "concurrent chunk uploads per worker")
		mergeTimeout = flags.Duration("merge-timeout", 0, "how long to wait for all partial indices")
	)
	flags.Usage = func() { optimizeCmdUsage(flags) }
	flags.Parse(args)
	if flags.NArg() != 1 || *output == "" {
		flags.Usage()
	}
	input := flags.Arg(0)

	comp := chunkio.None
	if *compression != "" {
		var err error
		if comp, err = chunkio.ParseCompression(*compression); err != nil {
			fail(2, err)
		}
	}
	var byteBudget int64
	if *chunkBytes != "" {
		sz, err := chunkstream.ParseSize(*chunkBytes)
		if err != nil {
			fail(2, err)
		}
		byteBudget = int64(sz)
	}

	ctx := context.Background()
	src, err := store.Dial(ctx, input)
	if err != nil {
		fail(exitCode(err, 3), err)
	}
	srcStore := store.Retrying(src)
	p, err := srcStore.Get(ctx, chunkindex.Filename, nil)
	if err != nil {
		fail(3, err)
	}
	idx, err := chunkindex.Unmarshal(p)
	if err != nil {
		fail(3, err)
	}
	reg := codec.Default()

	inputs := make([]interface{}, len(idx.Chunks))
	for i := range inputs {
		inputs[i] = i
	}
	fn := func(ctx context.Context, item interface{}) (optimize.Iter, error) {
		c := idx.Chunks[item.(int)]
		p, err := srcStore.Get(ctx, c.Filename, nil)
		if err != nil {
			return nil, err
		}
		chunk, err := chunkio.Parse(p)
		if err != nil {
			return nil, err
		}
		samples := make([]codec.Sample, c.Samples)
		for j := range samples {
			if samples[j], err = chunk.Sample(reg, idx.Schema, j); err != nil {
				return nil, err
			}
		}
		return optimize.Samples(samples...), nil
	}

	merged, err := optimize.Optimize(ctx, optimize.Config{
		Fn:                fn,
		Inputs:            inputs,
		Output:            *output,
		Schema:            idx.Schema,
		World:             assign.World{Ranks: *ranks, Workers: *workers},
		Rank:              *rank,
		ChunkBytes:        byteBudget,
		ChunkSamples:      *chunkSamples,
		Compression:       comp,
		UploadConcurrency: *concurrency,
		RetryCount:        *retries,
		MergeTimeout:      *mergeTimeout,
	})
	if err != nil {
		fail(optimizeExit(err), err)
	}
	fmt.Printf("%s: %d chunks, %d samples\n", *output, len(merged.Chunks), merged.TotalSamples)
}

func optimizeExit(err error) int {
	if strings.Contains(err.Error(), "upload") || strings.Contains(err.Error(), "publish") {
		return 5
	}
	return exitCode(err, 4)
}
