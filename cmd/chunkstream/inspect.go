// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/data"
	"github.com/grailbio/chunkstream/chunkindex"
	"github.com/grailbio/chunkstream/store"
)

func inspectCmd(args []string) {
	flags := flag.NewFlagSet("inspect", flag.ExitOnError)
	chunks := flags.Bool("chunks", false, "also list each chunk")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: chunkstream inspect [-chunks] <url>\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx := context.Background()
	s, err := store.Dial(ctx, flags.Arg(0))
	if err != nil {
		fail(exitCode(err, 3), err)
	}
	p, err := store.Retrying(s).Get(ctx, chunkindex.Filename, nil)
	if err != nil {
		fail(3, err)
	}
	idx, err := chunkindex.Unmarshal(p)
	if err != nil {
		fail(3, err)
	}
	compression := "none"
	if idx.Compression != nil {
		compression = *idx.Compression
	}
	var bytes int64
	for _, c := range idx.Chunks {
		bytes += c.Bytes
	}
	fmt.Printf("version:\t%d\n", idx.Version)
	fmt.Printf("compression:\t%s\n", compression)
	fmt.Printf("schema:\t")
	for i, f := range idx.Schema {
		if i > 0 {
			fmt.Printf(", ")
		}
		fmt.Printf("%s:%s", f.Name, f.Codec)
	}
	fmt.Printf("\n")
	fmt.Printf("chunks:\t%d\n", len(idx.Chunks))
	fmt.Printf("samples:\t%d\n", idx.TotalSamples)
	fmt.Printf("bytes:\t%s\n", data.Size(bytes))
	fmt.Printf("config hash:\t%s\n", idx.ConfigHash)
	if *chunks {
		for _, c := range idx.Chunks {
			fmt.Printf("%d\t%s\t%d samples\t[%d, %d]\t%s\n",
				c.ID, c.Filename, c.Samples, c.First, c.Last, data.Size(c.Bytes))
		}
	}
}
