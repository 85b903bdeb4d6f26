// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/chunkstream"
	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/codec"
)

func catCmd(args []string) {
	flags := flag.NewFlagSet("cat", flag.ExitOnError)
	var (
		start  = flags.Int64("start", 0, "first sample position")
		n      = flags.Int64("n", -1, "number of samples to print, -1 for all")
		loader = flags.String("loader", "", "item loader, e.g. tokens(512)")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: chunkstream cat [-start k] [-n count] <url>\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx := context.Background()
	ds, err := chunkstream.Open(ctx, chunkstream.Config{
		URL:        flags.Arg(0),
		World:      assign.World{Ranks: 1, Workers: 1},
		ItemLoader: *loader,
	})
	if err != nil {
		fail(exitCode(err, 3), err)
	}
	s, err := ds.Resume(ctx, 0, 0, chunkstream.State{Cursor: *start})
	if err != nil {
		fail(exitCode(err, 3), err)
	}
	defer s.Close()
	enc := json.NewEncoder(os.Stdout)
	for count := int64(0); *n < 0 || count < *n; count++ {
		sample, err := s.Next(ctx)
		if err == chunkstream.EOF {
			break
		}
		if err != nil {
			fail(4, err)
		}
		if err := enc.Encode(jsonSample(sample)); err != nil {
			fail(4, err)
		}
	}
}

// jsonSample renders a sample with plain JSON types. Byte fields are
// base64 per encoding/json; images print their bounds rather than
// their pixels.
func jsonSample(s codec.Sample) map[string]interface{} {
	out := make(map[string]interface{}, len(s))
	for name, v := range s {
		switch v := v.(type) {
		case codec.Int:
			out[name] = int64(v)
		case codec.Float:
			out[name] = float64(v)
		case codec.String:
			out[name] = string(v)
		case codec.Bytes:
			out[name] = []byte(v)
		case codec.Opaque:
			out[name] = []byte(v)
		case codec.Tokens:
			out[name] = v.IDs
		case codec.Tensor:
			out[name] = map[string]interface{}{
				"dtype": v.DType.String(),
				"dims":  v.Dims,
				"data":  v.Data,
			}
		case codec.Image:
			b := v.Image.Bounds()
			out[name] = fmt.Sprintf("image %dx%d", b.Dx(), b.Dy())
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out
}
