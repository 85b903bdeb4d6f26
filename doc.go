// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package chunkstream streams chunked datasets to distributed
	training workers. A dataset is a set of immutable chunk files in
	an object store together with an index manifest; chunkstream
	reads them back as an ordered stream of decoded samples, sharded
	deterministically across a world of (rank, worker) readers.

	A reader world derives its per-worker sample assignment as a pure
	function of the dataset size, the world shape, a seed, and an
	epoch number, so workers on different machines agree with no
	coordination. Each worker prefetches its chunks through a
	bounded download window into a machine-local disk cache, decodes
	strictly in assignment order, and releases chunks as it crosses
	their boundaries, so streaming proceeds under a fixed disk
	budget.

	Datasets are produced with the optimize engine (package
	optimize), which runs a user function over an input list on many
	workers, writes chunks, and merges the per-worker indices into
	the dataset manifest.

	Typical read usage:

		cfg := chunkstream.Config{
			URL:   "s3://bucket/dataset",
			World: assign.World{Ranks: 4, Workers: 2},
			Seed:  42,
			Shuffle: true,
		}
		ds, err := chunkstream.Open(ctx, cfg)
		...
		stream, err := ds.Stream(ctx, rank, worker, 0)
		...
		for {
			sample, err := stream.Next(ctx)
			if err == chunkstream.EOF {
				break
			}
			...
		}
*/
package chunkstream
