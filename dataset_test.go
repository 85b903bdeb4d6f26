// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkstream

import (
	"context"
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/grailbio/chunkstream/assign"
	"github.com/grailbio/chunkstream/codec"
	"github.com/grailbio/chunkstream/streamtest"
)

func testConfig(t *testing.T, nchunks, perChunk int) Config {
	t.Helper()
	dir, err := ioutil.TempDir("", "chunkstream")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	if _, err := streamtest.WriteInts(dir, nchunks, perChunk); err != nil {
		t.Fatal(err)
	}
	cacheDir, err := ioutil.TempDir("", "chunkstreamcache")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(cacheDir) })
	return Config{
		URL:      dir,
		CacheDir: cacheDir,
		World:    assign.World{Ranks: 1, Workers: 1},
	}
}

func collect(t *testing.T, s *Stream, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	var got []int64
	for n < 0 || len(got) < n {
		sample, err := s.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, int64(sample["x"].(codec.Int)))
	}
	return got
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	ds, err := Open(ctx, testConfig(t, 5, 4))
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 20 {
		t.Fatalf("len %d", ds.Len())
	}
	s, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got := collect(t, s, -1)
	if len(got) != 20 {
		t.Fatalf("%d samples", len(got))
	}
	for i, x := range got {
		if x != int64(i) {
			t.Fatalf("position %d: %d", i, x)
		}
	}
	if _, err := s.Next(ctx); err != EOF {
		t.Errorf("after EOF: %v", err)
	}
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 6, 10)
	cfg.Seed = 42
	cfg.Shuffle = true
	ds, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	full, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := collect(t, full, -1)
	full.Close()
	if len(want) != 60 {
		t.Fatalf("full run: %d samples", len(want))
	}

	s, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	head := collect(t, s, 30)
	state := s.State()
	s.Close()
	if state.Cursor != 30 || state.Epoch != 0 {
		t.Fatalf("state %+v", state)
	}

	resumed, err := ds.Resume(ctx, 0, 0, state)
	if err != nil {
		t.Fatal(err)
	}
	tail := collect(t, resumed, -1)
	resumed.Close()

	got := append(head, tail...)
	if len(got) != len(want) {
		t.Fatalf("resumed run: %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNextEpoch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 5, 4)
	cfg.Seed = 7
	cfg.Shuffle = true
	ds, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	epoch0 := collect(t, s, -1)
	if err := s.NextEpoch(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got.Epoch != 1 || got.Cursor != 0 {
		t.Fatalf("state after next epoch: %+v", got)
	}
	epoch1 := collect(t, s, -1)
	if len(epoch0) != len(epoch1) {
		t.Fatalf("epoch lengths %d, %d", len(epoch0), len(epoch1))
	}
	same := true
	for i := range epoch0 {
		if epoch0[i] != epoch1[i] {
			same = false
		}
	}
	if same {
		t.Error("epoch 1 ordering equals epoch 0")
	}
}

func TestTokensStream(t *testing.T) {
	ctx := context.Background()
	dir, err := ioutil.TempDir("", "chunkstream")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	// 10 samples of 10 tokens: 100 tokens, 12 full blocks of 8.
	if _, err := streamtest.WriteTokens(dir, 10, 10); err != nil {
		t.Fatal(err)
	}
	ds, err := Open(ctx, Config{
		URL:        dir,
		World:      assign.World{Ranks: 1, Workers: 1},
		ItemLoader: "tokens(8)",
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var all []uint32
	blocks := 0
	for {
		sample, err := s.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		toks := sample["tokens"].(codec.Tokens)
		if len(toks.IDs) != 8 {
			t.Fatalf("block of %d tokens", len(toks.IDs))
		}
		all = append(all, toks.IDs...)
		blocks++
	}
	if blocks != 12 {
		t.Fatalf("%d blocks, want 12", blocks)
	}
	for i, tok := range all {
		if tok != uint32(i) {
			t.Fatalf("token %d: %d", i, tok)
		}
	}
}

func collectTokens(t *testing.T, s *Stream, nblocks int) []uint32 {
	t.Helper()
	ctx := context.Background()
	var got []uint32
	for blocks := 0; nblocks < 0 || blocks < nblocks; blocks++ {
		sample, err := s.Next(ctx)
		if err == EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, sample["tokens"].(codec.Tokens).IDs...)
	}
	return got
}

func TestTokensResume(t *testing.T) {
	ctx := context.Background()
	dir, err := ioutil.TempDir("", "chunkstream")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if _, err := streamtest.WriteTokens(dir, 10, 10); err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		URL:        dir,
		World:      assign.World{Ranks: 1, Workers: 1},
		ItemLoader: "tokens(8)",
	}
	ds, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	full, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := collectTokens(t, full, -1)
	full.Close()
	if len(want) != 96 {
		t.Fatalf("full run: %d tokens", len(want))
	}

	// Pause after four blocks: the fourth raw sample's tokens span the
	// save point, partly delivered and partly buffered.
	s, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	head := collectTokens(t, s, 4)
	state := s.State()
	s.Close()
	if len(state.Loader) == 0 {
		t.Fatal("state is missing the loader buffer")
	}

	resumed, err := ds.Resume(ctx, 0, 0, state)
	if err != nil {
		t.Fatal(err)
	}
	tail := collectTokens(t, resumed, -1)
	resumed.Close()

	got := append(head, tail...)
	if len(got) != len(want) {
		t.Fatalf("resumed run: %d tokens, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: %d, want %d", i, got[i], want[i])
		}
	}
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	dir, err := ioutil.TempDir("", "chunkstreamprof")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	cfg := testConfig(t, 2, 5)
	cfg.ProfileBatches = 4
	ds, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ds.Stream(ctx, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, s, -1)
	s.Close()
	p, err := ioutil.ReadFile(ProfilePath)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"traceEvents"`, `"next_sample"`, `"ph":"X"`} {
		if !strings.Contains(string(p), key) {
			t.Errorf("trace missing %s", key)
		}
	}
}

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"2KB", 2 << 10},
		{"512MB", 512 << 20},
		{"3GB", 3 << 30},
	} {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if int64(got) != tc.want {
			t.Errorf("%s: %d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "abc", "-1", "10TB2"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestConfigCheck(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("expected empty config to fail")
	}
	if _, err := Open(context.Background(), Config{URL: "/tmp/x", World: assign.World{Ranks: 1, Workers: 1}, ItemLoader: "bogus"}); err == nil {
		t.Error("expected bad loader to fail")
	}
}
