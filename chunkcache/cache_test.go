// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkcache

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
)

func tempCache(t *testing.T, limit int64) (*Cache, string) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "chunkcache")
	t.Cleanup(cleanup)
	c, err := New(dir, limit)
	if err != nil {
		t.Fatal(err)
	}
	return c, dir
}

func fillWith(p []byte, calls *int) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		if calls != nil {
			*calls++
		}
		return p, nil
	}
}

func TestFetchFillsOnce(t *testing.T) {
	ctx := context.Background()
	c, dir := tempCache(t, 0)
	var calls int
	payload := []byte("chunk data")
	for i := 0; i < 3; i++ {
		p, err := c.Fetch(ctx, "chunk-0000000000.bin", fillWith(payload, &calls))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(p, payload) {
			t.Fatalf("fetch %d: %q", i, p)
		}
	}
	if calls != 1 {
		t.Errorf("fill called %d times, want 1", calls)
	}
	p, err := ioutil.ReadFile(filepath.Join(dir, "chunk-0000000000.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, payload) {
		t.Errorf("on-disk %q", p)
	}
}

func TestEvictLRU(t *testing.T) {
	ctx := context.Background()
	c, dir := tempCache(t, 20)
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("chunk-%d.bin", i)
		p, err := c.Fetch(ctx, name, fillWith(make([]byte, 10), nil))
		if err != nil {
			t.Fatal(err)
		}
		if len(p) != 10 {
			t.Fatal("short fetch")
		}
		c.DoneWith(name)
	}
	if got := c.Bytes(); got > 20 {
		t.Errorf("cache holds %d bytes, limit 20", got)
	}
	if got := c.Len(); got != 2 {
		t.Errorf("cache holds %d chunks, want 2", got)
	}
	// The two oldest chunks were evicted.
	for i := 0; i < 2; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("chunk-%d.bin", i))); !os.IsNotExist(err) {
			t.Errorf("chunk-%d.bin not evicted", i)
		}
	}
	for i := 2; i < 4; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("chunk-%d.bin", i))); err != nil {
			t.Errorf("chunk-%d.bin missing: %v", i, err)
		}
	}
}

func TestPinBlocksEviction(t *testing.T) {
	ctx := context.Background()
	c, _ := tempCache(t, 20)
	if _, err := c.Fetch(ctx, "a.bin", fillWith(make([]byte, 10), nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(ctx, "b.bin", fillWith(make([]byte, 10), nil)); err != nil {
		t.Fatal(err)
	}
	// Both chunks pinned: admitting a third must fail fatally.
	_, err := c.Fetch(ctx, "c.bin", fillWith(make([]byte, 10), nil))
	if err == nil || errors.Recover(err).Severity != errors.Fatal {
		t.Fatalf("got %v, want fatal cache-full", err)
	}
	for _, name := range []string{"a.bin", "b.bin"} {
		found := false
		for _, pinned := range c.Pinned() {
			if pinned == name {
				found = true
			}
		}
		if !found {
			t.Errorf("%s not reported pinned", name)
		}
	}
	// Releasing a pin lets the admission through.
	c.DoneWith("a.bin")
	if _, err := c.Fetch(ctx, "d.bin", fillWith(make([]byte, 10), nil)); err != nil {
		t.Fatal(err)
	}
}

func TestEvictOnRead(t *testing.T) {
	ctx := context.Background()
	c, dir := tempCache(t, 0)
	c.SetEvictOnRead(true)
	if _, err := c.Fetch(ctx, "once.bin", fillWith(make([]byte, 10), nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "once.bin")); err != nil {
		t.Fatalf("pinned chunk missing: %v", err)
	}
	c.DoneWith("once.bin")
	if _, err := os.Stat(filepath.Join(dir, "once.bin")); !os.IsNotExist(err) {
		t.Error("chunk not deleted after release")
	}
	if got := c.Bytes(); got != 0 {
		t.Errorf("cache holds %d bytes, want 0", got)
	}
	// A re-fetch fills again.
	var calls int
	if _, err := c.Fetch(ctx, "once.bin", fillWith(make([]byte, 10), &calls)); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("fill called %d times, want 1", calls)
	}
}

func TestConcurrentFetch(t *testing.T) {
	ctx := context.Background()
	c, _ := tempCache(t, 0)
	var (
		mu    sync.Mutex
		calls int
	)
	fill := func(context.Context) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return []byte("shared"), nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Fetch(ctx, "shared.bin", fill)
			if err != nil {
				t.Error(err)
				return
			}
			if string(p) != "shared" {
				t.Errorf("fetch %q", p)
			}
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("fill called %d times, want 1", calls)
	}
}

func TestAdoptExisting(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "chunkcache")
	defer cleanup()
	if err := ioutil.WriteFile(filepath.Join(dir, "old.bin"), make([]byte, 7), 0666); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Bytes(); got != 7 {
		t.Errorf("adopted %d bytes, want 7", got)
	}
	var calls int
	p, err := c.Fetch(context.Background(), "old.bin", fillWith(nil, &calls))
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 7 || calls != 0 {
		t.Errorf("adopted chunk refetched: %d bytes, %d fills", len(p), calls)
	}
}

func TestFillErrorLeavesNoFile(t *testing.T) {
	ctx := context.Background()
	c, dir := tempCache(t, 0)
	boom := errors.E(errors.Net, "download failed")
	_, err := c.Fetch(ctx, "x.bin", func(context.Context) ([]byte, error) { return nil, boom })
	if err == nil {
		t.Fatal("expected fill error")
	}
	if _, err := os.Stat(filepath.Join(dir, "x.bin")); !os.IsNotExist(err) {
		t.Error("failed fill left a chunk file")
	}
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range infos {
		if info.Name() != "x.bin"+lockSuffix {
			t.Errorf("unexpected file %s", info.Name())
		}
	}
}
