// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkcache maintains the bounded on-disk cache of
// downloaded chunk files. The cache directory may be shared by
// every worker process on a machine: per-chunk advisory file locks
// ensure at most one downloader per chunk, and admission is by
// atomic rename, so a chunk file is either absent or complete.
// Entries are evicted least-recently-used, except while pinned by a
// reader that has the chunk open.
package chunkcache

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

const lockSuffix = ".lock"

// lockPoll is the interval at which a waiting downloader re-attempts
// a chunk's advisory lock.
const lockPoll = 50 * time.Millisecond

type entry struct {
	bytes int64
	pins  int
	seq   uint64
}

// Cache is a bounded disk cache of chunk files. The zero limit
// disables eviction. Cache is safe for concurrent use.
type Cache struct {
	dir   string
	limit int64

	mu          sync.Mutex
	seq         uint64
	total       int64
	evictOnRead bool
	entries     map[string]*entry
}

// New opens (creating if needed) a cache rooted at dir, bounded to
// limit bytes. Chunk files already present in dir are adopted into
// the accounting, so a restarted worker reuses its predecessor's
// downloads.
func New(dir string, limit int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.E(fmt.Sprintf("cache: create %s", dir), err)
	}
	c := &Cache{dir: dir, limit: limit, entries: make(map[string]*entry)}
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("cache: read %s", dir), err)
	}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, lockSuffix) {
			continue
		}
		c.seq++
		c.entries[name] = &entry{bytes: info.Size(), seq: c.seq}
		c.total += info.Size()
	}
	return c, nil
}

// SetEvictOnRead arranges for chunks to be deleted as soon as their
// last pin is released, independently of the byte limit. Readers that
// stream each chunk exactly once can so bound disk use to the set of
// chunks currently open.
func (c *Cache) SetEvictOnRead(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictOnRead = v
}

func (c *Cache) path(filename string) string {
	return filepath.Join(c.dir, filename)
}

// lockChunk takes the chunk's advisory lock, waiting until it is
// free or the context is done. The caller must close the returned
// file to release the lock.
func (c *Cache) lockChunk(ctx context.Context, filename string) (*os.File, error) {
	f, err := os.OpenFile(c.path(filename)+lockSuffix, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("cache: lock %s", filename), err)
	}
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			f.Close()
			return nil, errors.E(fmt.Sprintf("cache: lock %s", filename), err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

// Fetch returns the named chunk's bytes, filling the cache through
// fill on a miss. The returned chunk is pinned against eviction
// until a matching DoneWith. Concurrent fetches of the same chunk,
// including from other processes sharing the directory, perform a
// single fill.
func (c *Cache) Fetch(ctx context.Context, filename string, fill func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	lockf, err := c.lockChunk(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer lockf.Close()
	p, err := ioutil.ReadFile(c.path(filename))
	switch {
	case err == nil:
	case os.IsNotExist(err):
		if p, err = fill(ctx); err != nil {
			return nil, err
		}
		if err = c.write(filename, p); err != nil {
			return nil, err
		}
	default:
		return nil, errors.E(fmt.Sprintf("cache: read %s", filename), err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pin(filename, int64(len(p)))
	if err := c.evict(); err != nil {
		// Admission failed: release this fetch's pin so the rejected
		// chunk does not stay pinned in a process that handles the
		// error and continues.
		if e := c.entries[filename]; e != nil {
			e.pins--
			if e.pins == 0 {
				os.Remove(c.path(filename))
				os.Remove(c.path(filename) + lockSuffix)
				c.total -= e.bytes
				delete(c.entries, filename)
			}
		}
		return nil, err
	}
	return p, nil
}

// write admits a chunk by temp file, fsync, and rename, so a crash
// mid-write never leaves a partial chunk under the chunk's name.
func (c *Cache) write(filename string, p []byte) error {
	f, err := ioutil.TempFile(c.dir, "."+filename)
	if err != nil {
		return errors.E(fmt.Sprintf("cache: write %s", filename), err)
	}
	if _, err = f.Write(p); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), c.path(filename))
	}
	if err != nil {
		os.Remove(f.Name())
		return errors.E(fmt.Sprintf("cache: write %s", filename), err)
	}
	return nil
}

func (c *Cache) pin(filename string, bytes int64) {
	e := c.entries[filename]
	if e == nil {
		e = &entry{bytes: bytes}
		c.entries[filename] = e
		c.total += bytes
	}
	e.pins++
	c.seq++
	e.seq = c.seq
}

// DoneWith releases one pin on the named chunk and opportunistically
// evicts, so a chunk the reader has fully consumed can be deleted
// immediately under disk pressure.
func (c *Cache) DoneWith(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[filename]
	if e == nil || e.pins == 0 {
		return
	}
	e.pins--
	if c.evictOnRead && e.pins == 0 {
		if err := os.Remove(c.path(filename)); err != nil && !os.IsNotExist(err) {
			log.Error.Printf("cache: evict %s: %v", filename, err)
			return
		}
		os.Remove(c.path(filename) + lockSuffix)
		c.total -= e.bytes
		delete(c.entries, filename)
		return
	}
	if err := c.evict(); err != nil {
		log.Error.Printf("%v", err)
	}
}

// evict removes least-recently-used unpinned chunks until the cache
// is within its limit. If the pinned set alone exceeds the limit,
// eviction fails with a fatal error naming the pinned chunks. The
// caller must hold c.mu.
func (c *Cache) evict() error {
	if c.limit <= 0 {
		return nil
	}
	for c.total > c.limit {
		var (
			victim string
			oldest uint64
		)
		for name, e := range c.entries {
			if e.pins > 0 {
				continue
			}
			if victim == "" || e.seq < oldest {
				victim, oldest = name, e.seq
			}
		}
		if victim == "" {
			return errors.E(errors.Fatal, fmt.Sprintf(
				"cache: full: %s pinned exceeds limit %s; pinned chunks: %s",
				data.Size(c.total), data.Size(c.limit), strings.Join(c.pinned(), ", ")))
		}
		e := c.entries[victim]
		if err := os.Remove(c.path(victim)); err != nil && !os.IsNotExist(err) {
			return errors.E(fmt.Sprintf("cache: evict %s", victim), err)
		}
		os.Remove(c.path(victim) + lockSuffix)
		log.Debug.Printf("cache: evicted %s (%s)", victim, data.Size(e.bytes))
		c.total -= e.bytes
		delete(c.entries, victim)
	}
	return nil
}

// pinned returns the names of pinned chunks in lexical order. The
// caller must hold c.mu.
func (c *Cache) pinned() []string {
	var names []string
	for name, e := range c.entries {
		if e.pins > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Pinned returns the names of currently pinned chunks.
func (c *Cache) Pinned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned()
}

// Bytes returns the total bytes currently accounted to the cache.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len returns the number of chunks currently in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
