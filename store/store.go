// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store provides the object-store abstraction through which
// chunkstream reads and writes datasets. A Store exposes a small
// capability set (head, get with byte ranges, put, list, remove,
// presign) over a dataset prefix; variants exist for S3, for
// URL-addressed storage via grailbio file (which itself covers
// s3:// and plain paths), for network mounts, and for in-memory
// testing. Stores are the only components that touch the network.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
)

// A Range selects the byte range [Start, End) of an object.
type Range struct {
	Start, End int64
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Len returns the number of bytes selected by the range.
func (r Range) Len() int64 { return r.End - r.Start }

// Info describes an object, as returned by Head.
type Info struct {
	Exists bool
	Size   int64
	ETag   string
}

// Store is the capability set chunkstream requires of object
// storage. Paths are slash-separated keys relative to the store's
// base. Implementations must be safe for concurrent use.
type Store interface {
	// Head returns metadata for the object at path. A missing
	// object is not an error: it reports Exists=false.
	Head(ctx context.Context, path string) (Info, error)
	// Get returns the object's bytes. When rng is non-nil, exactly
	// the bytes [rng.Start, rng.End) are returned; a range that
	// extends past the object fails with a range-unsatisfiable
	// error (see IsRangeUnsatisfiable).
	Get(ctx context.Context, path string, rng *Range) ([]byte, error)
	// Put atomically stores the object. Objects are written once
	// and never mutated.
	Put(ctx context.Context, path string, p []byte) error
	// List returns the paths of all objects under prefix, in
	// lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Remove deletes the object at path. Removing a missing object
	// is not an error.
	Remove(ctx context.Context, path string) error
	// Presign returns a URL through which the object can be read
	// without credentials until expiry. Stores without presigning
	// fail with kind errors.Invalid.
	Presign(ctx context.Context, path string, expiry time.Duration) (string, error)
	// Cacheable reports whether objects fetched from this store
	// should be admitted to the local chunk cache. It is false for
	// network mounts, which are as cheap to reread as the cache.
	Cacheable() bool
}

// Dial returns a store for the given dataset URL. URLs of the form
// s3://bucket/prefix use the native S3 store; the "local:" prefix
// denotes a network-mounted path whose chunks bypass the local
// cache; anything else is addressed through grailbio file.
func Dial(ctx context.Context, rawurl string) (Store, error) {
	switch {
	case strings.HasPrefix(rawurl, "s3://"):
		return dialS3(ctx, rawurl)
	case strings.HasPrefix(rawurl, "local:"):
		return newFileStore(strings.TrimPrefix(rawurl, "local:"), false), nil
	case rawurl == "":
		return nil, errors.E(errors.Invalid, "store: empty URL")
	default:
		return newFileStore(rawurl, true), nil
	}
}

const rangeUnsatisfiable = "range unsatisfiable"

func errRange(path string, rng Range, size int64) error {
	return errors.E(errors.Invalid,
		fmt.Sprintf("store: %s: %s: range %s of %d bytes", path, rangeUnsatisfiable, rng, size))
}

// IsRangeUnsatisfiable reports whether err arose from a byte-range
// read beyond the end of an object.
func IsRangeUnsatisfiable(err error) bool {
	return err != nil && strings.Contains(err.Error(), rangeUnsatisfiable)
}

func checkRange(rng *Range) error {
	if rng == nil {
		return nil
	}
	if rng.Start < 0 || rng.End < rng.Start {
		return errors.E(errors.Invalid, fmt.Sprintf("store: invalid range %s", rng))
	}
	return nil
}

// retryPolicy is the backoff applied to transient store failures.
var retryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 2)

// maxTries bounds per-call attempts against a store.
const maxTries = 4

// retryable reports whether an error is worth retrying: network
// errors, timeouts, and errors marked temporary.
func retryable(err error) bool {
	return errors.Is(errors.Net, err) || errors.Is(errors.Timeout, err) || errors.IsTemporary(err)
}

type retrying struct {
	Store
}

// Retrying wraps a store so that transient Head, Get, Put, List,
// and Remove failures are retried with bounded exponential backoff.
// All retried calls are idempotent: gets are pure and puts rewrite
// whole objects.
func Retrying(s Store) Store {
	if _, ok := s.(retrying); ok {
		return s
	}
	return retrying{s}
}

func (s retrying) do(ctx context.Context, op func() error) error {
	var err error
	for n := 0; n < maxTries; n++ {
		if err = op(); err == nil || !retryable(err) {
			return err
		}
		if werr := retry.Wait(ctx, retryPolicy, n); werr != nil {
			return werr
		}
	}
	return err
}

func (s retrying) Head(ctx context.Context, path string) (info Info, err error) {
	err = s.do(ctx, func() (e error) {
		info, e = s.Store.Head(ctx, path)
		return
	})
	return
}

func (s retrying) Get(ctx context.Context, path string, rng *Range) (p []byte, err error) {
	err = s.do(ctx, func() (e error) {
		p, e = s.Store.Get(ctx, path, rng)
		return
	})
	return
}

func (s retrying) Put(ctx context.Context, path string, p []byte) error {
	return s.do(ctx, func() error { return s.Store.Put(ctx, path, p) })
}

func (s retrying) List(ctx context.Context, prefix string) (paths []string, err error) {
	err = s.do(ctx, func() (e error) {
		paths, e = s.Store.List(ctx, prefix)
		return
	})
	return
}

func (s retrying) Remove(ctx context.Context, path string) error {
	return s.do(ctx, func() error { return s.Store.Remove(ctx, path) })
}
