// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// fileStore addresses objects through grailbio file, so a dataset
// may live on any path grailfile understands (plain filesystem
// paths, or s3:// when an S3 implementation is registered). Network
// mounts are dialed with cacheable=false: rereading them costs the
// same as reading the local chunk cache.
type fileStore struct {
	base      string
	cacheable bool
}

func newFileStore(base string, cacheable bool) Store {
	return &fileStore{base: strings.TrimSuffix(base, "/"), cacheable: cacheable}
}

func (s *fileStore) path(path string) string {
	return file.Join(s.base, path)
}

func (s *fileStore) Cacheable() bool { return s.cacheable }

func (s *fileStore) Head(ctx context.Context, path string) (Info, error) {
	info, err := file.Stat(ctx, s.path(path))
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return Info{}, nil
		}
		return Info{}, errors.E(fmt.Sprintf("store: head %s", s.path(path)), err)
	}
	return Info{Exists: true, Size: info.Size()}, nil
}

func (s *fileStore) Get(ctx context.Context, path string, rng *Range) ([]byte, error) {
	if err := checkRange(rng); err != nil {
		return nil, err
	}
	f, err := file.Open(ctx, s.path(path))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("store: get %s", s.path(path)), err)
	}
	defer f.Close(ctx)
	r := f.Reader(ctx)
	if rng == nil {
		p, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("store: get %s", s.path(path)), err)
		}
		return p, nil
	}
	info, err := f.Stat(ctx)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("store: get %s", s.path(path)), err)
	}
	if rng.End > info.Size() {
		return nil, errRange(path, *rng, info.Size())
	}
	if n, err := r.Seek(rng.Start, io.SeekStart); err != nil || n != rng.Start {
		if err == nil {
			err = fmt.Errorf("seeked to %d, want %d", n, rng.Start)
		}
		return nil, errors.E(fmt.Sprintf("store: get %s", s.path(path)), err)
	}
	p := make([]byte, rng.Len())
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, errors.E(fmt.Sprintf("store: get %s %s", s.path(path), rng), err)
	}
	return p, nil
}

func (s *fileStore) Put(ctx context.Context, path string, p []byte) error {
	f, err := file.Create(ctx, s.path(path))
	if err != nil {
		return errors.E(fmt.Sprintf("store: put %s", s.path(path)), err)
	}
	if _, err := f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("store: put %s", s.path(path)), err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(fmt.Sprintf("store: put %s", s.path(path)), err)
	}
	return nil
}

func (s *fileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	base := s.path(prefix)
	lst := file.List(ctx, base, true)
	for lst.Scan() {
		rel := strings.TrimPrefix(strings.TrimPrefix(lst.Path(), s.base), "/")
		paths = append(paths, rel)
	}
	if err := lst.Err(); err != nil && !errors.Is(errors.NotExist, err) {
		return nil, errors.E(fmt.Sprintf("store: list %s", base), err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *fileStore) Remove(ctx context.Context, path string) error {
	if err := file.Remove(ctx, s.path(path)); err != nil && !errors.Is(errors.NotExist, err) {
		return errors.E(fmt.Sprintf("store: remove %s", s.path(path)), err)
	}
	return nil
}

func (s *fileStore) Presign(ctx context.Context, path string, expiry time.Duration) (string, error) {
	return "", errors.E(errors.Invalid, fmt.Sprintf("store: presign %s: not supported by file store", s.path(path)))
}
