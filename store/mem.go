// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// Memory is an in-memory store for testing. It counts Get calls per
// path and can inject transient failures, so tests can assert both
// cache idempotence and retry behavior.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    map[string]int
	// failures holds per-path errors returned (and consumed) before
	// an operation succeeds.
	failures map[string][]error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string][]byte),
		gets:     make(map[string]int),
		failures: make(map[string][]error),
	}
}

// FailNext arranges for the next n operations on path to fail with
// err before succeeding.
func (m *Memory) FailNext(path string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[path] = append(m.failures[path], err)
	}
}

// Gets returns the number of Get calls issued for path, counting
// failed attempts.
func (m *Memory) Gets(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[path]
}

func (m *Memory) fail(path string) error {
	if errs := m.failures[path]; len(errs) > 0 {
		m.failures[path] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *Memory) Cacheable() bool { return true }

func (m *Memory) Head(ctx context.Context, path string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(path); err != nil {
		return Info{}, err
	}
	p, ok := m.objects[path]
	if !ok {
		return Info{}, nil
	}
	return Info{Exists: true, Size: int64(len(p))}, nil
}

func (m *Memory) Get(ctx context.Context, path string, rng *Range) ([]byte, error) {
	if err := checkRange(rng); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets[path]++
	if err := m.fail(path); err != nil {
		return nil, err
	}
	p, ok := m.objects[path]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("store: get %s", path))
	}
	if rng == nil {
		return append([]byte(nil), p...), nil
	}
	if rng.End > int64(len(p)) {
		return nil, errRange(path, *rng, int64(len(p)))
	}
	return append([]byte(nil), p[rng.Start:rng.End]...), nil
}

func (m *Memory) Put(ctx context.Context, path string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(path); err != nil {
		return err
	}
	m.objects[path] = append([]byte(nil), p...)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(prefix); err != nil {
		return nil, err
	}
	var paths []string
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(path); err != nil {
		return err
	}
	delete(m.objects, path)
	return nil
}

func (m *Memory) Presign(ctx context.Context, path string, expiry time.Duration) (string, error) {
	return "", errors.E(errors.Invalid, fmt.Sprintf("store: presign %s: not supported by memory store", path))
}
