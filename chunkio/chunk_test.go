// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/chunkstream/codec"
)

var testSchema = codec.Schema{{Name: "x", Codec: "int"}}

func intSample(i int) codec.Sample {
	return codec.Sample{"x": codec.Int(i)}
}

func writeChunks(t *testing.T, dir string, n int, opts WriterOpts) []Descriptor {
	t.Helper()
	var descs []Descriptor
	prev := opts.OnChunk
	opts.OnChunk = func(d Descriptor) error {
		descs = append(descs, d)
		if prev != nil {
			return prev(d)
		}
		return nil
	}
	w, err := NewWriter(dir, codec.Default(), testSchema, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := w.Append(intSample(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return descs
}

func TestWriterSingleChunk(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	descs := writeChunks(t, dir, 10, WriterOpts{ChunkBytes: 1 << 20})
	if got, want := len(descs), 1; got != want {
		t.Fatalf("got %d chunks, want %d", got, want)
	}
	if got, want := descs[0].Samples, 10; got != want {
		t.Fatalf("got %d samples, want %d", got, want)
	}
	c, err := ReadFile(filepath.Join(dir, descs[0].Filename))
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.Sample(codec.Default(), testSchema, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got := s["x"].(codec.Int); got != 7 {
		t.Errorf("sample 7: got %d", got)
	}
}

func TestWriterSampleBudget(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	descs := writeChunks(t, dir, 10, WriterOpts{ChunkSamples: 4})
	if got, want := len(descs), 3; got != want {
		t.Fatalf("got %d chunks, want %d", got, want)
	}
	for i, want := range []int{4, 4, 2} {
		if descs[i].Samples != want {
			t.Errorf("chunk %d: %d samples, want %d", i, descs[i].Samples, want)
		}
	}
	for i, d := range descs {
		if want := Filename(uint64(i)); d.Filename != want {
			t.Errorf("chunk %d: filename %s, want %s", i, d.Filename, want)
		}
	}
}

func TestWriterByteBudget(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	// Each sample is 4 (length prefix) + 8 (payload) bytes.
	descs := writeChunks(t, dir, 1000, WriterOpts{ChunkBytes: 64 << 10})
	if len(descs) < 1 {
		t.Fatal("no chunks")
	}
	total := 0
	for _, d := range descs {
		c, err := ReadFile(filepath.Join(dir, d.Filename))
		if err != nil {
			t.Fatal(err)
		}
		if c.PayloadLen > 64<<10 {
			t.Errorf("chunk %d: payload %d exceeds budget", c.ID, c.PayloadLen)
		}
		total += int(c.Samples)
	}
	if total != 1000 {
		t.Errorf("traversal yields %d samples, want 1000", total)
	}
}

func TestOffsetInvariants(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	descs := writeChunks(t, dir, 100, WriterOpts{ChunkSamples: 7})
	for _, d := range descs {
		c, err := ReadFile(filepath.Join(dir, d.Filename))
		if err != nil {
			t.Fatal(err)
		}
		if c.Offsets[0] != 0 {
			t.Errorf("chunk %d: offsets[0] = %d", c.ID, c.Offsets[0])
		}
		for j := 1; j < len(c.Offsets); j++ {
			if c.Offsets[j] < c.Offsets[j-1] {
				t.Errorf("chunk %d: offsets decrease at %d", c.ID, j)
			}
		}
		if uint64(c.Offsets[len(c.Offsets)-1]) != c.PayloadLen {
			t.Errorf("chunk %d: last offset != payload length", c.ID)
		}
	}
}

func TestCompressionRoundtrip(t *testing.T) {
	for _, comp := range []Compression{None, Zstd, LZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			dir, cleanup := tempDir(t)
			defer cleanup()
			descs := writeChunks(t, dir, 50, WriterOpts{ChunkSamples: 50, Compression: comp})
			c, err := ReadFile(filepath.Join(dir, descs[0].Filename))
			if err != nil {
				t.Fatal(err)
			}
			if c.Compression != comp {
				t.Fatalf("compression %s, want %s", c.Compression, comp)
			}
			for j := 0; j < 50; j++ {
				s, err := c.Sample(codec.Default(), testSchema, j)
				if err != nil {
					t.Fatal(err)
				}
				if got := s["x"].(codec.Int); int(got) != j {
					t.Errorf("sample %d: got %d", j, got)
				}
			}
		})
	}
}

func TestSampleRange(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	descs := writeChunks(t, dir, 10, WriterOpts{ChunkSamples: 10})
	p, err := ioutil.ReadFile(filepath.Join(dir, descs[0].Filename))
	if err != nil {
		t.Fatal(err)
	}
	l, err := ParseLayout(p)
	if err != nil {
		t.Fatal(err)
	}
	for j := 0; j < 10; j++ {
		start, end, err := l.SampleRange(j)
		if err != nil {
			t.Fatal(err)
		}
		want, err := codec.EncodeSample(codec.Default(), testSchema, intSample(j))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(p[start:end], want) {
			t.Errorf("sample %d: range bytes mismatch", j)
		}
	}
}

func TestSampleRangeCompressed(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	descs := writeChunks(t, dir, 10, WriterOpts{ChunkSamples: 10, Compression: Zstd})
	p, err := ioutil.ReadFile(filepath.Join(dir, descs[0].Filename))
	if err != nil {
		t.Fatal(err)
	}
	l, err := ParseLayout(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.SampleRange(0); err == nil {
		t.Error("expected range access into compressed chunk to fail")
	}
}

func TestCorruption(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	descs := writeChunks(t, dir, 10, WriterOpts{ChunkSamples: 10})
	p, err := ioutil.ReadFile(filepath.Join(dir, descs[0].Filename))
	if err != nil {
		t.Fatal(err)
	}
	bad := append([]byte(nil), p...)
	copy(bad, "XXXX")
	if _, err := Parse(bad); err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("bad magic: got %v", err)
	}
	bad = append([]byte(nil), p...)
	bad[4] = 0xff
	if _, err := Parse(bad); err == nil {
		t.Error("expected version error")
	}
	if _, err := Parse(p[:HeaderSize+3]); err == nil {
		t.Error("expected truncated table error")
	}
}

func TestNoHalfWrittenChunks(t *testing.T) {
	dir, cleanup := tempDir(t)
	defer cleanup()
	writeChunks(t, dir, 100, WriterOpts{ChunkSamples: 9})
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range infos {
		if strings.Contains(info.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", info.Name())
		}
		if _, err := ReadFile(filepath.Join(dir, info.Name())); err != nil {
			t.Errorf("%s: %v", info.Name(), err)
		}
	}
}

func TestWriterRequiresBudget(t *testing.T) {
	if _, err := NewWriter(os.TempDir(), codec.Default(), testSchema, WriterOpts{}); err == nil {
		t.Error("expected config error")
	}
}

func tempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "chunkio-test-")
	if err != nil {
		t.Fatal(err)
	}
	return dir, func() { os.RemoveAll(dir) }
}
