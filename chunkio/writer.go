// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkio

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/chunkstream/codec"
)

// A Descriptor summarizes one closed chunk file, as recorded in
// per-worker and global indices.
type Descriptor struct {
	ID       uint64
	Filename string
	// Bytes is the on-disk file size, after compression.
	Bytes int64
	// Samples is the number of samples in the chunk.
	Samples int
}

// WriterOpts configures a chunk Writer. At least one of ChunkBytes
// or ChunkSamples must be set.
type WriterOpts struct {
	// ChunkBytes bounds the uncompressed payload size of a chunk.
	// Zero means unbounded.
	ChunkBytes int64
	// ChunkSamples bounds the number of samples in a chunk. Zero
	// means unbounded.
	ChunkSamples int
	// Compression is applied to the payload of each closed chunk.
	Compression Compression
	// StartID is the id assigned to the first chunk. Ids are
	// assigned monotonically per writer; the index merge reassigns
	// them globally.
	StartID uint64
	// OnChunk, if non-nil, is invoked with the descriptor of every
	// closed chunk, in id order. An error aborts the writer.
	OnChunk func(Descriptor) error
	// Filename, if non-nil, names each chunk file from its id. It
	// must produce names unique across all writers sharing an output
	// prefix. The default is Filename.
	Filename func(id uint64) string
}

// A Writer accumulates serialized samples and emits bounded chunk
// files. Chunk files are written atomically: a temp file is
// populated, synced, and renamed, so a chunk is never observed
// half-written. A writer is not safe for concurrent use.
type Writer struct {
	dir     string
	reg     *codec.Registry
	schema  codec.Schema
	opts    WriterOpts
	nextID  uint64
	offsets []uint32
	payload []byte
	closed  bool
}

// NewWriter returns a writer that emits chunk files into dir.
func NewWriter(dir string, reg *codec.Registry, schema codec.Schema, opts WriterOpts) (*Writer, error) {
	if opts.ChunkBytes == 0 && opts.ChunkSamples == 0 {
		return nil, errors.E(errors.Invalid, "chunk writer: one of chunk_bytes or chunk_size is required")
	}
	if opts.ChunkBytes < 0 || opts.ChunkSamples < 0 {
		return nil, errors.E(errors.Invalid, "chunk writer: negative chunk budget")
	}
	if err := schema.Validate(reg); err != nil {
		return nil, err
	}
	if _, err := opts.Compression.check(); err != nil {
		return nil, err
	}
	return &Writer{
		dir:     dir,
		reg:     reg,
		schema:  schema,
		opts:    opts,
		nextID:  opts.StartID,
		offsets: []uint32{0},
	}, nil
}

// Append serializes the sample and adds it to the current chunk,
// first closing the chunk if the addition would exceed either
// budget. A sample larger than the byte budget occupies a chunk of
// its own.
func (w *Writer) Append(s codec.Sample) error {
	if w.closed {
		return errors.E(errors.Invalid, "chunk writer: append after close")
	}
	blob, err := codec.EncodeSample(w.reg, w.schema, s)
	if err != nil {
		return err
	}
	if w.wouldExceed(len(blob)) {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.payload = append(w.payload, blob...)
	w.offsets = append(w.offsets, uint32(len(w.payload)))
	return nil
}

func (w *Writer) wouldExceed(blobLen int) bool {
	n := len(w.offsets) - 1
	if n == 0 {
		return false
	}
	if w.opts.ChunkSamples > 0 && n+1 > w.opts.ChunkSamples {
		return true
	}
	if w.opts.ChunkBytes > 0 && int64(len(w.payload)+blobLen) > w.opts.ChunkBytes {
		return true
	}
	return false
}

// Close flushes any partial chunk and finalizes the writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.offsets) > 1 {
		return w.flush()
	}
	return nil
}

// NextID returns the id the writer will assign to its next chunk.
func (w *Writer) NextID() uint64 { return w.nextID }

func (w *Writer) flush() error {
	n := len(w.offsets) - 1
	h := Header{
		Version:     Version,
		ID:          w.nextID,
		Samples:     uint32(n),
		PayloadLen:  uint64(len(w.payload)),
		Compression: w.opts.Compression,
	}
	payload, err := w.opts.Compression.compress(w.payload)
	if err != nil {
		return errors.E(fmt.Sprintf("chunk %d: compress", h.ID), err)
	}
	buf := make([]byte, 0, HeaderSize+h.TableSize()+len(payload))
	buf = h.appendTo(buf)
	for _, off := range w.offsets {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], off)
		buf = append(buf, b[:]...)
	}
	buf = append(buf, payload...)

	name := Filename
	if w.opts.Filename != nil {
		name = w.opts.Filename
	}
	filename := name(h.ID)
	if err := writeFileAtomic(w.dir, filename, buf); err != nil {
		return errors.E(fmt.Sprintf("chunk %d: write %s", h.ID, filename), err)
	}
	desc := Descriptor{
		ID:       h.ID,
		Filename: filename,
		Bytes:    int64(len(buf)),
		Samples:  n,
	}
	w.nextID++
	w.offsets = w.offsets[:1]
	w.payload = w.payload[:0]
	if w.opts.OnChunk != nil {
		return w.opts.OnChunk(desc)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in dir, syncs it, and
// renames it into place. On error the temp file is removed and the
// destination is untouched.
func writeFileAtomic(dir, filename string, data []byte) error {
	f, err := ioutil.TempFile(dir, filename+".tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(dir, filename))
	}
	if err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Error.Printf("chunk writer: remove %s: %v", tmp, rmErr)
		}
	}
	return err
}

// ReadFile reads and parses the chunk file at path.
func ReadFile(path string) (*Chunk, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("chunk: read %s", path), err)
	}
	c, err := Parse(p)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("chunk: parse %s", path), err)
	}
	return c, nil
}
