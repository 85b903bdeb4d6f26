// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkio reads and writes chunkstream's on-disk chunk
// format. A chunk is a self-describing binary file: a fixed header,
// a table of intra-chunk sample offsets, and a payload of
// concatenated serialized samples. All integers are little-endian.
//
// Layout:
//
//	offset size  field
//	0      4     magic "LTDC"
//	4      2     format version
//	6      8     chunk id
//	14     4     sample count n
//	18     8     uncompressed payload length p
//	26     1     compression id
//	27     1     reserved flags
//	28     4*(n+1) offset table, relative to the payload region
//	...    -     payload (compressed when compression id != 0)
//
// The header and offset table are never compressed, so a reader that
// has fetched only the chunk prefix can locate any sample's byte
// range; range access to the payload itself requires an
// uncompressed chunk.
package chunkio

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/chunkstream/codec"
)

// Magic identifies a chunkstream chunk file.
const Magic = "LTDC"

// Version is the chunk format version written by this package.
// Readers reject other versions.
const Version = 1

// HeaderSize is the size of the fixed chunk header in bytes.
const HeaderSize = 28

// FilenameFormat is the printf format of chunk filenames.
const FilenameFormat = "chunk-%010d.bin"

// Filename returns the canonical filename of the chunk with the
// given id.
func Filename(id uint64) string {
	return fmt.Sprintf(FilenameFormat, id)
}

// A Header is the fixed-size prefix of every chunk file.
type Header struct {
	Version     uint16
	ID          uint64
	Samples     uint32
	PayloadLen  uint64
	Compression Compression
	Flags       uint8
}

// TableSize returns the byte size of the header's offset table.
func (h Header) TableSize() int {
	return 4 * (int(h.Samples) + 1)
}

// DataStart returns the file offset at which the payload region
// begins.
func (h Header) DataStart() int64 {
	return int64(HeaderSize + h.TableSize())
}

func (h Header) appendTo(p []byte) []byte {
	var b [HeaderSize]byte
	copy(b[0:4], Magic)
	binary.LittleEndian.PutUint16(b[4:], h.Version)
	binary.LittleEndian.PutUint64(b[6:], h.ID)
	binary.LittleEndian.PutUint32(b[14:], h.Samples)
	binary.LittleEndian.PutUint64(b[18:], h.PayloadLen)
	b[26] = uint8(h.Compression)
	b[27] = h.Flags
	return append(p, b[:]...)
}

// ParseHeader parses a chunk header from the first HeaderSize bytes
// of a chunk file.
func ParseHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, errors.E(errors.Integrity, fmt.Sprintf("chunk: %d header bytes, want %d", len(p), HeaderSize))
	}
	if string(p[0:4]) != Magic {
		return Header{}, errors.E(errors.Integrity, fmt.Sprintf("chunk: bad magic %q", p[0:4]))
	}
	h := Header{
		Version:     binary.LittleEndian.Uint16(p[4:]),
		ID:          binary.LittleEndian.Uint64(p[6:]),
		Samples:     binary.LittleEndian.Uint32(p[14:]),
		PayloadLen:  binary.LittleEndian.Uint64(p[18:]),
		Compression: Compression(p[26]),
		Flags:       p[27],
	}
	if h.Version != Version {
		return Header{}, errors.E(errors.Integrity, fmt.Sprintf("chunk %d: unknown format version %d", h.ID, h.Version))
	}
	if _, err := h.Compression.check(); err != nil {
		return Header{}, errors.E(fmt.Sprintf("chunk %d", h.ID), err)
	}
	return h, nil
}

// A Layout is a chunk's header and offset table. It is sufficient to
// compute the byte range of any sample without the payload.
type Layout struct {
	Header
	// Offsets holds Samples+1 offsets relative to the payload
	// region; Offsets[j] is the start of sample j and Offsets[n] is
	// the payload length.
	Offsets []uint32
}

// ParseLayout parses the header and offset table from the chunk
// prefix p, which must hold at least HeaderSize plus the offset
// table.
func ParseLayout(p []byte) (*Layout, error) {
	h, err := ParseHeader(p)
	if err != nil {
		return nil, err
	}
	if len(p) < HeaderSize+h.TableSize() {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("chunk %d: %d bytes, want %d for offset table", h.ID, len(p), HeaderSize+h.TableSize()))
	}
	offsets := make([]uint32, h.Samples+1)
	for j := range offsets {
		offsets[j] = binary.LittleEndian.Uint32(p[HeaderSize+4*j:])
	}
	l := &Layout{Header: h, Offsets: offsets}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) validate() error {
	if l.Offsets[0] != 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("chunk %d: first offset %d, want 0", l.ID, l.Offsets[0]))
	}
	for j := 1; j < len(l.Offsets); j++ {
		if l.Offsets[j] < l.Offsets[j-1] {
			return errors.E(errors.Integrity,
				fmt.Sprintf("chunk %d: offset table decreases at %d: %d < %d", l.ID, j, l.Offsets[j], l.Offsets[j-1]))
		}
	}
	if last := uint64(l.Offsets[len(l.Offsets)-1]); last != l.PayloadLen {
		return errors.E(errors.Integrity,
			fmt.Sprintf("chunk %d: last offset %d, payload length %d", l.ID, last, l.PayloadLen))
	}
	return nil
}

// SampleRange returns the absolute file byte range [start, end) of
// sample j. It fails when the chunk is compressed, since file
// offsets then do not correspond to payload offsets.
func (l *Layout) SampleRange(j int) (start, end int64, err error) {
	if l.Compression != None {
		return 0, 0, errors.E(errors.Invalid,
			fmt.Sprintf("chunk %d: range access into %s-compressed chunk", l.ID, l.Compression))
	}
	if j < 0 || j >= int(l.Samples) {
		return 0, 0, errors.E(errors.Invalid, fmt.Sprintf("chunk %d: sample %d of %d", l.ID, j, l.Samples))
	}
	return l.DataStart() + int64(l.Offsets[j]), l.DataStart() + int64(l.Offsets[j+1]), nil
}

// A Chunk is a fully materialized chunk: layout plus decompressed
// payload. It serves any sample without further I/O.
type Chunk struct {
	*Layout
	payload []byte
}

// Parse parses a complete chunk file, decompressing the payload if
// necessary.
func Parse(p []byte) (*Chunk, error) {
	l, err := ParseLayout(p)
	if err != nil {
		return nil, err
	}
	payload := p[l.DataStart():]
	if l.Compression != None {
		payload, err = l.Compression.decompress(payload, int(l.PayloadLen))
		if err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("chunk %d: decompress", l.ID), err)
		}
	}
	if uint64(len(payload)) != l.PayloadLen {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("chunk %d: payload %d bytes, header says %d", l.ID, len(payload), l.PayloadLen))
	}
	return &Chunk{Layout: l, payload: payload}, nil
}

// Payload returns the chunk's decompressed payload. Token item
// loaders interpret it as a flat token buffer.
func (c *Chunk) Payload() []byte { return c.payload }

// SampleBytes returns the serialized blob of sample j.
func (c *Chunk) SampleBytes(j int) ([]byte, error) {
	if j < 0 || j >= int(c.Samples) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunk %d: sample %d of %d", c.ID, j, c.Samples))
	}
	return c.payload[c.Offsets[j]:c.Offsets[j+1]], nil
}

// Sample decodes sample j against the given registry and schema.
func (c *Chunk) Sample(reg *codec.Registry, schema codec.Schema, j int) (codec.Sample, error) {
	blob, err := c.SampleBytes(j)
	if err != nil {
		return nil, err
	}
	s, err := codec.DecodeSample(reg, schema, blob)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("chunk %d: sample %d", c.ID, j), err)
	}
	return s, nil
}
