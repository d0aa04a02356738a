// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package uds

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/dm-vdo/uds/compr"
	"github.com/dm-vdo/uds/internal/blockdev"
	"github.com/dm-vdo/uds/internal/layout"
	"github.com/dm-vdo/uds/internal/namehash"
	"github.com/dm-vdo/uds/internal/openchapter"
	"github.com/dm-vdo/uds/internal/pipeline"
	"github.com/dm-vdo/uds/internal/sparsecache"
	"github.com/dm-vdo/uds/internal/volume"
	"github.com/dm-vdo/uds/internal/volumeindex"
)

// Name is the caller-supplied record name the index is keyed by.
type Name = namehash.Name

// RequestKind selects a Session.LaunchRequest operation.
type RequestKind int

const (
	// Post inserts name/metadata if absent; a present name is left
	// untouched.
	Post RequestKind = iota
	// Update inserts name/metadata if absent, or overwrites an
	// existing entry's metadata.
	Update
	// Query reports whether name is present, refreshing its chapter
	// so it ages like a recent insertion.
	Query
	// QueryNoUpdate reports whether name is present without refreshing
	// its chapter.
	QueryNoUpdate
)

// Result is what a launched request resolves to.
type Result struct {
	Found          bool
	OldMetadata    [16]byte
	VirtualChapter uint64
	Err            error
}

// Logger is the narrow Printf surface accepted by Session's Logger
// field.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Session is the entry point: it owns the index, the request pipeline,
// and the background chapter writer, and mediates open/close/suspend/
// resume/save against the on-disk volume.
type Session struct {
	// Logger is stored on the session; no Session method writes to it.
	Logger Logger

	cfg   Configuration
	super layout.SuperBlock
	dev   *blockdev.Device
	vol   *volume.Volume
	index *volumeindex.Index
	writer *openchapter.ChapterWriter
	sparse *sparsecache.Cache
	pipe   *pipeline.Pipeline

	stats Stats

	mu     sync.Mutex
	closed bool
}

// NewSession returns a Session ready for Open.
func NewSession() *Session {
	return &Session{}
}

// sparseCacheCapacity sizes the sparse cache in chapters from
// CacheChapters, the same budget the page cache is sized from.
func sparseCacheCapacity(cfg Configuration) int {
	if cfg.CacheChapters < 1 {
		return 1
	}
	return cfg.CacheChapters
}

// Open opens or formats the volume file at path under cfg: an existing,
// previously formatted file is reopened and its persisted geometry,
// nonce, and instance identity take precedence over cfg's; a missing or
// too-short file is formatted fresh.
func (s *Session) Open(path string, cfg Configuration) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	existing, err := readExistingSuperBlock(path)
	if err != nil {
		return err
	}

	var super layout.SuperBlock
	if existing != nil {
		super = *existing
	} else {
		geo, err := cfg.geometry()
		if err != nil {
			return err
		}
		super = layout.Format(geo, cfg.Nonce, volumeOffset())
	}

	volumeBytes := int64(super.Geo.ChaptersPerVolume) * int64(super.Geo.PagesPerChapter()) * int64(super.Geo.BytesPerPage)
	// The saved-state region is sized to hold one suspend image; a
	// second volumeBytes-sized allowance is the same upper estimate
	// ComputeIndexSize uses (see its comment).
	totalSize := super.VolumeOffset + volumeBytes + volumeBytes

	dev, err := blockdev.Open(path, totalSize)
	if err != nil {
		return err
	}

	if existing == nil {
		buf, err := super.Encode()
		if err != nil {
			dev.Close()
			return err
		}
		if _, err := dev.WriteAt(buf, 0); err != nil {
			dev.Close()
			return err
		}
	}

	zoneCount := cfg.ZoneCount
	vol := volume.Open(dev, super, sparseCacheCapacity(cfg)*super.Geo.PagesPerChapter(), cfg.ReadThreads, zoneCount)

	var index *volumeindex.Index
	var savedReader *bytes.Reader
	if existing != nil && existing.HasSavedState {
		raw, rerr := readSavedState(dev, *existing)
		if rerr != nil {
			vol.Close()
			dev.Close()
			return rerr
		}
		savedReader = bytes.NewReader(raw)
		index, err = volumeindex.Load(savedReader, super.Geo, zoneCount)
	} else {
		index, err = volumeindex.New(super.Geo, zoneCount)
	}
	if err != nil {
		vol.Close()
		dev.Close()
		return err
	}

	writer := openchapter.NewChapterWriter(super.Geo, zoneCount, vol, index)
	if savedReader != nil {
		if err := writer.LoadOpenChapter(savedReader); err != nil {
			vol.Close()
			dev.Close()
			return err
		}
	}

	var sparse *sparsecache.Cache
	var pipeSparse pipeline.SparseCache
	if super.Geo.IsSparse() {
		sparse = sparsecache.New(vol, super.Nonce, sparseCacheCapacity(cfg), zoneCount)
		pipeSparse = sparse
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.super = super
	s.dev = dev
	s.vol = vol
	s.index = index
	s.writer = writer
	s.sparse = sparse
	s.pipe = pipeline.New(zoneCount, index, writer, vol, pipeSparse, super.Nonce)
	s.closed = false
	return nil
}

// readExistingSuperBlock returns the decoded super block of an already
// formatted volume file, or nil if path does not yet exist or is too
// short to hold one. A super block that fails to decode is returned as
// an error.
func readExistingSuperBlock(path string) (*layout.SuperBlock, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, layout.SuperBlockBytes)
	if _, err := io.ReadFull(f, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	super, err := layout.Decode(buf)
	if err != nil {
		return nil, err
	}
	return &super, nil
}

// savedStateHeaderBytes is the length prefix written ahead of the
// zstd-compressed saved-state payload: the decompressed length, since
// compr's zstd Decompressor requires its destination buffer sized
// exactly in advance.
const savedStateHeaderBytes = 8

// readSavedState reads and decompresses the saved-state region
// described by super, returning the raw (uncompressed) volume-index
// and open-chapter streams Suspend(true) wrote.
func readSavedState(dev *blockdev.Device, super layout.SuperBlock) ([]byte, error) {
	compressed := make([]byte, super.SavedLength)
	if _, err := dev.ReadAt(compressed, super.SavedOffset); err != nil {
		return nil, err
	}
	if len(compressed) < savedStateHeaderBytes {
		return nil, ErrCorruptData
	}
	rawLen := binary.LittleEndian.Uint64(compressed[:savedStateHeaderBytes])
	raw := make([]byte, rawLen)
	if err := compr.Decompression("zstd").Decompress(compressed[savedStateHeaderBytes:], raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// LaunchRequest submits name for the given kind and delivers the result
// to done on a spawned goroutine, so the caller's submitting thread is
// never blocked waiting for completion.
func (s *Session) LaunchRequest(name Name, kind RequestKind, newMetadata [16]byte, done func(Result)) {
	req := pipeline.NewRequest(name, pipeline.Kind(kind), newMetadata)
	s.stats.recordSubmission(kind)
	s.pipe.Submit(req)
	go func() {
		req.Wait()
		s.stats.recordCompletion(req)
		if done != nil {
			done(Result{
				Found:          req.Found,
				OldMetadata:    req.OldMetadata,
				VirtualChapter: req.VirtualChapter,
				Err:            req.Status,
			})
		}
	}()
}

// Flush waits for every request submitted so far to complete.
func (s *Session) Flush() error {
	s.pipe.Flush()
	return nil
}

// Close stops the pipeline and releases the backing volume. A session
// must not be reused after Close.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBadState
	}
	s.pipe.Close()
	s.vol.Close()
	err := s.dev.Close()
	s.closed = true
	return err
}

// Suspend quiesces the pipeline so the volume file can be safely copied
// or unmounted. When save is true, it additionally persists the open
// chapter and the volume index to the saved-state region and marks the
// super block accordingly, so a later Open resumes without replaying the
// dense window from the volume.
func (s *Session) Suspend(save bool) error {
	s.pipe.Flush()
	s.pipe.Suspend()
	if !save {
		return nil
	}

	var buf bytes.Buffer
	if err := s.index.Save(&buf); err != nil {
		return err
	}
	if err := s.writer.SaveOpenChapter(&buf); err != nil {
		return err
	}

	var header [savedStateHeaderBytes]byte
	binary.LittleEndian.PutUint64(header[:], uint64(buf.Len()))
	payload := compr.Compression("zstd").Compress(buf.Bytes(), header[:])

	savedOffset := s.super.VolumeOffset + int64(s.super.Geo.ChaptersPerVolume)*int64(s.super.Geo.PagesPerChapter())*int64(s.super.Geo.BytesPerPage)
	if _, err := s.dev.WriteAt(payload, savedOffset); err != nil {
		return err
	}

	s.super.SavedOffset = savedOffset
	s.super.SavedLength = int64(len(payload))
	s.super.HasSavedState = true
	encoded, err := s.super.Encode()
	if err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(encoded, 0); err != nil {
		return err
	}
	return s.dev.Sync()
}

// Resume releases requests parked by a prior Suspend.
func (s *Session) Resume() error {
	s.pipe.Resume()
	return nil
}

// GetParameters reports the configuration the session was opened with.
func (s *Session) GetParameters() Configuration { return s.cfg }
