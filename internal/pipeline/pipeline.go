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

// Package pipeline wires a name-keyed request through triage, a zone's
// in-memory state, and the volume. One
// triage goroutine assigns a zone by hashing the request's name; each
// zone runs single-threaded against its own queue, so requests for the
// same name are always serialized.
package pipeline

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dm-vdo/uds/internal/atomicext"
	"github.com/dm-vdo/uds/internal/namehash"
	"github.com/dm-vdo/uds/internal/openchapter"
	"github.com/dm-vdo/uds/internal/sparsecache"
	"github.com/dm-vdo/uds/internal/udserr"
	"github.com/dm-vdo/uds/internal/volumeindex"
)

// Kind identifies a request's operation.
type Kind int

const (
	Post Kind = iota
	Update
	Query
	QueryNoUpdate
)

// Request is one in-flight deduplication lookup or insertion. Callers
// build a Request, hand it to Pipeline.Submit, and call Wait for the
// result; the done channel stands in for a registered callback, in the
// spirit of dcache's reservation.add using a result channel of its own.
type Request struct {
	Name        namehash.Name
	Kind        Kind
	NewMetadata [16]byte

	OldMetadata    [16]byte
	Found          bool
	VirtualChapter uint64
	Status         error

	barrierChapter uint64
	isBarrier      bool
	done           chan struct{}
}

// NewRequest builds a request ready for Pipeline.Submit.
func NewRequest(name namehash.Name, kind Kind, newMetadata [16]byte) *Request {
	return &Request{Name: name, Kind: kind, NewMetadata: newMetadata, done: make(chan struct{})}
}

// Wait blocks until the request completes and returns it for its
// output fields.
func (r *Request) Wait() *Request {
	<-r.done
	return r
}

// Volume is the narrow surface the pipeline needs from
// internal/volume.Volume.
type Volume interface {
	LookupName(zone int, virtualChapter, nonce uint64, name namehash.Name) (metadata [16]byte, found bool, err error)
	ReadRecordPage(zone int, virtualChapter uint64, recordPage int) ([]openchapter.Record, error)
}

// SparseCache is the narrow surface the pipeline needs from the sparse
// cache.
type SparseCache interface {
	Contains(virtualChapter uint64) bool
	Search(zone int, name namehash.Name, haveHint bool, wantChapter uint64) (sparsecache.SearchResult, error)
	Update(zone int, virtualChapter uint64) error
}

type zoneState struct {
	id       int
	requests chan *Request
}

// Pipeline owns the triage goroutine, one goroutine per zone, and the
// shared index state those goroutines read and mutate.
type Pipeline struct {
	volIndex *volumeindex.Index
	writer   *openchapter.ChapterWriter
	vol      Volume
	sparse   SparseCache // nil when the geometry has no sparse sub-index
	nonce    uint64

	zones    []*zoneState
	triageCh chan *Request
	wg       sync.WaitGroup

	currentChapter atomic.Uint64
	inflight       atomic.Int64

	chapterMu     sync.Mutex
	chapterDone   chan struct{}
	closingChapter atomic.Bool

	suspendMu sync.Mutex
	suspended bool
	resumeCh  chan struct{}
}

// New starts the triage and zone goroutines. volIndex, writer, and vol
// must already be wired together (writer's VolumeWriter/
// OpenChapterAdvancer bound to vol and volIndex respectively, per
// internal/openchapter's narrow-interface wiring).
func New(zoneCount int, volIndex *volumeindex.Index, writer *openchapter.ChapterWriter, vol Volume, sparse SparseCache, nonce uint64) *Pipeline {
	p := &Pipeline{
		volIndex:    volIndex,
		writer:      writer,
		vol:         vol,
		sparse:      sparse,
		nonce:       nonce,
		zones:       make([]*zoneState, zoneCount),
		triageCh:    make(chan *Request, 64),
		chapterDone: make(chan struct{}),
	}
	for z := range p.zones {
		p.zones[z] = &zoneState{id: z, requests: make(chan *Request, 64)}
	}

	p.wg.Add(1)
	go p.triageLoop()
	for _, z := range p.zones {
		p.wg.Add(1)
		go p.zoneLoop(z)
	}
	return p
}

// Close stops triage and every zone goroutine once their queues drain.
func (p *Pipeline) Close() {
	close(p.triageCh)
	p.wg.Wait()
}

// Submit enqueues req on the triage queue. It returns immediately; the
// caller awaits completion with req.Wait().
func (p *Pipeline) Submit(req *Request) {
	p.inflight.Add(1)
	p.triageCh <- req
}

// Flush blocks until every request submitted so far has completed and
// no chapter close is in progress.
func (p *Pipeline) Flush() {
	for p.inflight.Load() > 0 || p.closingChapter.Load() {
		atomicext.Pause()
		runtime.Gosched()
	}
}

// Suspend stops every zone from starting its next queued request. A
// request already being processed runs to completion; suspension takes
// effect at the next request boundary, since this implementation
// resolves a page-cache miss synchronously rather than parking the
// request mid-fetch.
func (p *Pipeline) Suspend() {
	p.suspendMu.Lock()
	if !p.suspended {
		p.suspended = true
		p.resumeCh = make(chan struct{})
	}
	p.suspendMu.Unlock()
}

// Resume releases every zone parked by Suspend.
func (p *Pipeline) Resume() {
	p.suspendMu.Lock()
	if p.suspended {
		p.suspended = false
		close(p.resumeCh)
	}
	p.suspendMu.Unlock()
}

func (p *Pipeline) waitIfSuspended() {
	p.suspendMu.Lock()
	ch := p.resumeCh
	suspended := p.suspended
	p.suspendMu.Unlock()
	if suspended {
		<-ch
	}
}

func (p *Pipeline) triageLoop() {
	defer p.wg.Done()
	for req := range p.triageCh {
		zone := p.volIndex.ZoneOf(req.Name)

		if p.sparse != nil && p.volIndex.IsSample(req.Name) {
			rec, err := p.volIndex.Lookup(req.Name)
			if err == nil && rec.Found && rec.Sub == volumeindex.Sparse && !p.sparse.Contains(rec.VirtualChapter) {
				p.injectBarrier(rec.VirtualChapter)
			}
		}

		p.zones[zone].requests <- req
	}
	// Triage is the only sender on the zone queues; closing them lets
	// every zone goroutine drain its queue and exit.
	for _, z := range p.zones {
		close(z.requests)
	}
}

// injectBarrier enqueues a barrier request with the same virtual
// chapter on every zone queue, ahead of the request that triggered it.
func (p *Pipeline) injectBarrier(virtualChapter uint64) {
	for _, z := range p.zones {
		z.requests <- &Request{isBarrier: true, barrierChapter: virtualChapter}
	}
}

func (p *Pipeline) zoneLoop(z *zoneState) {
	defer p.wg.Done()
	for req := range z.requests {
		p.waitIfSuspended()
		if req.isBarrier {
			if p.sparse != nil {
				_ = p.sparse.Update(z.id, req.barrierChapter)
			}
			continue
		}
		p.process(z, req)
		close(req.done)
		p.inflight.Add(-1)
	}
}

// process runs the zone-processing stages: open chapter, then
// the volume index (dense, then sparse for hooks), then the volume
// itself on a candidate chapter, applying the request kind's side
// effects along the way.
func (p *Pipeline) process(z *zoneState, req *Request) {
	zoneBuf := p.writer.Zone(z.id)

	if rec, ok := zoneBuf.Find(req.Name); ok {
		req.Found = true
		req.OldMetadata = rec.Metadata
		req.VirtualChapter = p.currentChapter.Load()
		if req.Kind == Update {
			zoneBuf.Put(req.Name, req.NewMetadata)
		}
		return
	}

	vrec, err := p.volIndex.Lookup(req.Name)
	if err != nil {
		req.Status = err
		return
	}

	if vrec.Found {
		meta, found, err := p.lookupChapter(z.id, vrec)
		if err != nil {
			req.Status = err
			return
		}
		req.Found = found
		req.VirtualChapter = vrec.VirtualChapter
		if !found {
			return
		}
		req.OldMetadata = meta

		switch req.Kind {
		case Query:
			// Repointing the index at the chapter now forming only
			// keeps the name findable if that chapter holds it, so
			// the hit is re-posted into the open chapter too.
			zoneBuf.Put(req.Name, meta)
			if err := p.volIndex.SetChapter(vrec, p.currentChapter.Load()); err != nil {
				req.Status = err
				return
			}
			p.maybeCloseChapter(z)
		case Update:
			// The name's chapter on disk is immutable; overwriting its
			// metadata means re-posting it into the open chapter and
			// repointing the volume index at the chapter now forming.
			zoneBuf.Put(req.Name, req.NewMetadata)
			if err := p.volIndex.SetChapter(vrec, p.currentChapter.Load()); err != nil {
				req.Status = err
				return
			}
			p.maybeCloseChapter(z)
		}
		return
	}

	req.Found = false
	switch req.Kind {
	case Post, Update:
		zoneBuf.Put(req.Name, req.NewMetadata)
		if err := p.volIndex.Put(vrec, p.currentChapter.Load()); err != nil {
			req.Status = err
			return
		}
		p.maybeCloseChapter(z)
	}
}

// lookupChapter fetches a name's metadata from the chapter the volume
// index points to: directly through the volume when the chapter is
// still in the dense window, or through the sparse cache (which loads
// the chapter's index pages itself) followed by a volume record-page
// read when the chapter only survives as a hook.
func (p *Pipeline) lookupChapter(zone int, vrec volumeindex.Record) (metadata [16]byte, found bool, err error) {
	if vrec.Sub == volumeindex.Dense {
		return p.vol.LookupName(zone, vrec.VirtualChapter, p.nonce, vrec.Name)
	}
	if p.sparse == nil {
		return metadata, false, udserr.BadState
	}
	res, err := p.sparse.Search(zone, vrec.Name, true, vrec.VirtualChapter)
	if err != nil || !res.Found {
		return metadata, false, err
	}
	records, err := p.vol.ReadRecordPage(zone, res.VirtualChapter, res.RecordPage)
	if err != nil {
		return metadata, false, err
	}
	for _, r := range records {
		if r.Name == vrec.Name {
			return r.Metadata, true, nil
		}
	}
	return metadata, false, nil
}

// maybeCloseChapter handles open-chapter capacity: once
// every zone's buffer is full, exactly one zone wins the race to close
// it; every other zone that observes fullness waits for that close to
// finish rather than closing again.
func (p *Pipeline) maybeCloseChapter(z *zoneState) {
	if !p.writer.ChapterFull() {
		return
	}
	if !p.closingChapter.CompareAndSwap(false, true) {
		p.waitForChapterClose()
		return
	}

	virtualChapter := p.currentChapter.Load()
	err := p.writer.CloseChapter(virtualChapter, p.nonce)
	if err == nil {
		p.currentChapter.Store(virtualChapter + 1)
	}

	p.chapterMu.Lock()
	old := p.chapterDone
	p.chapterDone = make(chan struct{})
	p.chapterMu.Unlock()
	close(old)
	p.closingChapter.Store(false)
}

func (p *Pipeline) waitForChapterClose() {
	p.chapterMu.Lock()
	done := p.chapterDone
	p.chapterMu.Unlock()
	<-done
	runtime.Gosched()
}
