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
	"sync/atomic"

	"github.com/dm-vdo/uds/internal/pipeline"
)

// Stats holds the running request counters a session reports, kept as
// atomics the same way dcache.Cache tracks hits/misses/failures so a
// concurrent GetStats call never blocks request processing.
type Stats struct {
	posts, updates, queries int64
	found, notFound         int64
	failures                int64
}

func (st *Stats) recordSubmission(kind RequestKind) {
	switch kind {
	case Post:
		atomic.AddInt64(&st.posts, 1)
	case Update:
		atomic.AddInt64(&st.updates, 1)
	case Query, QueryNoUpdate:
		atomic.AddInt64(&st.queries, 1)
	}
}

func (st *Stats) recordCompletion(req *pipeline.Request) {
	if req.Status != nil {
		atomic.AddInt64(&st.failures, 1)
		return
	}
	if req.Found {
		atomic.AddInt64(&st.found, 1)
	} else {
		atomic.AddInt64(&st.notFound, 1)
	}
}

// Posts, Updates, Queries report how many requests of each kind have
// been launched.
func (st *Stats) Posts() int64   { return atomic.LoadInt64(&st.posts) }
func (st *Stats) Updates() int64 { return atomic.LoadInt64(&st.updates) }
func (st *Stats) Queries() int64 { return atomic.LoadInt64(&st.queries) }

// Found, NotFound report how many completed requests resolved to a
// present or absent name, respectively.
func (st *Stats) Found() int64    { return atomic.LoadInt64(&st.found) }
func (st *Stats) NotFound() int64 { return atomic.LoadInt64(&st.notFound) }

// Failures reports how many completed requests returned a non-nil
// error.
func (st *Stats) Failures() int64 { return atomic.LoadInt64(&st.failures) }

// GetStats returns a snapshot of the session's request counters.
func (s *Session) GetStats() Stats {
	snap := Stats{
		posts:    s.stats.Posts(),
		updates:  s.stats.Updates(),
		queries:  s.stats.Queries(),
		found:    s.stats.Found(),
		notFound: s.stats.NotFound(),
		failures: s.stats.Failures(),
	}
	return snap
}

// EarlyFlushes reports how many times the volume index has been forced
// to flush a zone's oldest chapter early to keep up with ingest.
func (s *Session) EarlyFlushes() int64 { return s.index.EarlyFlushes() }
