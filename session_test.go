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
	"path/filepath"
	"sync"
	"testing"
)

func nameFor(b byte) (n Name) {
	for i := range n {
		n[i] = b
	}
	return n
}

func testConfig() Configuration {
	return Configuration{
		MemorySize:    4 << 20,
		ZoneCount:     1,
		ReadThreads:   1,
		CacheChapters: 2,
		Nonce:         0x1234,
	}
}

func launchAndWait(t *testing.T, s *Session, name Name, kind RequestKind, meta [16]byte) Result {
	t.Helper()
	var wg sync.WaitGroup
	var result Result
	wg.Add(1)
	s.LaunchRequest(name, kind, meta, func(r Result) {
		result = r
		wg.Done()
	})
	wg.Wait()
	return result
}

func TestSessionPostThenQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.dat")
	s := NewSession()
	if err := s.Open(path, testConfig()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	res := launchAndWait(t, s, nameFor(1), Post, [16]byte{0xaa})
	if res.Err != nil {
		t.Fatalf("post: %v", res.Err)
	}
	if res.Found {
		t.Fatalf("post: unexpectedly found before insertion")
	}

	res = launchAndWait(t, s, nameFor(1), Query, [16]byte{})
	if res.Err != nil {
		t.Fatalf("query: %v", res.Err)
	}
	if !res.Found || res.OldMetadata != ([16]byte{0xaa}) {
		t.Fatalf("query: unexpected result %+v", res)
	}

	stats := s.GetStats()
	if stats.Posts() != 1 || stats.Queries() != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSessionSuspendResumeAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.dat")
	cfg := testConfig()

	s := NewSession()
	if err := s.Open(path, cfg); err != nil {
		t.Fatalf("Open: %v", err)
	}
	res := launchAndWait(t, s, nameFor(2), Post, [16]byte{0xbb})
	if res.Err != nil {
		t.Fatalf("post: %v", res.Err)
	}
	if err := s.Suspend(true); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := NewSession()
	if err := s2.Open(path, cfg); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	res = launchAndWait(t, s2, nameFor(2), Query, [16]byte{})
	if res.Err != nil {
		t.Fatalf("query after reopen: %v", res.Err)
	}
	if !res.Found || res.OldMetadata != ([16]byte{0xbb}) {
		t.Fatalf("expected name 2 to survive suspend/reopen, got %+v", res)
	}
}
