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

package pagecache

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dm-vdo/uds/internal/blockdev"
	"github.com/dm-vdo/uds/internal/geometry"
)

func testGeo(t *testing.T) geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(4096, 32, 4, 1, 16, 0, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return geo
}

func testDevice(t *testing.T, pages int) *blockdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volume")
	dev, err := blockdev.Open(path, int64(pages)*4096)
	if err != nil {
		t.Fatalf("blockdev.Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	for p := 0; p < pages; p++ {
		buf := bytes.Repeat([]byte{byte(p)}, 4096)
		if _, err := dev.WriteAt(buf, int64(p)*4096); err != nil {
			t.Fatalf("seed page %d: %v", p, err)
		}
	}
	return dev
}

func TestGetReadsThroughOnMiss(t *testing.T) {
	geo := testGeo(t)
	dev := testDevice(t, 8)
	c := New(dev, geo, 4, 2, 1)
	defer c.Close()

	data, err := c.Get(0, 3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := bytes.Repeat([]byte{3}, 4096)
	if !bytes.Equal(data, want) {
		t.Fatalf("page 3 content mismatch")
	}
	if c.Misses() != 1 || c.Hits() != 0 {
		t.Fatalf("expected one miss, got hits=%d misses=%d", c.Hits(), c.Misses())
	}
}

func TestGetHitsOnSecondCall(t *testing.T) {
	geo := testGeo(t)
	dev := testDevice(t, 8)
	c := New(dev, geo, 4, 2, 1)
	defer c.Close()

	if _, err := c.Get(0, 1); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := c.Get(0, 1); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if c.Hits() != 1 || c.Misses() != 1 {
		t.Fatalf("expected one hit and one miss, got hits=%d misses=%d", c.Hits(), c.Misses())
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	geo := testGeo(t)
	dev := testDevice(t, 8)
	c := New(dev, geo, 4, 2, 4)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		zone := i % 4
		wg.Add(1)
		go func(zone int) {
			defer wg.Done()
			if _, err := c.Get(zone, 5); err != nil {
				errs <- err
			}
		}(zone)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Get: %v", err)
	}
	if c.Misses() < 1 {
		t.Fatalf("expected at least one miss across coalesced readers")
	}
}

func TestEvictionReusesSlotsUnderPressure(t *testing.T) {
	geo := testGeo(t)
	dev := testDevice(t, 8)
	c := New(dev, geo, 2, 1, 1)
	defer c.Close()

	for p := int64(0); p < 6; p++ {
		data, err := c.Get(0, p)
		if err != nil {
			t.Fatalf("Get(%d): %v", p, err)
		}
		want := bytes.Repeat([]byte{byte(p)}, 4096)
		if !bytes.Equal(data, want) {
			t.Fatalf("page %d content mismatch after eviction pressure", p)
		}
	}
	if c.Misses() != 6 {
		t.Fatalf("expected 6 misses cycling through 2 slots, got %d", c.Misses())
	}
}
