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
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigurationValidates(t *testing.T) {
	cfg := defaultConfiguration()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default configuration should validate: %v", err)
	}
}

func TestValidateRejectsBadZoneCount(t *testing.T) {
	cfg := defaultConfiguration()
	cfg.ZoneCount = 0
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected an error for zero zones")
	}
	cfg.ZoneCount = MaxZones + 1
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected an error for too many zones")
	}
}

func TestGeometryHonorsSparse(t *testing.T) {
	cfg := defaultConfiguration()
	cfg.Sparse = true
	geo, err := cfg.geometry()
	if err != nil {
		t.Fatalf("geometry: %v", err)
	}
	if !geo.IsSparse() {
		t.Fatalf("expected a sparse geometry when cfg.Sparse is set")
	}
	if geo.SparseChaptersPerVolume >= geo.ChaptersPerVolume {
		t.Fatalf("sparse chapters must leave at least one dense chapter")
	}
}

func TestComputeIndexSizeScalesWithMemorySize(t *testing.T) {
	small := defaultConfiguration()
	small.MemorySize = 32 << 20
	big := defaultConfiguration()
	big.MemorySize = 512 << 20

	smallSize, err := ComputeIndexSize(small)
	if err != nil {
		t.Fatalf("ComputeIndexSize(small): %v", err)
	}
	bigSize, err := ComputeIndexSize(big)
	if err != nil {
		t.Fatalf("ComputeIndexSize(big): %v", err)
	}
	if bigSize <= smallSize {
		t.Fatalf("expected a larger memory budget to need more disk: got %d vs %d", bigSize, smallSize)
	}
}

func TestLoadConfigurationFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "memory_size: 67108864\nzone_count: 2\nsparse: true\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfiguration(path)
	if err != nil {
		t.Fatalf("LoadConfiguration: %v", err)
	}
	if cfg.MemorySize != 67108864 || cfg.ZoneCount != 2 || !cfg.Sparse {
		t.Fatalf("unexpected configuration: %+v", cfg)
	}
}
