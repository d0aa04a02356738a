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

// Command udsinspect prints the super block and geometry of a volume
// file without opening it for request traffic, for offline diagnosis.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dm-vdo/uds/internal/blockdev"
	"github.com/dm-vdo/uds/internal/layout"
	"github.com/dm-vdo/uds/internal/volume"
)

func main() {
	rebuild := flag.Bool("rebuild", false, "scan the volume region and report the newest and oldest virtual chapters and any unreadable chapter slots")
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: udsinspect [-rebuild] <volume-file>")
		os.Exit(2)
	}

	if err := inspect(args[0], *rebuild); err != nil {
		fmt.Fprintf(os.Stderr, "udsinspect: %s\n", err)
		os.Exit(1)
	}
}

func inspect(path string, rebuild bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, layout.SuperBlockBytes)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("reading super block: %w", err)
	}
	super, err := layout.Decode(buf)
	if err != nil {
		return fmt.Errorf("decoding super block: %w", err)
	}

	fmt.Printf("instance:        %s\n", super.InstanceID)
	fmt.Printf("nonce:           %#x\n", super.Nonce)
	fmt.Printf("bytes per page:  %d\n", super.Geo.BytesPerPage)
	fmt.Printf("records/page:    %d\n", super.Geo.RecordsPerPage)
	fmt.Printf("record pages/ch: %d\n", super.Geo.RecordPagesPerChapter)
	fmt.Printf("index pages/ch:  %d\n", super.Geo.IndexPagesPerChapter)
	fmt.Printf("chapters/volume: %d\n", super.Geo.ChaptersPerVolume)
	fmt.Printf("sparse chapters: %d\n", super.Geo.SparseChaptersPerVolume)
	fmt.Printf("sparse sample:   %d\n", super.Geo.SparseSampleRate)
	fmt.Printf("volume offset:   %d\n", super.VolumeOffset)
	fmt.Printf("has saved state: %v\n", super.HasSavedState)
	if super.HasSavedState {
		fmt.Printf("saved offset:    %d\n", super.SavedOffset)
		fmt.Printf("saved length:    %d\n", super.SavedLength)
	}

	if !rebuild {
		return nil
	}

	// Open the device at the file's current size, so the scan neither
	// truncates the saved-state region that follows the volume region
	// nor grows the file.
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	dev, err := blockdev.Open(path, fi.Size())
	if err != nil {
		return fmt.Errorf("opening volume region: %w", err)
	}
	defer dev.Close()

	result, err := volume.Rebuild(dev, super)
	if err != nil {
		return fmt.Errorf("rebuild scan: %w", err)
	}
	fmt.Printf("newest chapter:  %d\n", result.NewestVirtualChapter)
	fmt.Printf("oldest chapter:  %d\n", result.OldestVirtualChapter)
	fmt.Printf("bad chapters:    %v\n", result.BadChapters)
	return nil
}
