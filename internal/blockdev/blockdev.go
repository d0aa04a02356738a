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

// Package blockdev is the volume's backing store: a regular file opened
// for buffered positioned reads and writes, preallocated up front so a
// full volume never grows or fragments during chapter writes.
package blockdev

import "os"

// Device is the narrow surface the volume needs from its backing file.
type Device struct {
	f *os.File
}

// Open opens (creating if needed) path as a volume backing file and
// preallocates it to size bytes.
func Open(path string, size int64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := preallocate(f, size); err != nil {
		f.Close()
		return nil, err
	}
	return &Device{f: f}, nil
}

// ReadAt reads len(buf) bytes starting at off.
func (d *Device) ReadAt(buf []byte, off int64) (int, error) {
	return preadAt(d.f, buf, off)
}

// WriteAt writes buf starting at off.
func (d *Device) WriteAt(buf []byte, off int64) (int, error) {
	return pwriteAt(d.f, buf, off)
}

// Sync flushes the backing file's dirty pages to stable storage.
func (d *Device) Sync() error { return d.f.Sync() }

// Size returns the backing file's current size.
func (d *Device) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close releases the backing file.
func (d *Device) Close() error { return d.f.Close() }
