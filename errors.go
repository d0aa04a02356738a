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

import "github.com/dm-vdo/uds/internal/udserr"

// Error kinds returned by this package and its internal components.
// These alias the sentinels in internal/udserr so that every internal
// component and this package classify failures against the exact same
// error values.
var (
	// ErrCorruptData indicates an on-disk header mismatch, a delta
	// decode that overran its list, or otherwise impossible bounds.
	// The index refuses to open when this occurs during a scan that
	// exceeds the bad-chapter tolerance.
	ErrCorruptData = udserr.CorruptData

	// ErrOverflow indicates a delta list grew past 65535 bits. It is
	// local to the list that overflowed; the index remains consistent.
	ErrOverflow = udserr.Overflow

	// ErrBadState indicates API misuse: mutating an immutable page,
	// removing at an end cursor, or operating on a closed or
	// suspended session.
	ErrBadState = udserr.BadState

	// ErrIoFailure indicates a transport error from the backing block
	// device. During open it is fatal; during operation it marks the
	// affected page invalid and degrades advice recall until rebuild.
	ErrIoFailure = udserr.IoFailure

	// ErrAborted indicates a request was cancelled during suspend
	// while parked on a page read.
	ErrAborted = udserr.Aborted

	// ErrIndexObsolete is returned when a saved index or delta-index
	// stream carries a version lower than this package understands.
	ErrIndexObsolete = udserr.IndexObsolete
)
