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

// Package udserr defines the error-kind sentinels shared by every
// internal component, so that a leaf package (delta index, page cache,
// volume) and the root uds package can both classify failures with
// errors.Is without an import cycle back to package uds.
package udserr

import "errors"

var (
	// CorruptData: on-disk header mismatch, a delta decode that
	// overran its list, or otherwise impossible bounds.
	CorruptData = errors.New("uds: corrupt data")

	// Overflow: a delta list grew past 65535 bits. Local to the list
	// that overflowed.
	Overflow = errors.New("uds: delta list overflow")

	// BadState: API misuse (mutating an immutable page, removing at
	// an end cursor, operating on a closed or suspended session).
	BadState = errors.New("uds: bad state")

	// IoFailure: transport error from the backing block device.
	IoFailure = errors.New("uds: I/O failure")

	// Aborted: cancellation during suspend.
	Aborted = errors.New("uds: aborted")

	// IndexObsolete: a saved stream carries an unsupported version.
	IndexObsolete = errors.New("uds: index version obsolete")
)

// Queued is an internal, never-escaping sentinel used between pipeline
// stages to indicate that a request has been parked on the page-cache
// read queue.
var Queued = errors.New("uds: internal: request queued")
