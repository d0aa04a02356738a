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

// Package namehash derives the per-request fields needed for a record
// name: the address prefix used to pick a delta list, the zone
// selector, and the sampling predicate that marks a name a "hook".
//
// Record names are assumed uniformly distributed, so a keyed SipHash-2-4
// of the name (rather than trusting the name's own bits directly) keeps
// zone and delta-list assignment resistant to adversarial or skewed input
// while remaining cheap enough to run on every request.
package namehash

import "github.com/dchest/siphash"

// Name is the 16-byte opaque record name this index is keyed by.
type Name [16]byte

// key0/key1 are fixed, not secret: they exist only to decorrelate the
// hash from the raw name bits, not to resist a deliberate attacker who
// knows them. A per-volume nonce already serves the anti-rollback role.
const (
	key0 uint64 = 0x5544532064656475
	key1 uint64 = 0x4c6963617465496e
)

// Hash64 returns the keyed SipHash-2-4 digest of the name, used to derive
// both the zone selector and the sampling predicate below.
func Hash64(name Name) uint64 {
	return siphash.Hash(key0, key1, name[:])
}

// AddressPrefix returns the top 32 bits of the name's hash, the address
// prefix used to pick a delta list.
func AddressPrefix(name Name) uint32 {
	return uint32(Hash64(name) >> 32)
}

// Zone returns the zone index in [0,zoneCount) a name is routed to.
// zoneCount must be positive.
func Zone(name Name, zoneCount int) int {
	if zoneCount <= 1 {
		return 0
	}
	h := Hash64(name)
	return int((h >> 16) % uint64(zoneCount))
}

// IsHook reports whether name's sampling predicate is true: one name in
// every sampleRate is a hook. A sampleRate of 0 means no name is ever a
// hook (the sparse sub-index is disabled); a sampleRate of 1 makes every
// name a hook.
func IsHook(name Name, sampleRate uint32) bool {
	if sampleRate == 0 {
		return false
	}
	if sampleRate == 1 {
		return true
	}
	return Hash64(name)%uint64(sampleRate) == 0
}
