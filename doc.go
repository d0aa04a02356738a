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

// Package uds implements a deduplication index: a high-throughput
// fingerprint store that answers, for a fixed-size record name, whether
// a name has likely been seen before and which volume chapter holds its
// full record. Every affirmative answer is confirmed against an on-disk
// record page before being returned to the caller.
//
// A Session is the entry point: it owns the index, the request pipeline,
// and the background chapter writer, and mediates open/close/suspend/
// resume/save against the on-disk volume.
package uds
