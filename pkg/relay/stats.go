// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import "sync/atomic"

// Stats tracks pipeline counters. All methods are safe for concurrent use.
type Stats struct {
	received   atomic.Int64
	duplicates atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
}

func (s *Stats) Received()  { s.received.Add(1) }
func (s *Stats) Duplicate() { s.duplicates.Add(1) }
func (s *Stats) Processed() { s.processed.Add(1) }
func (s *Stats) Failed()    { s.failed.Add(1) }

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:   s.received.Load(),
		Duplicates: s.duplicates.Load(),
		Processed:  s.processed.Load(),
		Failed:     s.failed.Load(),
	}
}
