// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// evictionSlack is how many extra entries a capacity eviction removes beyond
// the overflow, so a cache hovering at its limit does not evict on every
// admission.
const evictionSlack = 100

// Deduplicator is a bounded, time-windowed cache of recently admitted
// message ids. Check and mark are separate operations so the ingress path
// can mark at admission time, before any slow work; both are safe under
// concurrent admission.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]time.Time

	ttl       time.Duration
	cacheSize int
	sweepTick time.Duration

	clock func() time.Time
	log   zerolog.Logger
}

// NewDeduplicator creates a Deduplicator. Zero values fall back to one hour
// TTL, 1000 entries, five-minute sweeps.
func NewDeduplicator(ttl time.Duration, cacheSize int, sweepInterval time.Duration, log zerolog.Logger) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Deduplicator{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		cacheSize: cacheSize,
		sweepTick: sweepInterval,
		clock:     time.Now,
		log:       log.With().Str("component", "dedup").Logger(),
	}
}

// IsDuplicate reports whether id was admitted within the TTL window. An
// expired entry is removed and treated as fresh. Empty ids are never
// duplicates.
func (d *Deduplicator) IsDuplicate(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	admitted, ok := d.entries[id]
	if !ok {
		return false
	}
	if d.clock().Sub(admitted) >= d.ttl {
		delete(d.entries, id)
		return false
	}
	return true
}

// MarkProcessed records id as admitted now. Empty ids are ignored: a message
// without identity cannot be deduplicated. Exceeding the capacity bound
// evicts the oldest entries.
func (d *Deduplicator) MarkProcessed(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[id] = d.clock()
	if len(d.entries) > d.cacheSize {
		d.evictOldestLocked()
	}
}

// CheckAndMark reports whether id was admitted within the TTL window and,
// when it was not, marks it as admitted. Both happen under one lock
// acquisition so two concurrent admissions of the same id can never both
// pass. Empty ids are never duplicates and never marked.
func (d *Deduplicator) CheckAndMark(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if admitted, ok := d.entries[id]; ok {
		if now.Sub(admitted) < d.ttl {
			return true
		}
		delete(d.entries, id)
	}
	d.entries[id] = now
	if len(d.entries) > d.cacheSize {
		d.evictOldestLocked()
	}
	return false
}

// Unmark removes id so a legitimate retry after a failed dispatch is not
// permanently dropped.
func (d *Deduplicator) Unmark(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

// Len returns the current entry count.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// evictOldestLocked removes the oldest-by-admission entries until the count
// is below the limit, plus slack. Caller holds the mutex.
func (d *Deduplicator) evictOldestLocked() {
	type entry struct {
		id string
		at time.Time
	}
	ordered := make([]entry, 0, len(d.entries))
	for id, at := range d.entries {
		ordered = append(ordered, entry{id, at})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.Before(ordered[j].at) })

	remove := len(d.entries) - d.cacheSize + evictionSlack
	if remove > len(ordered) {
		remove = len(ordered)
	}
	for _, e := range ordered[:remove] {
		delete(d.entries, e.id)
	}
	d.log.Debug().Int("removed", remove).Int("remaining", len(d.entries)).Msg("Evicted oldest dedup entries")
}

// RunSweeper periodically removes TTL-expired entries independent of
// capacity pressure. Blocks until ctx is done.
func (d *Deduplicator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired()
		}
	}
}

func (d *Deduplicator) sweepExpired() {
	now := d.clock()
	d.mu.Lock()
	removed := 0
	for id, admitted := range d.entries {
		if now.Sub(admitted) >= d.ttl {
			delete(d.entries, id)
			removed++
		}
	}
	remaining := len(d.entries)
	d.mu.Unlock()
	if removed > 0 {
		d.log.Debug().Int("removed", removed).Int("remaining", remaining).Msg("Swept expired dedup entries")
	}
}
