package supervisor

import (
	"time"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

const (
	ledgerTTL     = 60 * time.Second
	ledgerMaxSize = 5000
)

// ledger deduplicates exact-identical events (same type, siteId, alarm,
// and original timestamp string) within ledgerTTL of each other.
type ledger struct {
	lastSeen map[events.ID]time.Time
}

func newLedger() *ledger {
	return &ledger{lastSeen: make(map[events.ID]time.Time)}
}

// seen records id as observed now and reports whether it was already seen
// within ledgerTTL (i.e. this occurrence is a duplicate to be skipped).
func (l *ledger) seen(id events.ID, now time.Time) bool {
	if last, ok := l.lastSeen[id]; ok && now.Sub(last) <= ledgerTTL {
		l.lastSeen[id] = now
		l.pruneLocked(now)
		return true
	}
	l.lastSeen[id] = now
	l.pruneLocked(now)
	return false
}

// pruneLocked drops TTL-expired entries, and if the ledger is still over
// ledgerMaxSize after that, drops the oldest entries until it is not.
func (l *ledger) pruneLocked(now time.Time) {
	for id, t := range l.lastSeen {
		if now.Sub(t) > ledgerTTL {
			delete(l.lastSeen, id)
		}
	}
	if len(l.lastSeen) <= ledgerMaxSize {
		return
	}
	type entry struct {
		id events.ID
		t  time.Time
	}
	entries := make([]entry, 0, len(l.lastSeen))
	for id, t := range l.lastSeen {
		entries = append(entries, entry{id, t})
	}
	// Simple oldest-first eviction; the ledger rarely exceeds its cap in
	// practice since TTL pruning runs on every insert.
	for len(entries) > 0 && len(l.lastSeen) > ledgerMaxSize {
		oldestIdx := 0
		for i, e := range entries {
			if e.t.Before(entries[oldestIdx].t) {
				oldestIdx = i
			}
		}
		delete(l.lastSeen, entries[oldestIdx].id)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
	}
}
