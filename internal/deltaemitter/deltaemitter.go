// Package deltaemitter diffs successive fleet snapshots into normalized
// bus events (spec.md §4.2).
package deltaemitter

import (
	"sort"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

// Emitter holds the last-seen alarm set and service state per site and
// turns each new snapshot into the events that describe what changed.
//
// Emitter is not safe for concurrent use; the Tower Bridge owns a single
// Emitter and calls Ingest from its one ingest goroutine.
type Emitter struct {
	bootstrapEmit bool
	primed        bool

	alarmsBySite  map[string]map[string]bool
	serviceBySite map[string][2]events.Service // [antenna1, antenna2]
}

// Option configures an Emitter at construction.
type Option func(*Emitter)

// WithBootstrapEmit controls whether the very first Ingest call synthesizes
// alarm.raised events for alarms already present in that first snapshot.
// Default true — matches the teacher-observed operator-visible default in
// spec.md §9.
func WithBootstrapEmit(emit bool) Option {
	return func(e *Emitter) { e.bootstrapEmit = emit }
}

// New constructs an Emitter with no prior state.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		bootstrapEmit: true,
		alarmsBySite:  make(map[string]map[string]bool),
		serviceBySite: make(map[string][2]events.Service),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reset discards the emitter's prior view, so the next Ingest call is
// treated as a first ingest again (bootstrap semantics apply). The Tower
// Bridge calls this on every fresh stream connection (spec.md §4.1).
func (e *Emitter) Reset() {
	e.primed = false
	e.alarmsBySite = make(map[string]map[string]bool)
	e.serviceBySite = make(map[string][2]events.Service)
}

// Ingest diffs snap against the emitter's prior view and returns the
// normalized events describing the difference, in site-key ascending
// order, each stamped with ts. On the very first call (no prior view),
// it either emits bootstrap alarm.raised events (if bootstrapEmit) or
// emits nothing and just primes the view.
func (e *Emitter) Ingest(snap events.Snapshot, ts string) []events.Event {
	siteIDs := make([]string, 0, len(snap))
	for id := range snap {
		siteIDs = append(siteIDs, id)
	}
	sort.Strings(siteIDs)

	var out []events.Event

	if !e.primed {
		e.primed = true
		if e.bootstrapEmit {
			for _, id := range siteIDs {
				site := snap[id]
				alarms := sortedAlarms(site.Alarms)
				for _, alarm := range alarms {
					out = append(out, events.Event{
						Type:      events.TypeAlarmRaised,
						SiteID:    id,
						Alarm:     alarm,
						Timestamp: ts,
						Source:    "bootstrap",
						Bootstrap: true,
					})
				}
			}
		}
		e.replaceViews(snap)
		return out
	}

	for _, id := range siteIDs {
		site := snap[id]
		out = append(out, e.diffAlarms(id, site, ts)...)
		out = append(out, e.diffService(id, site, ts)...)
	}

	e.replaceViews(snap)
	return out
}

func (e *Emitter) diffAlarms(siteID string, site events.Site, ts string) []events.Event {
	prior := e.alarmsBySite[siteID]
	var out []events.Event

	for _, alarm := range sortedAlarms(site.Alarms) {
		if prior == nil || !prior[alarm] {
			out = append(out, events.Event{
				Type:      events.TypeAlarmRaised,
				SiteID:    siteID,
				Alarm:     alarm,
				Timestamp: ts,
				Source:    "poll",
			})
		}
	}
	if prior != nil {
		for _, alarm := range sortedAlarmKeys(prior) {
			if !site.Alarms[alarm] {
				out = append(out, events.Event{
					Type:      events.TypeAlarmCleared,
					SiteID:    siteID,
					Alarm:     alarm,
					Timestamp: ts,
					Source:    "poll",
				})
			}
		}
	}
	return out
}

func (e *Emitter) diffService(siteID string, site events.Site, ts string) []events.Event {
	prior, ok := e.serviceBySite[siteID]
	if !ok {
		return nil
	}
	var out []events.Event
	if prior[0] != site.Antenna1.Service {
		out = append(out, events.Event{
			Type:      events.TypeServiceChanged,
			SiteID:    siteID,
			Antenna:   "antenna1",
			From:      string(prior[0]),
			To:        string(site.Antenna1.Service),
			Timestamp: ts,
			Source:    "poll",
		})
	}
	if prior[1] != site.Antenna2.Service {
		out = append(out, events.Event{
			Type:      events.TypeServiceChanged,
			SiteID:    siteID,
			Antenna:   "antenna2",
			From:      string(prior[1]),
			To:        string(site.Antenna2.Service),
			Timestamp: ts,
			Source:    "poll",
		})
	}
	return out
}

// replaceViews atomically swaps in fresh alarm/service views built from
// snap, so a reader of e (there are none today, but future callers) never
// observes a half-updated view.
func (e *Emitter) replaceViews(snap events.Snapshot) {
	alarms := make(map[string]map[string]bool, len(snap))
	service := make(map[string][2]events.Service, len(snap))
	for id, site := range snap {
		a := make(map[string]bool, len(site.Alarms))
		for k, v := range site.Alarms {
			if v {
				a[k] = true
			}
		}
		alarms[id] = a
		service[id] = [2]events.Service{site.Antenna1.Service, site.Antenna2.Service}
	}
	e.alarmsBySite = alarms
	e.serviceBySite = service
}

func sortedAlarms(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for a, on := range set {
		if on {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func sortedAlarmKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
