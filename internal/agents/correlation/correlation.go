// Package correlation implements Agent A: windowed alarm correlation over
// the normalized event stream (spec.md §4.5).
package correlation

import (
	"sort"
	"strings"
	"time"

	"github.com/drak0niii/launch-ctrl/internal/events"
	"github.com/drak0niii/launch-ctrl/internal/policy"
)

// defaultWindow is the clustering window: events for the same site within
// this span of each other belong to the same Incident. The boundary is
// inclusive — an event exactly defaultWindow after the incident's start
// still joins it.
const defaultWindow = 5 * time.Minute

var noiseAlarms = map[string]bool{"unknown": true, "heartbeat": true, "noop": true}

var criticalPatterns = []string{"ServiceUnavailable", "HeartbeatFailure", "MainsFailure"}

// Incident is a cluster of related events for one site over a bounded
// time window (spec.md §3).
type Incident struct {
	SiteID string
	Start  string
	End    string
	Count  int
	Types  []string
	Events []events.Event
	Reason string
}

type openIncident struct {
	siteID    string
	start     string
	startTime time.Time
	end       string
	types     map[string]bool
	evts      []events.Event
}

func (o *openIncident) snapshot(reason string) Incident {
	types := make([]string, 0, len(o.types))
	for t := range o.types {
		types = append(types, t)
	}
	sort.Strings(types)
	evts := make([]events.Event, len(o.evts))
	copy(evts, o.evts)
	return Incident{
		SiteID: o.siteID,
		Start:  o.start,
		End:    o.end,
		Count:  len(evts),
		Types:  types,
		Events: evts,
		Reason: reason,
	}
}

// Correlator clusters per site into windowed incidents. Not safe for
// concurrent use; the Supervisor serializes calls into it the same way it
// serializes everything else (spec.md §5).
type Correlator struct {
	window       time.Duration
	policySource func() policy.AlarmPrioritization
	open         map[string]*openIncident
}

// Option configures a Correlator at construction.
type Option func(*Correlator)

// WithWindow overrides the default 5 minute clustering window.
func WithWindow(d time.Duration) Option {
	return func(c *Correlator) { c.window = d }
}

// WithPolicySource supplies a callback returning the current
// AlarmPrioritization, consulted at decision time (spec.md §9) rather than
// cached.
func WithPolicySource(f func() policy.AlarmPrioritization) Option {
	return func(c *Correlator) { c.policySource = f }
}

// New constructs a Correlator with no open incidents.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		window:       defaultWindow,
		policySource: func() policy.AlarmPrioritization { return policy.CriticalFirst },
		open:         make(map[string]*openIncident),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Correlate processes one event in streaming mode. It returns the closed
// Incident and true if this event caused an open incident to close
// (window elapsed, alarm cleared early, or service restored); otherwise it
// returns false and the event has been folded into (or rejected from) the
// per-site buffer.
func (c *Correlator) Correlate(evt events.Event) (Incident, bool) {
	if evt.Type == events.TypeStateUpdate {
		return c.closeRestored(evt.Payload)
	}

	if !c.accept(evt) {
		return Incident{}, false
	}

	ts, ok := parseTime(evt.Timestamp)
	if !ok {
		return Incident{}, false
	}

	o, exists := c.open[evt.SiteID]

	if exists && ts.Sub(o.startTime) > c.window {
		closed := o.snapshot("window_elapsed")
		delete(c.open, evt.SiteID)
		c.startIncident(evt, ts)
		return closed, true
	}

	if closeReason := c.closureReason(o, evt); exists && closeReason != "" {
		o.end = evt.Timestamp
		o.evts = append(o.evts, evt)
		addType(o.types, evt.Alarm)
		closed := o.snapshot(closeReason)
		delete(c.open, evt.SiteID)
		return closed, true
	}

	if exists {
		o.end = evt.Timestamp
		o.evts = append(o.evts, evt)
		addType(o.types, evt.Alarm)
		return Incident{}, false
	}

	c.startIncident(evt, ts)
	return Incident{}, false
}

// closeRestored implements the streaming state.update handler (spec §4.5):
// if the incoming snapshot reports a site with mains=="on" and
// siteAlive==true, the open incident for that site (if any) closes with
// reason service_restored. At most one site is closed per call, in siteID
// order, so a snapshot covering several simultaneously-restored sites is
// drained one per subsequent state.update rather than all at once.
func (c *Correlator) closeRestored(snap events.Snapshot) (Incident, bool) {
	siteIDs := make([]string, 0, len(c.open))
	for id := range c.open {
		siteIDs = append(siteIDs, id)
	}
	sort.Strings(siteIDs)

	for _, id := range siteIDs {
		site, ok := snap[id]
		if !ok || site.Mains != "on" || !site.SiteAlive {
			continue
		}
		closed := c.open[id].snapshot("service_restored")
		delete(c.open, id)
		return closed, true
	}
	return Incident{}, false
}

// CorrelateBatch processes a batch of events per-site, sorted by
// timestamp ascending, applying the identical window-grouping algorithm as
// Correlate. It returns every Incident that closes during the pass plus,
// for every site touched by the batch, a final snapshot of whatever
// incident is still open at the end (reason left blank to mark it
// in-progress rather than closed). That trailing incident is not removed
// from the per-site buffer — it remains live for the next call, which is
// how the Supervisor's repeated single-event probe (spec §4.4.3 step 5)
// keeps clustering alive across calls.
func (c *Correlator) CorrelateBatch(evts []events.Event) []Incident {
	sorted := make([]events.Event, len(evts))
	copy(sorted, evts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SiteID != sorted[j].SiteID {
			return sorted[i].SiteID < sorted[j].SiteID
		}
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	touched := make(map[string]bool, len(sorted))
	var out []Incident
	for _, evt := range sorted {
		if incident, closed := c.Correlate(evt); closed {
			out = append(out, incident)
		}
		if evt.Type != events.TypeStateUpdate {
			touched[evt.SiteID] = true
		}
	}

	siteIDs := make([]string, 0, len(touched))
	for id := range touched {
		siteIDs = append(siteIDs, id)
	}
	sort.Strings(siteIDs)
	for _, id := range siteIDs {
		if o, ok := c.open[id]; ok {
			out = append(out, o.snapshot(""))
		}
	}
	return out
}

func (c *Correlator) startIncident(evt events.Event, ts time.Time) {
	types := make(map[string]bool)
	addType(types, evt.Alarm)
	c.open[evt.SiteID] = &openIncident{
		siteID:    evt.SiteID,
		start:     evt.Timestamp,
		startTime: ts,
		end:       evt.Timestamp,
		types:     types,
		evts:      []events.Event{evt},
	}
}

func addType(types map[string]bool, alarm string) {
	if alarm != "" {
		types[alarm] = true
	}
}

// closureReason decides whether evt closes the currently open incident o
// for reasons other than window elapse: an alarm.cleared whose remaining
// types set (after accounting for the alarm just cleared) contains no
// critical codes.
func (c *Correlator) closureReason(o *openIncident, evt events.Event) string {
	if o == nil {
		return ""
	}
	if evt.Type != events.TypeAlarmCleared {
		return ""
	}
	for t := range o.types {
		if t == evt.Alarm {
			continue
		}
		if isCriticalAlarm(t) {
			return ""
		}
	}
	return "alarm_cleared"
}

// accept applies the noise filter, unknown-site rejection, and (under
// Critical First) the critical-pattern filter.
func (c *Correlator) accept(evt events.Event) bool {
	if evt.SiteID == "" || strings.EqualFold(evt.SiteID, "unknown") {
		return false
	}
	if evt.Alarm != "" && noiseAlarms[strings.ToLower(evt.Alarm)] {
		return false
	}
	if evt.Type == events.TypeAlarmRaised && c.policySource() == policy.CriticalFirst {
		if !isCriticalAlarm(evt.Alarm) {
			return false
		}
	}
	return true
}

func isCriticalAlarm(alarm string) bool {
	for _, pattern := range criticalPatterns {
		if strings.Contains(alarm, pattern) {
			return true
		}
	}
	return false
}

func parseTime(ts string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
