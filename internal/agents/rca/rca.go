// Package rca implements Agent C: the root-cause casebook and
// dispatch-email composition (spec.md §4.7).
package rca

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

// dedupWindow is how close in time two cases for the same site, cause,
// and resolution must be to be treated as the same case rather than a
// fresh one.
const dedupWindow = 10 * time.Second

var noiseCauses = map[string]bool{"unknown": true, "heartbeat": true, "noop": true}

// Case is one entry in Agent C's root-cause casebook (spec.md §3).
type Case struct {
	Timestamp         string   `json:"ts"`
	SiteID            string   `json:"siteId"`
	Cause             string   `json:"cause"`
	Actions           []string `json:"actions"`
	Resolution        string   `json:"resolution"`
	Ongoing           bool     `json:"ongoing"`
	DispatchSuggested bool     `json:"dispatchSuggested"`
	Summary           string   `json:"summary"`

	site            events.Site
	remainingAlarms []string
}

// RCA holds the append-only casebook. Safe for concurrent use: every
// method holds mu.
type RCA struct {
	mu    sync.Mutex
	cases []Case
}

// New constructs an empty casebook.
func New() *RCA {
	return &RCA{}
}

// RecordIncident appends a Case unless it is noise or an exact-duplicate
// of the most recent case for this site within dedupWindow. It returns
// the recorded (or existing, if deduped) Case and whether a new Case was
// appended.
//
// ongoing is true when resolution != "restored" or any alarm remains
// (battery-only alarms excluded — a low battery on its own doesn't keep
// an incident open once service is restored). dispatchSuggested mirrors
// ongoing.
func (r *RCA) RecordIncident(siteID, cause string, actions []string, resolution string, remainingAlarms []string, site events.Site, ts, summary string) (Case, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.EqualFold(siteID, "") || strings.EqualFold(siteID, "unknown") {
		return Case{}, false
	}
	if strings.EqualFold(cause, "") || noiseCauses[strings.ToLower(cause)] {
		return Case{}, false
	}

	if last := r.lastForSiteLocked(siteID); last != nil &&
		last.Cause == cause && last.Resolution == resolution &&
		withinDedupWindow(last.Timestamp, ts) {
		return *last, false
	}

	nonBattery := excludeBatteryAlarms(remainingAlarms)
	ongoing := resolution != "restored" || len(nonBattery) > 0

	c := Case{
		Timestamp:         ts,
		SiteID:            siteID,
		Cause:             cause,
		Actions:           append([]string(nil), actions...),
		Resolution:        resolution,
		Ongoing:           ongoing,
		DispatchSuggested: ongoing,
		Summary:           summary,
		site:              site,
		remainingAlarms:   remainingAlarms,
	}
	r.cases = append(r.cases, c)
	return c, true
}

// Cases returns a copy of the full casebook, oldest first.
func (r *RCA) Cases() []Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Case, len(r.cases))
	copy(out, r.cases)
	return out
}

func (r *RCA) lastForSiteLocked(siteID string) *Case {
	for i := len(r.cases) - 1; i >= 0; i-- {
		if r.cases[i].SiteID == siteID {
			c := r.cases[i]
			return &c
		}
	}
	return nil
}

func withinDedupWindow(prevTS, ts string) bool {
	prev, err1 := time.Parse(time.RFC3339, prevTS)
	cur, err2 := time.Parse(time.RFC3339, ts)
	if err1 != nil || err2 != nil {
		return prevTS == ts
	}
	d := cur.Sub(prev)
	if d < 0 {
		d = -d
	}
	return d <= dedupWindow
}

func excludeBatteryAlarms(alarms []string) []string {
	var out []string
	for _, a := range alarms {
		if !strings.Contains(strings.ToLower(a), "battery") {
			out = append(out, a)
		}
	}
	return out
}

// Email is a composed dispatch email ready to be handed to a mailer.Mailer.
type Email struct {
	Subject string
	Body    string
}

// ComposeDispatchEmail finds the most recent case for siteID with
// DispatchSuggested true and builds the deterministic subject/body
// template from spec.md §6. Returns false if no such case exists.
func (r *RCA) ComposeDispatchEmail(siteID string) (Email, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *Case
	for i := len(r.cases) - 1; i >= 0; i-- {
		if r.cases[i].SiteID == siteID && r.cases[i].DispatchSuggested {
			found = &r.cases[i]
			break
		}
	}
	if found == nil {
		return Email{}, false
	}

	subject := fmt.Sprintf("[DISPATCH] %s – %s – Action required", found.SiteID, found.Cause)

	alive := "no"
	if found.site.SiteAlive {
		alive = "yes"
	}
	actionsTaken := "none"
	if len(found.Actions) > 0 {
		actionsTaken = strings.Join(found.Actions, ", ")
	}
	openAlarms := "none"
	if len(found.remainingAlarms) > 0 {
		openAlarms = strings.Join(found.remainingAlarms, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Site: %s\n", found.SiteID)
	fmt.Fprintf(&b, "Timestamp: %s\n", found.Timestamp)
	fmt.Fprintf(&b, "Mains: %s\n", found.site.Mains)
	fmt.Fprintf(&b, "Site alive: %s\n", alive)
	fmt.Fprintf(&b, "Antenna1: %s\n", found.site.Antenna1.Service)
	fmt.Fprintf(&b, "Antenna2: %s\n", found.site.Antenna2.Service)
	fmt.Fprintf(&b, "Battery: %d%%\n", found.site.BatteryPercent)
	fmt.Fprintf(&b, "Open alarms: %s\n", openAlarms)
	fmt.Fprintf(&b, "Actions taken so far: %s\n", actionsTaken)
	fmt.Fprintf(&b, "Requested next step: dispatch a technician to %s\n", found.SiteID)
	fmt.Fprintf(&b, "Summary: %s\n", found.Summary)

	return Email{Subject: subject, Body: b.String()}, true
}
