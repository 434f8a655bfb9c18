package rca

import (
	"strings"
	"testing"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

func TestRecordIncidentRejectsNoiseCause(t *testing.T) {
	r := New()
	_, recorded := r.RecordIncident("site-1", "heartbeat", nil, "restored", nil, events.Site{}, "2026-01-01T00:00:00Z", "noise")
	if recorded {
		t.Fatal("expected noise cause to be rejected")
	}
}

func TestRecordIncidentRejectsMissingOrUnknownSiteID(t *testing.T) {
	r := New()
	_, recorded := r.RecordIncident("", "MainsFailure", nil, "investigating", nil, events.Site{}, "2026-01-01T00:00:00Z", "s")
	if recorded {
		t.Fatal("expected missing siteId to be rejected")
	}
	_, recorded = r.RecordIncident("unknown", "MainsFailure", nil, "investigating", nil, events.Site{}, "2026-01-01T00:00:00Z", "s")
	if recorded {
		t.Fatal("expected siteId \"unknown\" to be rejected")
	}
	if len(r.Cases()) != 0 {
		t.Fatalf("expected no cases recorded, got %d", len(r.Cases()))
	}
}

func TestRecordIncidentDedupsWithinWindow(t *testing.T) {
	r := New()
	_, recorded1 := r.RecordIncident("site-1", "MainsFailure", []string{"power.on"}, "investigating", []string{"Mains.Off"}, events.Site{}, "2026-01-01T00:00:00Z", "investigating")
	if !recorded1 {
		t.Fatal("expected first case to be recorded")
	}
	_, recorded2 := r.RecordIncident("site-1", "MainsFailure", []string{"power.on"}, "investigating", []string{"Mains.Off"}, events.Site{}, "2026-01-01T00:00:05Z", "investigating")
	if recorded2 {
		t.Fatal("expected case within dedup window to be deduped")
	}
	if len(r.Cases()) != 1 {
		t.Fatalf("expected exactly 1 case after dedup, got %d", len(r.Cases()))
	}
}

func TestRecordIncidentRecordsAfterDedupWindowElapses(t *testing.T) {
	r := New()
	r.RecordIncident("site-1", "MainsFailure", nil, "investigating", []string{"Mains.Off"}, events.Site{}, "2026-01-01T00:00:00Z", "s1")
	_, recorded := r.RecordIncident("site-1", "MainsFailure", nil, "investigating", []string{"Mains.Off"}, events.Site{}, "2026-01-01T00:00:11Z", "s2")
	if !recorded {
		t.Fatal("expected case past dedup window to be recorded")
	}
}

func TestOngoingReflectsResolutionAndRemainingAlarms(t *testing.T) {
	r := New()
	restoredAllClear, _ := r.RecordIncident("site-1", "MainsFailure", nil, "restored", nil, events.Site{}, "2026-01-01T00:00:00Z", "s")
	if restoredAllClear.Ongoing {
		t.Fatal("expected restored+no-alarms case to be non-ongoing")
	}

	restoredBatteryOnly, _ := r.RecordIncident("site-2", "MainsFailure", nil, "restored", []string{"Battery.Low.GridDown"}, events.Site{}, "2026-01-01T00:00:00Z", "s")
	if restoredBatteryOnly.Ongoing {
		t.Fatal("expected restored case with only a battery alarm to be non-ongoing")
	}

	stabilized, _ := r.RecordIncident("site-3", "MainsFailure", nil, "stabilized", []string{"Antenna.A2.Unavailable"}, events.Site{}, "2026-01-01T00:00:00Z", "s")
	if !stabilized.Ongoing || !stabilized.DispatchSuggested {
		t.Fatal("expected stabilized case with a remaining alarm to be ongoing and dispatch-suggested")
	}
}

func TestComposeDispatchEmailFindsMostRecentDispatchSuggested(t *testing.T) {
	r := New()
	site := events.Site{Mains: "off", SiteAlive: false, BatteryPercent: 15,
		Antenna1: events.Antenna{Service: events.ServiceAvailable},
		Antenna2: events.Antenna{Service: events.ServiceUnavailable}}

	r.RecordIncident("site-1", "MainsFailure", []string{"power.on"}, "stabilized",
		[]string{"Antenna.A2.Unavailable"}, site, "2026-01-01T00:00:00Z", "radio stayed down after outage")

	email, ok := r.ComposeDispatchEmail("site-1")
	if !ok {
		t.Fatal("expected a dispatch email to be composed")
	}
	wantSubject := "[DISPATCH] site-1 – MainsFailure – Action required"
	if email.Subject != wantSubject {
		t.Fatalf("expected subject %q, got %q", wantSubject, email.Subject)
	}
	if !containsAll(email.Body, "Site: site-1", "Mains: off", "Battery: 15%", "Antenna.A2.Unavailable") {
		t.Fatalf("expected body to include key fields, got:\n%s", email.Body)
	}
}

func TestComposeDispatchEmailNoneWhenNotSuggested(t *testing.T) {
	r := New()
	r.RecordIncident("site-1", "MainsFailure", nil, "restored", nil, events.Site{}, "2026-01-01T00:00:00Z", "cleared")
	_, ok := r.ComposeDispatchEmail("site-1")
	if ok {
		t.Fatal("expected no dispatch email when the only case is fully restored")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
