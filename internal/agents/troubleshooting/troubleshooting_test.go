package troubleshooting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/events"
	"github.com/drak0niii/launch-ctrl/internal/ratelimit"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

func siteOutage() events.Site {
	return events.Site{
		Mains:          "off",
		SiteAlive:      false,
		BatteryPercent: 20,
		Antenna1:       events.Antenna{Service: events.ServiceUnavailable},
		Antenna2:       events.Antenna{Service: events.ServiceUnavailable},
		Alarms:         map[string]bool{},
	}
}

func TestDetectAlarmsOutageScenario(t *testing.T) {
	alarms := DetectAlarms(siteOutage())
	want := map[string]bool{
		AlarmMainsOff: true, AlarmSiteDown: true,
		AlarmAntenna1Unavailable: true, AlarmAntenna2Unavailable: true,
		AlarmBatteryLowGridDown: true,
	}
	if len(alarms) != len(want) {
		t.Fatalf("expected %d alarms, got %d: %v", len(want), len(alarms), alarms)
	}
	for _, a := range alarms {
		if !want[a] {
			t.Fatalf("unexpected alarm %q", a)
		}
	}
}

func TestBuildPlanOrderForOutage(t *testing.T) {
	site := siteOutage()
	alarms := DetectAlarms(site)
	plan := BuildPlan(site, alarms)

	if len(plan) < 3 {
		t.Fatalf("expected at least 3 plan steps, got %d: %+v", len(plan), plan)
	}
	if plan[0].Action != ActionPowerOn {
		t.Fatalf("expected power.on first, got %+v", plan[0])
	}
	if plan[1].Action != ActionRRUEnsure || plan[1].Antenna != "antenna1" {
		t.Fatalf("expected rru.ensure antenna1 second, got %+v", plan[1])
	}
	if plan[2].Action != ActionRRUEnsure || plan[2].Antenna != "antenna2" {
		t.Fatalf("expected rru.ensure antenna2 third, got %+v", plan[2])
	}
}

func TestBuildPlanConditionalShedOnLowBattery(t *testing.T) {
	site := events.Site{
		Mains: "off", BatteryPercent: 10,
		Antenna1: events.Antenna{Service: events.ServiceAvailable},
		Antenna2: events.Antenna{Service: events.ServiceAvailable},
	}
	plan := BuildPlan(site, DetectAlarms(site))
	last := plan[len(plan)-1]
	if last.Action != ActionRRUOff || last.Antenna != "antenna2" {
		t.Fatalf("expected trailing rru.off antenna2 on low battery outage, got %+v", plan)
	}
}

func TestMitigateSiteHITLReturnsWithoutExecuting(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	m := New(client, zap.NewNop())

	site := siteOutage()
	result := m.MitigateSite(context.Background(), "site-1", site, false)

	if !result.ApprovalRequired {
		t.Fatal("expected ApprovalRequired for HITL branch")
	}
	if len(result.Plan) == 0 {
		t.Fatal("expected a non-empty plan in the HITL response")
	}
	if calls != 0 {
		t.Fatalf("expected no device calls in HITL branch, got %d", calls)
	}
}

func TestRadioHealSucceedsOnFirstRead(t *testing.T) {
	var mu sync.Mutex
	available := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rru":
			mu.Lock()
			available = true
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case "/state":
			mu.Lock()
			svc := events.ServiceUnavailable
			if available {
				svc = events.ServiceAvailable
			}
			mu.Unlock()
			json.NewEncoder(w).Encode(events.Snapshot{
				"site-1": {Antenna1: events.Antenna{Service: svc}, Antenna2: events.Antenna{Service: events.ServiceAvailable}, Mains: "on", SiteAlive: true},
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	m := New(client, zap.NewNop())

	ok := m.radioHeal(context.Background(), "site-1", "antenna1")
	if !ok {
		t.Fatal("expected radioHeal to succeed once the simulator reports Available")
	}
}

func TestRadioHealFailsAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/state":
			json.NewEncoder(w).Encode(events.Snapshot{
				"site-1": {Antenna1: events.Antenna{Service: events.ServiceUnavailable}, Mains: "on", SiteAlive: true},
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	m := New(client, zap.NewNop())

	ok := m.radioHeal(context.Background(), "site-1", "antenna1")
	if ok {
		t.Fatal("expected radioHeal to fail when the antenna never reports Available")
	}
}

func TestRadioHealStopsWhenActionBudgetExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rru":
			calls++
		case "/state":
			json.NewEncoder(w).Encode(events.Snapshot{
				"site-1": {Antenna1: events.Antenna{Service: events.ServiceUnavailable}, Mains: "on", SiteAlive: true},
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	m := New(client, zap.NewNop())
	m.budget = ratelimit.NewKeyed(1, time.Hour)
	m.budget.ConsumeAction("site-1", ratelimit.CostRRUEnsure) // drain the only token up front

	ok := m.radioHeal(context.Background(), "site-1", "antenna1")
	if ok {
		t.Fatal("expected radioHeal to fail immediately with no action budget")
	}
	if calls != 0 {
		t.Fatalf("expected no rru calls once the action budget is exhausted, got %d", calls)
	}
}

func TestSleepCtxAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Second) {
		t.Fatal("expected sleepCtx to return false on an already-cancelled context")
	}
}
