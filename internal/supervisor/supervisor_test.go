package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/agents/correlation"
	"github.com/drak0niii/launch-ctrl/internal/agents/rca"
	"github.com/drak0niii/launch-ctrl/internal/agents/troubleshooting"
	"github.com/drak0niii/launch-ctrl/internal/bus"
	"github.com/drak0niii/launch-ctrl/internal/events"
	"github.com/drak0niii/launch-ctrl/internal/policy"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

func newTestSupervisor(t *testing.T, handler http.HandlerFunc) (*Supervisor, *bus.Bus) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	b := bus.New(zap.NewNop())
	policyStore := policy.NewStore()
	correlator := correlation.New(correlation.WithPolicySource(func() policy.AlarmPrioritization {
		return policy.AdaptiveCorrelation
	}))
	mitigator := troubleshooting.New(client, zap.NewNop())
	rcaBook := rca.New()

	s := New(zap.NewNop(), client, b, policyStore, correlator, mitigator, rcaBook, nil)
	return s, b
}

func healthySnapshotHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/state":
		json.NewEncoder(w).Encode(events.Snapshot{
			"site-1": {
				Mains: "on", SiteAlive: true, BatteryPercent: 90,
				Antenna1: events.Antenna{Service: events.ServiceAvailable},
				Antenna2: events.Antenna{Service: events.ServiceAvailable},
				Alarms:   map[string]bool{},
			},
		})
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func TestStartStopAccumulatesRuntimeMonotonically(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	first := s.Summary().AccumulatedRuntimeSec

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	second := s.Summary().AccumulatedRuntimeSec

	if second <= first {
		t.Fatalf("expected accumulated runtime to grow across start/stop cycles: first=%v second=%v", first, second)
	}
}

func TestLifecycleNoOpTransitions(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)

	s.Pause() // no-op: not running
	if s.Summary().Status != StatusIdle {
		t.Fatalf("expected idle, got %s", s.Summary().Status)
	}
	s.Stop() // no-op: not running or paused
	if s.Summary().Status != StatusIdle {
		t.Fatalf("expected idle after no-op stop, got %s", s.Summary().Status)
	}
}

func TestStartFromPausedDelegatesToResume(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)

	s.Start()
	time.Sleep(5 * time.Millisecond)
	s.Pause()
	if s.Summary().Status != StatusPaused {
		t.Fatalf("expected paused, got %s", s.Summary().Status)
	}

	s.Start()
	if s.Summary().Status != StatusRunning {
		t.Fatalf("expected Start() from paused to delegate to Resume and return to running, got %s", s.Summary().Status)
	}
}

func TestHandleEventSkippedWhenNotRunning(t *testing.T) {
	s, b := newTestSupervisor(t, healthySnapshotHandler)
	sub := b.Subscribe()
	defer sub.Close()

	s.handleEvent(context.Background(), events.Event{
		Type: events.TypeAlarmRaised, SiteID: "site-1", Alarm: "MainsFailure", Timestamp: "2026-01-01T00:00:00Z",
	})

	if s.Summary().TasksRouted != 0 {
		t.Fatalf("expected no tasks routed while idle, got %d", s.Summary().TasksRouted)
	}
}

func TestDuplicateEventProcessedOnce(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)
	s.SetAutoToggle(true) // auto path so tasksRouted increments per spec.md §4.4.3 step 9
	s.Start()
	time.Sleep(5 * time.Millisecond) // let cold-start sweep finish against the alarm-free snapshot

	evt := events.Event{Type: events.TypeAlarmRaised, SiteID: "site-1", Alarm: "MainsFailure", Timestamp: "2026-01-01T00:00:00Z"}
	s.handleEvent(context.Background(), evt)
	s.handleEvent(context.Background(), evt)

	if s.Summary().TasksRouted != 1 {
		t.Fatalf("expected exactly 1 task routed for a duplicate event pair, got %d", s.Summary().TasksRouted)
	}
}

func TestTasksRoutedOnlyCountsAutoPath(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)
	s.Start()
	time.Sleep(5 * time.Millisecond)

	s.handleEvent(context.Background(), events.Event{
		Type: events.TypeAlarmRaised, SiteID: "site-1", Alarm: "MainsFailure", Timestamp: "2026-01-01T00:00:00Z",
	})
	if s.Summary().TasksRouted != 0 {
		t.Fatalf("expected HITL path not to increment tasksRouted, got %d", s.Summary().TasksRouted)
	}
	if len(s.ListApprovals()) != 1 {
		t.Fatal("expected the HITL path to still enqueue an approval")
	}
}

func TestHITLEnqueuesApproval(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)
	s.Start()
	time.Sleep(5 * time.Millisecond)

	s.handleEvent(context.Background(), events.Event{
		Type: events.TypeAlarmRaised, SiteID: "site-1", Alarm: "MainsFailure", Timestamp: "2026-01-01T00:00:00Z",
	})

	approvals := s.ListApprovals()
	if len(approvals) != 1 {
		t.Fatalf("expected 1 pending approval under default HITL policy, got %d", len(approvals))
	}
	if approvals[0].SiteID != "site-1" {
		t.Fatalf("unexpected approval: %+v", approvals[0])
	}
}

func TestResolveApprovalTwiceIsIdempotentNoOp(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)
	s.Start()
	time.Sleep(5 * time.Millisecond)
	s.handleEvent(context.Background(), events.Event{
		Type: events.TypeAlarmRaised, SiteID: "site-1", Alarm: "MainsFailure", Timestamp: "2026-01-01T00:00:00Z",
	})

	approvals := s.ListApprovals()
	id := approvals[0].ID

	if _, ok := s.ResolveApproval(id, false); !ok {
		t.Fatal("expected first resolve to find the approval")
	}
	if _, ok := s.ResolveApproval(id, false); ok {
		t.Fatal("expected second resolve of the same id to be a no-op")
	}
}

func TestNonCriticalAlarmDroppedByCorrelatorSkipsMitigation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(healthySnapshotHandler))
	t.Cleanup(srv.Close)

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	b := bus.New(zap.NewNop())
	policyStore := policy.NewStore()
	correlator := correlation.New() // default policy source is Critical First
	mitigator := troubleshooting.New(client, zap.NewNop())
	rcaBook := rca.New()

	s := New(zap.NewNop(), client, b, policyStore, correlator, mitigator, rcaBook, nil)
	s.SetAutoToggle(true)
	s.Start()
	time.Sleep(5 * time.Millisecond)

	s.handleEvent(context.Background(), events.Event{
		Type: events.TypeAlarmRaised, SiteID: "site-1", Alarm: "SomeMinorAlarm", Timestamp: "2026-01-01T00:00:00Z",
	})

	if s.Summary().TasksRouted != 0 {
		t.Fatalf("expected a non-critical alarm dropped by Agent A to never reach mitigation, got tasksRouted=%d", s.Summary().TasksRouted)
	}
	if len(rcaBook.Cases()) != 0 {
		t.Fatalf("expected no case recorded for an alarm Agent A rejected, got %d", len(rcaBook.Cases()))
	}
}

func TestAutoEffectiveViaManualToggle(t *testing.T) {
	s, _ := newTestSupervisor(t, healthySnapshotHandler)
	s.SetAutoToggle(true)
	if !s.autoEffective() {
		t.Fatal("expected manual toggle to make autoEffective true under default HITL policy")
	}
}

type capturingMailer struct {
	subjects []string
}

func (m *capturingMailer) Send(subject, body string) error {
	m.subjects = append(m.subjects, subject)
	return nil
}

// persistentAlarmHandler always reports antenna1 as unavailable,
// regardless of any power/rru commands sent, so a mitigation attempt
// ends "stabilized" (not "restored") and Agent C flags dispatch.
func persistentAlarmHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/state":
		json.NewEncoder(w).Encode(events.Snapshot{
			"site-1": {
				Mains: "on", SiteAlive: true, BatteryPercent: 90,
				Antenna1: events.Antenna{Service: events.ServiceUnavailable},
				Antenna2: events.Antenna{Service: events.ServiceAvailable},
				Alarms:   map[string]bool{"Antenna.A1.Unavailable": true},
			},
		})
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func TestMitigateAndRecordDispatchesEmailWhenOngoing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(persistentAlarmHandler))
	t.Cleanup(srv.Close)

	client := towerclient.New(srv.URL, towerclient.ClientConfig{Timeout: time.Second, MaxRetries: 0})
	b := bus.New(zap.NewNop())
	policyStore := policy.NewStore()
	correlator := correlation.New()
	mitigator := troubleshooting.New(client, zap.NewNop())
	rcaBook := rca.New()
	m := &capturingMailer{}

	s := New(zap.NewNop(), client, b, policyStore, correlator, mitigator, rcaBook, m)
	s.Start()
	time.Sleep(5 * time.Millisecond)

	site := events.Site{
		Mains: "on", SiteAlive: true, BatteryPercent: 90,
		Antenna1: events.Antenna{Service: events.ServiceUnavailable},
		Antenna2: events.Antenna{Service: events.ServiceAvailable},
	}
	s.mitigateAndRecord(context.Background(), "site-1", site, "Antenna.A1.Unavailable")

	if len(m.subjects) != 1 {
		t.Fatalf("expected exactly one dispatch email sent, got %d: %v", len(m.subjects), m.subjects)
	}
	if !strings.Contains(m.subjects[0], "site-1") {
		t.Fatalf("expected subject to mention site-1, got %q", m.subjects[0])
	}
}
