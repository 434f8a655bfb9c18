package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/agents/correlation"
	"github.com/drak0niii/launch-ctrl/internal/agents/rca"
	"github.com/drak0niii/launch-ctrl/internal/agents/troubleshooting"
	"github.com/drak0niii/launch-ctrl/internal/bus"
	"github.com/drak0niii/launch-ctrl/internal/events"
	"github.com/drak0niii/launch-ctrl/internal/mailer"
	"github.com/drak0niii/launch-ctrl/internal/policy"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

// Supervisor orchestrates the per-event pipeline: dedup, correlate,
// record, and either enqueue for approval or mitigate automatically
// (spec.md §4.4).
type Supervisor struct {
	log         *zap.Logger
	client      *towerclient.Client
	bus         *bus.Bus
	policyStore *policy.Store
	correlator  *correlation.Correlator
	mitigator   *troubleshooting.Mitigator
	rcaBook     *rca.RCA
	mailer      mailer.Mailer

	agentA agent
	agentB agent
	agentC agent

	// eventMu serializes handleEvent across the Run loop and the
	// cold-start sweep goroutine.
	eventMu sync.Mutex

	mu sync.Mutex
	lifecycle
	ledger         *ledger
	logs           []LogEntry
	logSubs        map[uint64]chan LogEntry
	nextLogSubID   uint64
	approvals      []Approval
	nextApprovalID int
	tasksRouted    int
	manualAuto     bool

	sub *bus.Subscription
}

// New constructs a Supervisor wired to its collaborators. Agents A/B/C
// are constructed by the caller (main) and handed in so the Supervisor
// never reaches for a global registry.
func New(
	log *zap.Logger,
	client *towerclient.Client,
	b *bus.Bus,
	policyStore *policy.Store,
	correlator *correlation.Correlator,
	mitigator *troubleshooting.Mitigator,
	rcaBook *rca.RCA,
	mailerImpl mailer.Mailer,
) *Supervisor {
	if mailerImpl == nil {
		mailerImpl = mailer.NewLogMailer(log)
	}
	return &Supervisor{
		log:         log,
		client:      client,
		bus:         b,
		policyStore: policyStore,
		correlator:  correlator,
		mitigator:   mitigator,
		rcaBook:     rcaBook,
		mailer:      mailerImpl,
		agentA:      newAgentAdapter("correlation"),
		agentB:      newAgentAdapter("troubleshooting"),
		agentC:      newAgentAdapter("rca"),
		lifecycle:   lifecycle{status: StatusIdle},
		ledger:      newLedger(),
		logSubs:     make(map[uint64]chan LogEntry),
	}
}

// Run starts the three agent adapters and begins consuming bus events
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	_ = s.agentA.Start(ctx)
	_ = s.agentB.Start(ctx)
	_ = s.agentC.Start(ctx)
	defer s.agentA.Stop()
	defer s.agentB.Stop()
	defer s.agentC.Stop()

	s.sub = s.bus.Subscribe()
	defer s.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.sub.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, evt)
		}
	}
}

// SetAutoToggle sets the manual automation override. autoEffective is
// policy.waysOfWorking=="E2E automation" OR this toggle (spec.md §4.4).
func (s *Supervisor) SetAutoToggle(on bool) {
	s.mu.Lock()
	s.manualAuto = on
	s.mu.Unlock()
}

// AutoToggle reports the current manual automation override.
func (s *Supervisor) AutoToggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manualAuto
}

func (s *Supervisor) autoEffective() bool {
	p := s.policyStore.Get()
	s.mu.Lock()
	manual := s.manualAuto
	s.mu.Unlock()
	return p.WaysOfWorking == policy.E2EAutomation || manual
}

// coldStartSweep fetches the current fleet snapshot and synthesizes
// alarm.raised events (source="cold-start") for every alarm already
// present, feeding each through the normal per-event path (spec.md §4.4).
func (s *Supervisor) coldStartSweep() {
	ctx := context.Background()
	snap, err := s.client.GetState(ctx)
	if err != nil {
		s.appendLog("warn", fmt.Sprintf("cold-start sweep: fetch snapshot failed: %v", err))
		return
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	for siteID, site := range snap {
		for alarm, on := range site.Alarms {
			if !on {
				continue
			}
			s.handleEvent(ctx, events.Event{
				Type: events.TypeAlarmRaised, SiteID: siteID, Alarm: alarm, Timestamp: ts, Source: "cold-start",
			})
		}
	}
}

// handleEvent runs the full per-event orchestration algorithm. Every
// failure mode is caught and logged here; nothing propagates as a panic
// or an error out of this function (spec.md §7).
func (s *Supervisor) handleEvent(ctx context.Context, evt events.Event) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.appendLog("error", fmt.Sprintf("orchestration panic recovered: %v", r))
		}
	}()

	if s.ledger.seen(events.IdentityOf(evt), time.Now()) {
		return
	}

	if !s.IsRunning() {
		return
	}

	if evt.SiteID == "" {
		return
	}

	if evt.Type != events.TypeAlarmRaised && evt.Type != events.TypeServiceChanged {
		return
	}

	incidents := s.correlator.CorrelateBatch([]events.Event{evt})
	if len(incidents) == 0 {
		s.appendLog("info", fmt.Sprintf("orchestration: no incident for %s, event filtered or folded", evt.SiteID))
		return
	}
	for _, incident := range incidents {
		if incident.Reason != "" {
			s.appendLog("info", fmt.Sprintf("incident closed for %s: reason=%s count=%d", incident.SiteID, incident.Reason, incident.Count))
		}
	}

	snap, err := s.client.GetState(ctx)
	if err != nil {
		s.appendLog("warn", fmt.Sprintf("orchestration: fetch snapshot for %s failed: %v", evt.SiteID, err))
		return
	}
	site, ok := snap[evt.SiteID]
	if !ok {
		s.appendLog("warn", fmt.Sprintf("orchestration: site %s missing from snapshot", evt.SiteID))
		return
	}

	cause := evt.Alarm
	if cause == "" {
		cause = string(evt.Type)
	}
	s.rcaBook.RecordIncident(evt.SiteID, cause, nil, "investigating",
		troubleshooting.DetectAlarms(site), site, evt.Timestamp, "investigating "+evt.SiteID)

	effective := s.autoEffective()
	if !effective {
		plan := troubleshooting.BuildPlan(site, troubleshooting.DetectAlarms(site))
		s.mu.Lock()
		approval := s.enqueueApprovalLocked(evt.SiteID, plan, "HITL policy requires operator approval", site)
		s.mu.Unlock()
		s.appendLog("info", fmt.Sprintf("approval %s enqueued for %s", approval.ID, evt.SiteID))
		return
	}

	s.mu.Lock()
	s.tasksRouted++
	s.mu.Unlock()

	s.mitigateAndRecord(ctx, evt.SiteID, site, cause)
}

// mitigateAndRecord runs Agent B's automated mitigation and records the
// final case with Agent C: "restored" if every alarm cleared, otherwise
// "stabilized".
func (s *Supervisor) mitigateAndRecord(ctx context.Context, siteID string, site events.Site, cause string) {
	result := s.mitigator.MitigateSite(ctx, siteID, site, true)

	resolution := "stabilized"
	if result.AllClear {
		resolution = "restored"
	}

	c, recorded := s.rcaBook.RecordIncident(siteID, cause, result.ActionsTaken, resolution, result.RemainingAlarms, site,
		time.Now().UTC().Format(time.RFC3339), fmt.Sprintf("%s after %d pass(es)", resolution, result.Passes))

	s.appendLog("info", fmt.Sprintf("mitigation %s for %s: actions=%v remaining=%v", resolution, siteID, result.ActionsTaken, result.RemainingAlarms))

	if recorded && c.DispatchSuggested {
		s.dispatchEmail(siteID)
	}
}

// dispatchEmail composes and sends Agent C's dispatch email for siteID
// through the configured mailer.Mailer. Failures are logged, never
// propagated — a failed dispatch email must not block orchestration.
func (s *Supervisor) dispatchEmail(siteID string) {
	email, ok := s.rcaBook.ComposeDispatchEmail(siteID)
	if !ok {
		return
	}
	if err := s.mailer.Send(email.Subject, email.Body); err != nil {
		s.appendLog("warn", fmt.Sprintf("dispatch email for %s failed: %v", siteID, err))
		return
	}
	s.appendLog("info", fmt.Sprintf("dispatch email sent for %s", siteID))
}

// executeApprovedMitigation runs the previously-approved plan for an
// approval the operator accepted.
func (s *Supervisor) executeApprovedMitigation(a Approval) {
	cause := "operator-approved-mitigation"
	if len(a.Actions) > 0 {
		cause = string(a.Actions[0].Action)
	}
	s.mitigateAndRecord(context.Background(), a.SiteID, a.site, cause)
}
