// Package troubleshooting implements Agent B: bounded mitigation planning
// and execution, including the radio-heal retry loop (spec.md §4.6).
package troubleshooting

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/events"
	"github.com/drak0niii/launch-ctrl/internal/ratelimit"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

// Alarm codes Agent B detects directly from a site snapshot.
const (
	AlarmMainsOff            = "Mains.Off"
	AlarmSiteDown            = "Site.Down"
	AlarmAntenna1Unavailable = "Antenna.A1.Unavailable"
	AlarmAntenna2Unavailable = "Antenna.A2.Unavailable"
	AlarmBatteryLowGridDown  = "Battery.Low.GridDown"

	lowBatteryThreshold = 40
)

// DetectAlarms derives Agent B's own alarm codes from the raw snapshot.
// These are independent of (and additional to) whatever alarms the tower
// simulator itself reports in site.Alarms.
func DetectAlarms(site events.Site) []string {
	var out []string
	if site.Mains == "off" {
		out = append(out, AlarmMainsOff)
	}
	if !site.SiteAlive {
		out = append(out, AlarmSiteDown)
	}
	if site.Antenna1.Service == events.ServiceUnavailable {
		out = append(out, AlarmAntenna1Unavailable)
	}
	if site.Antenna2.Service == events.ServiceUnavailable {
		out = append(out, AlarmAntenna2Unavailable)
	}
	if site.Mains == "off" && site.BatteryPercent < lowBatteryThreshold {
		out = append(out, AlarmBatteryLowGridDown)
	}
	return out
}

// StepAction enumerates the mitigation actions a Plan can contain.
type StepAction string

const (
	ActionPowerOn   StepAction = "power.on"
	ActionRRUEnsure StepAction = "rru.ensure"
	ActionRRUOff    StepAction = "rru.off"
)

// PlanStep is one step of a mitigation plan.
type PlanStep struct {
	Action  StepAction `json:"action"`
	Antenna string     `json:"antenna,omitempty"` // "antenna1" | "antenna2"
}

// BuildPlan constructs the mitigation plan for site given its detected
// alarms, in the fixed order: power.on, then rru.ensure for each
// unavailable antenna (antenna1 before antenna2), then — if mains is off,
// battery is below the low-battery threshold, and both antennas are
// otherwise available — a conditional rru.off for antenna2 to shed load.
func BuildPlan(site events.Site, alarms []string) []PlanStep {
	has := func(code string) bool {
		for _, a := range alarms {
			if a == code {
				return true
			}
		}
		return false
	}

	var plan []PlanStep
	if has(AlarmMainsOff) {
		plan = append(plan, PlanStep{Action: ActionPowerOn})
	}
	if has(AlarmAntenna1Unavailable) {
		plan = append(plan, PlanStep{Action: ActionRRUEnsure, Antenna: "antenna1"})
	}
	if has(AlarmAntenna2Unavailable) {
		plan = append(plan, PlanStep{Action: ActionRRUEnsure, Antenna: "antenna2"})
	}
	if site.Mains == "off" && site.BatteryPercent < lowBatteryThreshold &&
		site.Antenna1.Service == events.ServiceAvailable && site.Antenna2.Service == events.ServiceAvailable {
		plan = append(plan, PlanStep{Action: ActionRRUOff, Antenna: "antenna2"})
	}
	return plan
}

// MitigationResult is Agent B's outcome for one mitigation attempt.
// Exactly one of the HITL fields (ApprovalRequired) or the executed
// fields (OK, ActionsTaken, ...) is meaningful, per which branch ran.
type MitigationResult struct {
	Site   string     `json:"site"`
	Alarms []string   `json:"alarms"`
	Plan   []PlanStep `json:"plan"`

	// HITL branch.
	ApprovalRequired bool `json:"-"`

	// Automated branch.
	OK              bool     `json:"ok"`
	ActionsTaken    []string `json:"actionsTaken"`
	ClearedAlarms   []string `json:"clearedAlarms"`
	RemainingAlarms []string `json:"remainingAlarms"`
	Passes          int      `json:"passes"`
	AllClear        bool     `json:"allClear"`
}

// ApprovalRequiredResponse is the exact shape spec.md §4.6 documents for
// the HITL branch: {error:"approval_required", plan, alarms, site}.
type ApprovalRequiredResponse struct {
	Error  string     `json:"error"`
	Plan   []PlanStep `json:"plan"`
	Alarms []string   `json:"alarms"`
	Site   string     `json:"site"`
}

const (
	interStepDelay  = 500 * time.Millisecond
	bootSettleDelay = 2500 * time.Millisecond
	healReadDelay   = 1200 * time.Millisecond
	healResetDelay  = 400 * time.Millisecond

	sweepPollDelay     = 1200 * time.Millisecond
	sweepBootPollDelay = 1500 * time.Millisecond
	maxSweepPolls      = 2
	maxSweepBootPolls  = 3

	maxHealAttempts = 3
	maxSweepPasses  = 3

	// actionBudgetCapacity and actionBudgetRefill bound how many
	// device-facing actions a single site may issue per refill window,
	// guarding against a flapping site driving an unbounded command
	// burst against the tower simulator.
	actionBudgetCapacity = 20
	actionBudgetRefill   = 60 * time.Second
)

// Mitigator executes mitigation plans against the tower simulator.
type Mitigator struct {
	client *towerclient.Client
	log    *zap.Logger
	budget *ratelimit.Keyed
}

// New constructs a Mitigator.
func New(client *towerclient.Client, log *zap.Logger) *Mitigator {
	return &Mitigator{
		client: client,
		log:    log,
		budget: ratelimit.NewKeyed(actionBudgetCapacity, actionBudgetRefill),
	}
}

// MitigateSite detects alarms, builds a plan, and either returns it for
// approval (autoEffective=false) or executes it and runs alarm sweeps
// (autoEffective=true). ctx cancellation abandons any pending sleep; device
// requests are issued with the same ctx, so an in-flight request is aborted
// rather than allowed to finish.
func (m *Mitigator) MitigateSite(ctx context.Context, siteID string, site events.Site, autoEffective bool) MitigationResult {
	alarms := DetectAlarms(site)
	plan := BuildPlan(site, alarms)

	if !autoEffective {
		return MitigationResult{Site: siteID, Alarms: alarms, Plan: plan, ApprovalRequired: true}
	}

	var actionsTaken []string
	for _, step := range plan {
		if ctx.Err() != nil {
			break
		}
		m.execute(ctx, siteID, step, &actionsTaken)
		if !sleepCtx(ctx, interStepDelay) {
			break
		}
	}

	remaining, cleared, passes := m.sweep(ctx, siteID, alarms)

	return MitigationResult{
		Site:            siteID,
		Alarms:          alarms,
		Plan:            plan,
		OK:              true,
		ActionsTaken:    actionsTaken,
		ClearedAlarms:   cleared,
		RemainingAlarms: remaining,
		Passes:          passes,
		AllClear:        len(remaining) == 0,
	}
}

func (m *Mitigator) execute(ctx context.Context, siteID string, step PlanStep, actionsTaken *[]string) {
	if !m.budget.ConsumeAction(siteID, ratelimit.ActionCost(step.Action)) {
		m.log.Warn("troubleshooting: action budget exhausted, skipping for this pass",
			zap.String("site", siteID), zap.String("action", string(step.Action)))
		return
	}
	switch step.Action {
	case ActionPowerOn:
		if err := m.client.SetPower(ctx, []string{siteID}, towerclient.PowerOn); err != nil {
			m.log.Warn("troubleshooting: power.on failed", zap.String("site", siteID), zap.Error(err))
			return
		}
		*actionsTaken = append(*actionsTaken, string(ActionPowerOn))
		sleepCtx(ctx, bootSettleDelay)
	case ActionRRUEnsure:
		ok := m.radioHeal(ctx, siteID, step.Antenna)
		if ok {
			*actionsTaken = append(*actionsTaken, fmt.Sprintf("rru.ensure:%s", step.Antenna))
		}
	case ActionRRUOff:
		if err := m.client.SetRRU(ctx, siteID, step.Antenna, towerclient.RRUOff); err != nil {
			m.log.Warn("troubleshooting: rru.off failed", zap.String("site", siteID), zap.Error(err))
			return
		}
		*actionsTaken = append(*actionsTaken, fmt.Sprintf("rru.off:%s", step.Antenna))
	}
}

// radioHeal runs the bounded retry loop for one antenna: up to
// maxHealAttempts attempts, each turning the radio on and reading state
// back; if the site's mains is on but the site isn't yet alive it waits
// up to 3 more read intervals for boot to finish, otherwise it falls back
// to a harder off/on reset before reading again.
func (m *Mitigator) radioHeal(ctx context.Context, siteID, antenna string) bool {
	for attempt := 0; attempt < maxHealAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if !m.budget.ConsumeAction(siteID, ratelimit.CostRRUEnsure) {
			m.log.Warn("troubleshooting: action budget exhausted, aborting radio-heal attempt",
				zap.String("site", siteID), zap.String("antenna", antenna))
			return false
		}
		if err := m.client.SetRRU(ctx, siteID, antenna, towerclient.RRUOn); err != nil {
			m.log.Warn("troubleshooting: rru on failed", zap.String("site", siteID), zap.String("antenna", antenna), zap.Error(err))
			continue
		}
		if !sleepCtx(ctx, healReadDelay) {
			return false
		}

		if m.antennaAvailable(ctx, siteID, antenna) {
			return true
		}

		site, err := m.readSite(ctx, siteID)
		if err == nil && site.Mains == "on" && !site.SiteAlive {
			if m.waitForBoot(ctx, siteID, antenna) {
				return true
			}
			continue
		}

		// Harder reset: off, settle, on, read again.
		_ = m.client.SetRRU(ctx, siteID, antenna, towerclient.RRUOff)
		if !sleepCtx(ctx, healResetDelay) {
			return false
		}
		_ = m.client.SetRRU(ctx, siteID, antenna, towerclient.RRUOn)
		if !sleepCtx(ctx, healReadDelay) {
			return false
		}
		if m.antennaAvailable(ctx, siteID, antenna) {
			return true
		}
	}
	return false
}

// waitForBoot polls up to 3 more times at healReadDelay spacing while the
// site finishes booting after mains has been restored.
func (m *Mitigator) waitForBoot(ctx context.Context, siteID, antenna string) bool {
	for i := 0; i < 3; i++ {
		if !sleepCtx(ctx, healReadDelay) {
			return false
		}
		if m.antennaAvailable(ctx, siteID, antenna) {
			return true
		}
	}
	return false
}

func (m *Mitigator) antennaAvailable(ctx context.Context, siteID, antenna string) bool {
	site, err := m.readSite(ctx, siteID)
	if err != nil {
		return false
	}
	if antenna == "antenna1" {
		return site.Antenna1.Service == events.ServiceAvailable
	}
	return site.Antenna2.Service == events.ServiceAvailable
}

func (m *Mitigator) readSite(ctx context.Context, siteID string) (events.Site, error) {
	snap, err := m.client.GetState(ctx)
	if err != nil {
		return events.Site{}, err
	}
	site, ok := snap[siteID]
	if !ok {
		return events.Site{}, fmt.Errorf("troubleshooting: site %q not present in snapshot", siteID)
	}
	return site, nil
}

// pollSweepRead re-reads the site up to maxSweepPolls times at
// sweepPollDelay spacing; if mains has come on but the site still isn't
// alive, it keeps polling for up to maxSweepBootPolls more reads at the
// wider sweepBootPollDelay spacing to give it more time to boot (spec.md
// §4.6.5 step 1).
func (m *Mitigator) pollSweepRead(ctx context.Context, siteID string) (events.Site, error) {
	var site events.Site
	var err error
	for i := 0; i < maxSweepPolls; i++ {
		if i > 0 && !sleepCtx(ctx, sweepPollDelay) {
			return events.Site{}, ctx.Err()
		}
		site, err = m.readSite(ctx, siteID)
		if err != nil {
			return events.Site{}, err
		}
	}

	for i := 0; i < maxSweepBootPolls && site.Mains == "on" && !site.SiteAlive; i++ {
		if !sleepCtx(ctx, sweepBootPollDelay) {
			return site, nil
		}
		site, err = m.readSite(ctx, siteID)
		if err != nil {
			return events.Site{}, err
		}
	}
	return site, nil
}

// sweep re-reads the site state up to maxSweepPasses times, re-detecting
// alarms and healing any antenna still unavailable, resending power.on if
// Mains.Off persists. It returns the alarms still present after the last
// pass, the alarms cleared since the original detection, and how many
// passes ran.
func (m *Mitigator) sweep(ctx context.Context, siteID string, original []string) (remaining, cleared []string, passes int) {
	remaining = original
	for pass := 0; pass < maxSweepPasses; pass++ {
		if ctx.Err() != nil {
			break
		}
		passes = pass + 1

		site, err := m.pollSweepRead(ctx, siteID)
		if err != nil {
			break
		}
		current := DetectAlarms(site)
		if len(current) == 0 {
			cleared = diffAlarms(original, current)
			remaining = current
			break
		}

		for _, code := range current {
			switch code {
			case AlarmAntenna1Unavailable:
				m.radioHeal(ctx, siteID, "antenna1")
			case AlarmAntenna2Unavailable:
				m.radioHeal(ctx, siteID, "antenna2")
			case AlarmMainsOff:
				if m.budget.ConsumeAction(siteID, ratelimit.CostPowerOn) {
					_ = m.client.SetPower(ctx, []string{siteID}, towerclient.PowerOn)
					sleepCtx(ctx, bootSettleDelay)
				}
			}
		}

		site, err = m.readSite(ctx, siteID)
		if err != nil {
			break
		}
		remaining = DetectAlarms(site)
		if len(remaining) == 0 {
			cleared = diffAlarms(original, remaining)
			break
		}
	}
	cleared = diffAlarms(original, remaining)
	return remaining, cleared, passes
}

func diffAlarms(original, remaining []string) []string {
	stillPresent := make(map[string]bool, len(remaining))
	for _, a := range remaining {
		stillPresent[a] = true
	}
	var cleared []string
	for _, a := range original {
		if !stillPresent[a] {
			cleared = append(cleared, a)
		}
	}
	return cleared
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
