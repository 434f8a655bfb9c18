package supervisor

import (
	"strconv"
	"time"

	"github.com/drak0niii/launch-ctrl/internal/agents/troubleshooting"
	"github.com/drak0niii/launch-ctrl/internal/events"
)

// Approval is a pending mitigation plan awaiting operator sign-off
// (spec.md §3).
type Approval struct {
	ID        string                     `json:"id"`
	SiteID    string                     `json:"siteId"`
	Actions   []troubleshooting.PlanStep `json:"actions"`
	Reason    string                     `json:"reason"`
	CreatedAt string                     `json:"createdAt"`

	site events.Site
}

// enqueueApprovalLocked records a pending approval with a monotonic string ID
// and returns it. Caller must hold s.mu.
func (s *Supervisor) enqueueApprovalLocked(siteID string, actions []troubleshooting.PlanStep, reason string, site events.Site) Approval {
	s.nextApprovalID++
	a := Approval{
		ID:        strconv.Itoa(s.nextApprovalID),
		SiteID:    siteID,
		Actions:   actions,
		Reason:    reason,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		site:      site,
	}
	s.approvals = append(s.approvals, a)
	return a
}

// ListApprovals returns all currently pending approvals.
func (s *Supervisor) ListApprovals() []Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Approval, len(s.approvals))
	copy(out, s.approvals)
	return out
}

// ResolveApproval removes the approval with the given id, if present, and
// reports whether one was found. Resolving an id that is already gone
// (double-resolve, or an id that never existed) is a no-op — it returns
// false, not an error.
func (s *Supervisor) ResolveApproval(id string, approve bool) (Approval, bool) {
	s.mu.Lock()
	var found Approval
	idx := -1
	for i, a := range s.approvals {
		if a.ID == id {
			found = a
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return Approval{}, false
	}
	s.approvals = append(s.approvals[:idx], s.approvals[idx+1:]...)
	s.mu.Unlock()

	if approve {
		s.executeApprovedMitigation(found)
	} else {
		s.rcaBook.RecordIncident(found.SiteID, "operator-rejected-mitigation", nil, "rejected",
			troubleshooting.DetectAlarms(found.site), found.site, time.Now().UTC().Format(time.RFC3339),
			"operator rejected the proposed mitigation plan")
		s.appendLog("info", "approval "+id+" rejected by operator")
	}

	return found, true
}
