// Package policy implements the Policy Store: the operator-tunable
// thresholds that gate HITL vs. automated mitigation (spec.md §3, §6).
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// AlarmPrioritization enumerates the supported correlation strategies.
type AlarmPrioritization string

const (
	CriticalFirst       AlarmPrioritization = "Critical First"
	AdaptiveCorrelation AlarmPrioritization = "Adaptive Correlation"
)

// WaysOfWorking enumerates the supported automation postures.
type WaysOfWorking string

const (
	E2EAutomation               WaysOfWorking = "E2E automation"
	HumanInterventionAtCritical WaysOfWorking = "Human intervention at critical steps"
)

// KPIAlignment enumerates the supported KPI targets.
type KPIAlignment string

const (
	KPI95 KPIAlignment = ">95%"
	KPI75 KPIAlignment = "75%"
)

// Policy is the current operator-tunable configuration (spec.md §3).
type Policy struct {
	AlarmPrioritization AlarmPrioritization `json:"alarmPrioritization"`
	WaysOfWorking       WaysOfWorking       `json:"waysOfWorking"`
	KPIAlignment        KPIAlignment        `json:"kpiAlignment"`
	UpdatedAt           string              `json:"updatedAt"`
	Version             int                 `json:"version"`
	Source              string              `json:"source"`
}

// Defaults returns the initial Policy: Critical First correlation, human
// intervention at critical steps, and the >95% KPI target.
func Defaults() Policy {
	return Policy{
		AlarmPrioritization: CriticalFirst,
		WaysOfWorking:       HumanInterventionAtCritical,
		KPIAlignment:        KPI95,
		Version:             1,
		Source:              "default",
	}
}

// Patch is a partial update to a Policy; empty fields are left unchanged.
// Patch is canonicalized case-insensitively against the fixed enum sets
// before validation.
type Patch struct {
	AlarmPrioritization string
	WaysOfWorking       string
	KPIAlignment        string
	Source              string
}

var (
	alarmPrioritizationValues = []AlarmPrioritization{CriticalFirst, AdaptiveCorrelation}
	waysOfWorkingValues       = []WaysOfWorking{E2EAutomation, HumanInterventionAtCritical}
	kpiAlignmentValues        = []KPIAlignment{KPI95, KPI75}
)

// Store holds the current Policy and notifies subscribers of every
// accepted change.
type Store struct {
	mu      sync.Mutex
	current Policy

	nextSubID   uint64
	subscribers map[uint64]chan Policy
}

// NewStore constructs a Store seeded with Defaults().
func NewStore() *Store {
	return &Store{current: Defaults(), subscribers: make(map[uint64]chan Policy)}
}

// Get returns the current Policy.
func (s *Store) Get() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply validates p against the fixed enum sets, canonicalizing
// case-insensitively, and, if valid, replaces the current Policy wholesale
// (bumping Version by exactly 1). A single invalid field rejects the
// entire patch and leaves the stored Policy and its Version unchanged.
func (s *Store) Apply(p Patch) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current

	if p.AlarmPrioritization != "" {
		v, err := canonicalize(p.AlarmPrioritization, alarmPrioritizationValues)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: alarmPrioritization: %w", err)
		}
		next.AlarmPrioritization = v
	}
	if p.WaysOfWorking != "" {
		v, err := canonicalize(p.WaysOfWorking, waysOfWorkingValues)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: waysOfWorking: %w", err)
		}
		next.WaysOfWorking = v
	}
	if p.KPIAlignment != "" {
		v, err := canonicalize(p.KPIAlignment, kpiAlignmentValues)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: kpiAlignment: %w", err)
		}
		next.KPIAlignment = v
	}
	if p.Source != "" {
		next.Source = p.Source
	}

	next.Version = s.current.Version + 1
	next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	s.current = next

	for _, ch := range s.subscribers {
		select {
		case ch <- next:
		default:
		}
	}

	return next, nil
}

// Subscribe returns a channel that receives the new Policy after every
// accepted Apply call. Close stops delivery.
func (s *Store) Subscribe() (<-chan Policy, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Policy, 4)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func canonicalize[T ~string](raw string, allowed []T) (T, error) {
	for _, v := range allowed {
		if strings.EqualFold(raw, string(v)) {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("must be one of %v, got %q", allowed, raw)
}
