package supervisor

import "context"

// agent is the lifecycle seam the Supervisor holds its three agents
// behind, replacing the late-bound cross-agent references spec.md §9
// describes with a constructor-time registry of interface values.
// Agents A/B/C have no background loop of their own — they're called
// synchronously from handleEvent — so Start/Stop/Running here just track
// whether the Supervisor currently considers them wired in, which keeps
// the registry meaningful if a future agent does gain a background loop.
type agent interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

type agentAdapter struct {
	name    string
	running bool
}

func newAgentAdapter(name string) *agentAdapter {
	return &agentAdapter{name: name}
}

func (a *agentAdapter) Start(ctx context.Context) error {
	a.running = true
	return nil
}

func (a *agentAdapter) Stop() {
	a.running = false
}

func (a *agentAdapter) Running() bool {
	return a.running
}
