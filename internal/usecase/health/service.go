package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all dependencies are reachable.
	Healthy Status = "ok"
	// Degraded indicates at least one dependency is failing.
	Degraded Status = "degraded"
)

// CheckResult represents an individual dependency check outcome.
type CheckResult string

const (
	CheckOK    CheckResult = "ok"
	CheckError CheckResult = "error"
)

// Report aggregates dependency check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service checks the four external stores behind the coordinator.
type Service struct {
	deps map[string]Pinger
}

// New creates a Service. Nil pingers are skipped.
func New(deps map[string]Pinger) *Service {
	return &Service{deps: deps}
}

// Check pings every registered dependency.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult, len(s.deps))
	status := Healthy

	for name, p := range s.deps {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = CheckError
			status = Degraded
		} else {
			checks[name] = CheckOK
		}
	}

	return Report{Status: status, Checks: checks}
}
