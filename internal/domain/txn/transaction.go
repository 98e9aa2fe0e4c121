package txn

import (
	"context"
	"time"
)

// Status is the lifecycle state of a coordinator invocation.
type Status string

const (
	StatusActive  Status = "active"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// StepRecord is one completed checkpoint with its timing and outcome.
type StepRecord struct {
	Name     string
	Duration time.Duration
	Err      string
}

// Action is a compensating delete against one store. Actions are pushed in
// forward order and executed in reverse (LIFO) order.
type Action struct {
	Name string
	Run  func(ctx context.Context) error
}

// Transaction is the ephemeral, in-memory record of one coordinator
// invocation. It is created at invocation start, mutated only by that
// invocation, and never shared across concurrent uploads.
type Transaction struct {
	id        string
	startedAt time.Time
	steps     []StepRecord
	rollback  []Action
	status    Status
}

// New starts a transaction record.
func New(id string) *Transaction {
	return &Transaction{id: id, startedAt: time.Now().UTC(), status: StatusActive}
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string { return t.id }

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status { return t.status }

// StartedAt returns the invocation start time.
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// RecordStep appends a completed checkpoint.
func (t *Transaction) RecordStep(name string, d time.Duration, err error) {
	rec := StepRecord{Name: name, Duration: d}
	if err != nil {
		rec.Err = err.Error()
	}
	t.steps = append(t.steps, rec)
}

// Steps returns the completed checkpoints in execution order.
func (t *Transaction) Steps() []StepRecord { return t.steps }

// StepNames returns the names of completed checkpoints in execution order.
func (t *Transaction) StepNames() []string {
	names := make([]string, len(t.steps))
	for i, s := range t.steps {
		names[i] = s.Name
	}
	return names
}

// PushRollback pushes a compensating action onto the rollback stack.
func (t *Transaction) PushRollback(name string, run func(ctx context.Context) error) {
	t.rollback = append(t.rollback, Action{Name: name, Run: run})
}

// RollbackStack returns the compensating actions in push (forward) order.
// The executor walks them in reverse.
func (t *Transaction) RollbackStack() []Action { return t.rollback }

// Finish marks the transaction terminal.
func (t *Transaction) Finish(status Status) { t.status = status }

// Record is an immutable snapshot for the observability sink; it carries no
// executable actions.
type Record struct {
	ID            string
	StartedAt     time.Time
	Duration      time.Duration
	Status        Status
	Steps         []StepRecord
	RollbackRun   bool
	RollbackError string
}

// Snapshot copies the transaction state into a Record.
func (t *Transaction) Snapshot(rollbackRun bool, rollbackErr error) Record {
	steps := make([]StepRecord, len(t.steps))
	copy(steps, t.steps)
	r := Record{
		ID:          t.id,
		StartedAt:   t.startedAt,
		Duration:    time.Since(t.startedAt),
		Status:      t.status,
		Steps:       steps,
		RollbackRun: rollbackRun,
	}
	if rollbackErr != nil {
		r.RollbackError = rollbackErr.Error()
	}
	return r
}
