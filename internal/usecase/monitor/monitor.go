package monitor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain/txn"
)

// DefaultCapacity bounds the in-memory transaction history.
const DefaultCapacity = 256

// Monitor archives finished coordinator invocations into a bounded ring
// buffer for observability. It is injected into the coordinator rather than
// living as process-wide state, so tests run without globals. Losing records
// is acceptable; the buffer exists purely for diagnostics.
type Monitor struct {
	mu      sync.RWMutex
	records []txn.Record
	next    int
	full    bool
	logger  *zap.Logger
}

// New creates a monitor with the given history capacity.
func New(capacity int, logger *zap.Logger) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{records: make([]txn.Record, capacity), logger: logger}
}

// Observe archives one transaction record, evicting the oldest when full.
func (m *Monitor) Observe(rec txn.Record) {
	m.mu.Lock()
	m.records[m.next] = rec
	m.next = (m.next + 1) % len(m.records)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	if rec.RollbackError != "" {
		m.logger.Error("transaction rolled back inconsistently",
			zap.String("transaction_id", rec.ID),
			zap.String("rollback_error", rec.RollbackError),
		)
	}
}

// Recent returns archived records, newest first.
func (m *Monitor) Recent(limit int) []txn.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.full {
		size = len(m.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]txn.Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.records)) % len(m.records)
		out = append(out, m.records[idx])
	}
	return out
}

// Len returns how many records are currently archived.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.records)
	}
	return m.next
}
