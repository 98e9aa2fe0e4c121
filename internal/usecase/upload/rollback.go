package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/stashdoc/stashdoc/internal/domain"
	"github.com/stashdoc/stashdoc/internal/domain/txn"
	"github.com/stashdoc/stashdoc/internal/metrics"
)

// runRollback walks the compensating-action stack in reverse (LIFO) order.
// Each action is retried with exponential backoff up to the configured cap.
// A store that cannot be reverted never blocks rollback of the others; if any
// action exhausts its retries the returned error wraps
// domain.ErrRollbackInconsistent so the caller can flag orphaned data.
func (s *Service) runRollback(ctx context.Context, tx *txn.Transaction) error {
	stack := tx.RollbackStack()
	var failed []string

	for i := len(stack) - 1; i >= 0; i-- {
		act := stack[i]
		if err := s.compensate(ctx, act); err != nil {
			failed = append(failed, act.Name)
			metrics.RollbackActionsTotal.WithLabelValues(act.Name, "failed").Inc()
			s.logger.Error("compensating action exhausted retries",
				zap.String("transaction_id", tx.ID()),
				zap.String("action", act.Name),
				zap.Error(err),
			)
			continue
		}
		metrics.RollbackActionsTotal.WithLabelValues(act.Name, "ok").Inc()
	}

	if len(failed) > 0 {
		return fmt.Errorf("compensating actions failed (%s): %w",
			strings.Join(failed, ", "), domain.ErrRollbackInconsistent)
	}
	return nil
}

// compensate runs one action with bounded exponential backoff.
func (s *Service) compensate(ctx context.Context, act txn.Action) error {
	backoff := retry.WithMaxRetries(s.cfg.RollbackMaxRetries, retry.NewExponential(s.cfg.RollbackBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := act.Run(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
