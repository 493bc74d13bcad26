package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentmarket/services/ledgerd/models"
)

const (
	recoveredError     = "recovered: execution abandoned"
	recoveryBatchLimit = 100
)

// Recover refunds and fails executions that have been pending for longer than
// olderThan. olderThan must exceed the longest webhook timeout so in-flight
// calls are never compensated. It returns the number of executions finalised.
func (e *Executor) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("recover: age must be positive")
	}
	cutoff := e.now().UTC().Add(-olderThan)
	var stale []models.Execution
	err := e.directory.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.ExecutionPending, cutoff).
		Order("id ASC").
		Limit(recoveryBatchLimit).
		Find(&stale).Error
	if err != nil {
		return 0, storageError(err)
	}
	recovered := 0
	for i := range stale {
		exec := &stale[i]
		done, err := e.finalize(context.WithoutCancel(ctx), exec, outcome{errMsg: recoveredError, reason: "abandoned"})
		if err != nil {
			return recovered, err
		}
		if done {
			recovered++
		}
	}
	e.metrics.RecordRecovered(recovered)
	return recovered, nil
}

// Recoverer periodically runs Executor.Recover.
type Recoverer struct {
	executor *Executor
	interval time.Duration
	age      time.Duration
}

// NewRecoverer constructs a recovery worker.
func NewRecoverer(executor *Executor, interval, age time.Duration) *Recoverer {
	if interval <= 0 {
		interval = time.Minute
	}
	if age <= 0 {
		age = 10 * time.Minute
	}
	return &Recoverer{executor: executor, interval: interval, age: age}
}

// Run recovers once immediately and then on every tick until ctx is done.
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Recoverer) sweep(ctx context.Context) {
	n, err := r.executor.Recover(ctx, r.age)
	if err != nil {
		slog.ErrorContext(ctx, "execution recovery failed",
			slog.String("component", "escrow"),
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.WarnContext(ctx, "recovered abandoned executions",
			slog.String("component", "escrow"),
			slog.Int("count", n))
	}
}
