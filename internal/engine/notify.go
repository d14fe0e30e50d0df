package engine

import (
	"log/slog"

	"github.com/roach88/tally/internal/mutation"
)

// Notifier is the user-facing notification surface. The engine calls it at
// most once per cycle for each aggregate case, and once per record that
// becomes permanently failed.
type Notifier interface {
	// Synced reports n records newly synced in one cycle.
	Synced(n int)

	// Failed reports n records that failed in one cycle and will be retried
	// or were frozen.
	Failed(n int)

	// PermanentlyFailed reports one record frozen in error.
	PermanentlyFailed(rec mutation.Record)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Synced(int)                        {}
func (NopNotifier) Failed(int)                        {}
func (NopNotifier) PermanentlyFailed(mutation.Record) {}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Synced implements Notifier.
func (n LogNotifier) Synced(count int) {
	n.logger().Info("records synced", "count", count)
}

// Failed implements Notifier.
func (n LogNotifier) Failed(count int) {
	n.logger().Warn("records failed to sync", "count", count)
}

// PermanentlyFailed implements Notifier.
func (n LogNotifier) PermanentlyFailed(rec mutation.Record) {
	n.logger().Error("record permanently failed",
		"id", rec.ID,
		"entity", rec.EntityType,
		"row_id", rec.RowID,
		"operation", rec.Operation,
		"retry_count", rec.RetryCount,
		"last_error", rec.LastError,
	)
}

// Notifiers fans every notification out to each element in order.
type Notifiers []Notifier

// Synced implements Notifier.
func (ns Notifiers) Synced(count int) {
	for _, n := range ns {
		n.Synced(count)
	}
}

// Failed implements Notifier.
func (ns Notifiers) Failed(count int) {
	for _, n := range ns {
		n.Failed(count)
	}
}

// PermanentlyFailed implements Notifier.
func (ns Notifiers) PermanentlyFailed(rec mutation.Record) {
	for _, n := range ns {
		n.PermanentlyFailed(rec)
	}
}
