package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/session"
	"github.com/roach88/tally/internal/testutil"
)

// Harness executes one scenario. It is also the engine's notifier, so
// notifications land in the trace in the order they are emitted.
type Harness struct {
	session *session.Session
	remote  *remote.Memory
	clock   *testutil.FakeClock

	mu     sync.Mutex
	seq    int64
	result *Result
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger handed to the session. Defaults to discarding.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// Run executes a scenario in a fresh in-memory session and returns the
// result. The error is non-nil only when the scenario could not run at all;
// failed expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := config.Default()
	cfg.Database = ":memory:"
	cfg.Owner = scenario.owner()
	cfg.Offline = !scenario.online()
	cfg.Sync.MaxRetries = scenario.maxRetries()
	cfg.Sync.Interval = 0
	cfg.Sync.PruneEvery = 0

	h := &Harness{
		remote: remote.NewMemory(),
		clock:  testutil.NewFakeClock(),
		result: NewResult(),
	}
	s, err := session.Open(ctx, cfg,
		session.WithRemote(h.remote),
		session.WithClock(h.clock),
		session.WithIDGenerator(mutation.NewFixedGenerator("rec")),
		session.WithNotifier(h),
		session.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer s.Close()
	h.session = s

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Action, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// execute runs one step. Only a failure that makes the rest of the scenario
// meaningless is returned; unexpected step outcomes go into the result.
func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	ev := TraceEvent{Type: EventStep, Action: step.Action}
	var stepErr error

	switch step.Action {
	case ActionAdd, ActionUpdate, ActionDelete:
		ev.Entity, ev.RowID = step.Entity, step.ID
		stepErr = h.write(ctx, step)

	case ActionSync:
		return h.sync(ctx)

	case ActionOnline, ActionOffline:
		h.session.SetOnline(step.Action == ActionOnline)

	case ActionFail:
		ev.RowID = step.ID
		if step.Always {
			h.remote.FailAlways(step.ID, nil)
		} else {
			h.remote.FailNext(step.ID, step.Times)
		}

	case ActionHeal:
		h.remote.Heal()

	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		ev.Duration = step.Duration
		h.clock.Advance(d)

	case ActionSignIn:
		ev.Owner = step.Owner
		stepErr = h.session.SwitchOwner(ctx, step.Owner)

	case ActionSignOut:
		stepErr = h.session.SignOut(ctx)

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}

	if stepErr != nil {
		ev.Error = errorCode(stepErr)
	}
	h.record(ev)

	switch {
	case step.ExpectError == "" && stepErr != nil:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Action, stepErr))
	case step.ExpectError != "" && stepErr == nil:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got none", index, step.Action, step.ExpectError))
	case step.ExpectError != "" && ev.Error != step.ExpectError:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got %v", index, step.Action, step.ExpectError, stepErr))
	}
	return nil
}

func (h *Harness) write(ctx context.Context, step Step) error {
	et := mutation.EntityType(step.Entity)
	c, err := h.session.Collection(et)
	if err != nil {
		return err
	}
	data := payload.Object(step.Data).Clone()
	if data == nil {
		data = payload.Object{}
	}

	switch step.Action {
	case ActionAdd:
		data[payload.FieldID] = step.ID
		_, err = c.Add(ctx, data)
	case ActionUpdate:
		_, err = c.Update(ctx, step.ID, data)
	case ActionDelete:
		err = c.Delete(ctx, step.ID)
	}
	return err
}

func (h *Harness) sync(ctx context.Context) error {
	res, err := h.session.SyncNow(ctx)
	if err != nil {
		return err
	}
	h.record(TraceEvent{
		Type: EventSync,
		Sync: &SyncTrace{
			Cycle:     res.Cycle,
			Skipped:   res.Skipped,
			Reason:    res.Reason,
			Attempted: res.Attempted,
			Synced:    res.Synced,
			Failed:    res.Failed,
			Frozen:    res.Frozen,
			Stats:     res.Stats,
		},
	})
	return nil
}

func (h *Harness) record(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev.Seq = h.seq
	h.result.Trace = append(h.result.Trace, ev)
}

// Synced implements engine.Notifier.
func (h *Harness) Synced(n int) {
	h.record(TraceEvent{Type: EventNotification, Kind: "synced", Count: n})
}

// Failed implements engine.Notifier.
func (h *Harness) Failed(n int) {
	h.record(TraceEvent{Type: EventNotification, Kind: "failed", Count: n})
}

// PermanentlyFailed implements engine.Notifier.
func (h *Harness) PermanentlyFailed(rec mutation.Record) {
	h.record(TraceEvent{Type: EventNotification, Kind: "permanent", Count: 1, RowID: rec.RowID})
}

func errorCode(err error) string {
	var e *mutation.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return "ERROR"
}
