package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the harness's final
// state and returns one message per failure.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(ctx, h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, h *Harness, a Assertion) error {
	switch a.Type {
	case AssertQueue:
		return assertQueue(ctx, h, a)
	case AssertRecord:
		return assertRecord(ctx, h, a)
	case AssertRemote:
		rows, err := h.remote.List(ctx, mutation.EntityType(a.Entity), h.session.Owner())
		if err != nil {
			return err
		}
		return assertRows(a, rows)
	case AssertItems:
		c, err := h.session.Collection(mutation.EntityType(a.Entity))
		if err != nil {
			return err
		}
		return assertRows(a, c.Items())
	case AssertNotifications:
		got := len(h.result.Notifications(a.Kind))
		if got != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d %s notifications", *a.Count, a.Kind),
				Actual:   fmt.Sprintf("%d", got),
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertQueue(ctx context.Context, h *Harness, a Assertion) error {
	stats, err := h.session.Stats(ctx)
	if err != nil {
		return err
	}
	var got int
	switch mutation.Status(a.Status) {
	case "":
		got = stats.Total()
	case mutation.StatusPending:
		got = stats.Pending
	case mutation.StatusSynced:
		got = stats.Synced
	case mutation.StatusError:
		got = stats.Error
	}
	if got != *a.Count {
		label := a.Status
		if label == "" {
			label = "total"
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s records", *a.Count, label),
			Actual:   fmt.Sprintf("%d (pending=%d synced=%d error=%d)", got, stats.Pending, stats.Synced, stats.Error),
		}
	}
	return nil
}

func assertRecord(ctx context.Context, h *Harness, a Assertion) error {
	records, err := h.session.Records(ctx, "")
	if err != nil {
		return err
	}
	var found *mutation.Record
	for i := range records {
		rec := &records[i]
		if rec.RowID != a.ID {
			continue
		}
		if a.Entity != "" && string(rec.EntityType) != a.Entity {
			continue
		}
		if a.Operation != "" && string(rec.Operation) != a.Operation {
			continue
		}
		found = rec
	}
	if found == nil {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("a record for row %s", a.ID),
			Actual:   "none",
		}
	}
	if a.Status != "" && string(found.Status) != a.Status {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("row %s status %s", a.ID, a.Status),
			Actual:   string(found.Status),
		}
	}
	if a.RetryCount != nil && found.RetryCount != *a.RetryCount {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("row %s retry_count %d", a.ID, *a.RetryCount),
			Actual:   fmt.Sprintf("%d", found.RetryCount),
		}
	}
	return nil
}

func assertRows(a Assertion, rows []payload.Object) error {
	if a.Count != nil && len(rows) != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s rows", *a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d", len(rows)),
		}
	}
	if a.ID == "" {
		return nil
	}
	for _, row := range rows {
		if row.ID() != a.ID {
			continue
		}
		return matchRow(a, row)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s row %s", a.Entity, a.ID),
		Actual:   "not found",
	}
}

// matchRow compares expected values by their printed form, so YAML "5.00"
// matches a stored json.Number("5.00").
func matchRow(a Assertion, row payload.Object) error {
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want := fmt.Sprint(a.Expect[k])
		got, ok := row[k]
		if !ok || fmt.Sprint(got) != want {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s row %s field %s = %s", a.Entity, a.ID, k, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}
