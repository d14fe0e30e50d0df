package mutation

import (
	"fmt"
	"time"

	"github.com/roach88/tally/internal/payload"
)

// DefaultMaxRetries is the number of failed sync attempts after which a
// record is frozen in StatusError.
const DefaultMaxRetries = 3

// EntityType identifies the remote collection a mutation targets.
// The set is closed; use ParseEntityType at serialization boundaries.
type EntityType string

const (
	EntityTransactions EntityType = "transactions"
	EntityBanks        EntityType = "banks"
	EntityCategories   EntityType = "categories"
	EntityCards        EntityType = "cards"
	EntityGoals        EntityType = "goals"
	EntityDebts        EntityType = "debts"
)

var entityTypes = []EntityType{
	EntityTransactions,
	EntityBanks,
	EntityCategories,
	EntityCards,
	EntityGoals,
	EntityDebts,
}

// EntityTypes returns every known entity type in a stable order.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, et := range entityTypes {
		if et == t {
			return true
		}
	}
	return false
}

func (t EntityType) String() string { return string(t) }

// ParseEntityType converts a wire/storage string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("unknown entity type %q", s)}
	}
	return t, nil
}

// Operation is the kind of write a record replays against the remote store.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is insert, update or delete.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation converts a stored operation name into an Operation.
// Rows written by this package always parse; anything else is corruption.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", NewUnknownOperationError(s)
	}
	return op, nil
}

// Status is the sync state of a record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
// Setting the current status again is allowed so status writes stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusSynced || next == StatusError
	case StatusError:
		return next == StatusPending
	}
	return false
}

// Record is one durable description of a pending write against the remote store.
type Record struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	EntityType EntityType     `json:"entity_type"`
	RowID      string         `json:"row_id"`
	Operation  Operation      `json:"operation"`
	Payload    payload.Object `json:"payload,omitempty"`
	OwnerID    string         `json:"owner_id"`
	Status     Status         `json:"status"`
	RetryCount int            `json:"retry_count"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Filter selects records from the queue. OwnerID is required.
type Filter struct {
	OwnerID string
	Status  Status // empty matches every status

	// MaxRetries, when positive, keeps only records with RetryCount < MaxRetries.
	MaxRetries int
}

// Stats are per-owner record counts by status.
type Stats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Error   int `json:"error"`
}

// Total returns the number of records counted.
func (s Stats) Total() int {
	return s.Pending + s.Synced + s.Error
}
