package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tally/internal/mutation"
)

// Scenario is a scripted session: steps run in order, then assertions are
// evaluated against the final state and the trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Owner is the signed-in owner at start. Defaults to "u1".
	Owner string `yaml:"owner,omitempty"`

	// Online is the initial connectivity state. Defaults to true.
	Online *bool `yaml:"online,omitempty"`

	// MaxRetries overrides the retry cap. Defaults to 3.
	MaxRetries int `yaml:"max_retries,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	// Entity and ID address a row for add, update and delete. ID alone
	// targets fault injection; empty means every row.
	Entity string         `yaml:"entity,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`

	// Times is the number of injected failures for "fail"; Always makes
	// the failure sticky until "heal".
	Times  int  `yaml:"times,omitempty"`
	Always bool `yaml:"always,omitempty"`

	// Duration is how far "advance" moves the clock.
	Duration string `yaml:"duration,omitempty"`

	// Owner is the new owner for "sign_in".
	Owner string `yaml:"owner,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	ActionAdd     = "add"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionSync    = "sync"
	ActionOnline  = "online"
	ActionOffline = "offline"
	ActionFail    = "fail"
	ActionHeal    = "heal"
	ActionAdvance = "advance"
	ActionSignIn  = "sign_in"
	ActionSignOut = "sign_out"
)

// Assertion checks the final state. Which fields apply depends on Type.
type Assertion struct {
	Type string `yaml:"type"`

	Entity    string `yaml:"entity,omitempty"`
	ID        string `yaml:"id,omitempty"`
	Status    string `yaml:"status,omitempty"`
	Operation string `yaml:"operation,omitempty"`
	Kind      string `yaml:"kind,omitempty"`

	Count      *int `yaml:"count,omitempty"`
	RetryCount *int `yaml:"retry_count,omitempty"`

	// Expect holds column values the addressed row must carry (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	// AssertQueue counts the owner's records, optionally by status.
	AssertQueue = "queue"

	// AssertRecord checks the latest record for a row.
	AssertRecord = "record"

	// AssertRemote checks the owner's rows in the remote store.
	AssertRemote = "remote"

	// AssertItems checks the optimistic list.
	AssertItems = "items"

	// AssertNotifications counts notification events of one kind.
	AssertNotifications = "notifications"
)

// DefaultOwner is the owner a scenario signs in as when Owner is unset.
const DefaultOwner = "u1"

func (s *Scenario) owner() string {
	if s.Owner == "" {
		return DefaultOwner
	}
	return s.Owner
}

func (s *Scenario) online() bool {
	return s.Online == nil || *s.Online
}

func (s *Scenario) maxRetries() int {
	if s.MaxRetries <= 0 {
		return mutation.DefaultMaxRetries
	}
	return s.MaxRetries
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected, so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Action {
	case ActionAdd, ActionUpdate, ActionDelete:
		if _, err := mutation.ParseEntityType(step.Entity); err != nil {
			return err
		}
		if step.ID == "" {
			return fmt.Errorf("id is required for %s", step.Action)
		}
	case ActionFail:
		if step.Times <= 0 && !step.Always {
			return fmt.Errorf("fail needs times > 0 or always")
		}
	case ActionAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	case ActionSignIn:
		if step.Owner == "" {
			return fmt.Errorf("owner is required for sign_in")
		}
	case ActionSync, ActionOnline, ActionOffline, ActionHeal, ActionSignOut:
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertQueue:
		if a.Count == nil {
			return fmt.Errorf("count is required for queue")
		}
		if a.Status != "" && !mutation.Status(a.Status).Valid() {
			return fmt.Errorf("unknown status %q", a.Status)
		}
	case AssertRecord:
		if a.ID == "" {
			return fmt.Errorf("id is required for record")
		}
		if a.Status != "" && !mutation.Status(a.Status).Valid() {
			return fmt.Errorf("unknown status %q", a.Status)
		}
	case AssertRemote, AssertItems:
		if _, err := mutation.ParseEntityType(a.Entity); err != nil {
			return err
		}
		if a.Count == nil && a.ID == "" {
			return fmt.Errorf("count or id is required for %s", a.Type)
		}
	case AssertNotifications:
		if a.Kind == "" || a.Count == nil {
			return fmt.Errorf("kind and count are required for notifications")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
