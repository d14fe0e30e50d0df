// Package config loads tally's YAML configuration. The file is validated and
// completed with defaults by an embedded CUE schema before it is decoded.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Remote kinds.
const (
	RemoteMemory   = "memory"
	RemotePostgres = "postgres"
)

// Config is the resolved configuration.
type Config struct {
	Database string
	Owner    string
	Listen   string
	Offline  bool
	Remote   Remote
	Sync     Sync
	Cache    Cache
	Log      Log
}

// Remote selects and configures the remote store.
type Remote struct {
	Kind    string
	DSN     string
	Timeout time.Duration
}

// Sync configures the synchronization engine.
type Sync struct {
	MaxRetries int
	Workers    int
	Interval   time.Duration
	Debounce   time.Duration
	Retention  time.Duration
	PruneEvery time.Duration
}

// Cache configures the read-through cache.
type Cache struct {
	TTL time.Duration
}

// Log configures the slog handler.
type Log struct {
	Level  string
	Format string
}

// Error is a configuration error with the offending path and, when known,
// the source position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the configuration an empty file resolves to.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		// The embedded schema is static; a failure here is a build defect.
		panic(fmt.Sprintf("config: default configuration: %v", err))
	}
	return cfg
}

// Load reads and resolves the file at path. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse resolves YAML data against the schema.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Field: "yaml", Message: err.Error()}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	out, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var f file
	if err := json.Unmarshal(out, &f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return f.resolve()
}

// file mirrors the schema's concrete output; durations are still strings.
type file struct {
	Database string `json:"database"`
	Owner    string `json:"owner"`
	Listen   string `json:"listen"`
	Offline  bool   `json:"offline"`
	Remote   struct {
		Kind    string `json:"kind"`
		DSN     string `json:"dsn"`
		Timeout string `json:"timeout"`
	} `json:"remote"`
	Sync struct {
		MaxRetries int    `json:"max_retries"`
		Workers    int    `json:"workers"`
		Interval   string `json:"interval"`
		Debounce   string `json:"debounce"`
		Retention  string `json:"retention"`
		PruneEvery string `json:"prune_every"`
	} `json:"sync"`
	Cache struct {
		TTL string `json:"ttl"`
	} `json:"cache"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

func (f *file) resolve() (*Config, error) {
	cfg := &Config{
		Database: f.Database,
		Owner:    f.Owner,
		Listen:   f.Listen,
		Offline:  f.Offline,
		Remote:   Remote{Kind: f.Remote.Kind, DSN: f.Remote.DSN},
		Sync:     Sync{MaxRetries: f.Sync.MaxRetries, Workers: f.Sync.Workers},
		Log:      Log{Level: f.Log.Level, Format: f.Log.Format},
	}
	durations := []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"remote.timeout", f.Remote.Timeout, &cfg.Remote.Timeout},
		{"sync.interval", f.Sync.Interval, &cfg.Sync.Interval},
		{"sync.debounce", f.Sync.Debounce, &cfg.Sync.Debounce},
		{"sync.retention", f.Sync.Retention, &cfg.Sync.Retention},
		{"sync.prune_every", f.Sync.PruneEvery, &cfg.Sync.PruneEvery},
		{"cache.ttl", f.Cache.TTL, &cfg.Cache.TTL},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, &Error{Field: d.field, Message: err.Error()}
		}
		*d.dst = parsed
	}
	return cfg, nil
}

// formatCUEError reports the first CUE error with its path and position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Field: "cue", Message: err.Error()}
	}
	first := errs[0]
	path := first.Path()
	if len(path) > 0 && path[0] == "#Config" {
		path = path[1:]
	}
	field := strings.Join(path, ".")
	if field == "" {
		field = "cue"
	}
	format, args := first.Msg()
	e := &Error{Field: field, Message: fmt.Sprintf(format, args...)}
	if positions := errors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}
