package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Defaults(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: defaults
steps:
  - {action: sync}
assertions:
  - {type: queue, count: 0}
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultOwner, scenario.owner())
	assert.True(t, scenario.online())
	assert.Equal(t, 3, scenario.maxRetries())
}

func TestParseScenario_Overrides(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: overrides
owner: u7
online: false
max_retries: 5
steps:
  - {action: sync}
assertions:
  - {type: queue, count: 0}
`))
	require.NoError(t, err)

	assert.Equal(t, "u7", scenario.owner())
	assert.False(t, scenario.online())
	assert.Equal(t, 5, scenario.maxRetries())
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "steps: [{action: sync}]\nassertions: [{type: queue, count: 0}]\n",
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			yaml:    "name: x\nassertions: [{type: queue, count: 0}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\nsteps: [{action: sync}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown field",
			yaml:    "name: x\nstep: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown action",
			yaml:    "name: x\nsteps: [{action: upsert}]\nassertions: [{type: queue, count: 0}]\n",
			wantErr: `unknown action "upsert"`,
		},
		{
			name:    "write without id",
			yaml:    "name: x\nsteps: [{action: add, entity: banks}]\nassertions: [{type: queue, count: 0}]\n",
			wantErr: "id is required for add",
		},
		{
			name:    "unknown entity",
			yaml:    "name: x\nsteps: [{action: add, entity: invoices, id: i1}]\nassertions: [{type: queue, count: 0}]\n",
			wantErr: "invoices",
		},
		{
			name:    "fail without count",
			yaml:    "name: x\nsteps: [{action: fail, id: t1}]\nassertions: [{type: queue, count: 0}]\n",
			wantErr: "times > 0 or always",
		},
		{
			name:    "bad duration",
			yaml:    "name: x\nsteps: [{action: advance, duration: soon}]\nassertions: [{type: queue, count: 0}]\n",
			wantErr: "advance",
		},
		{
			name:    "queue without count",
			yaml:    "name: x\nsteps: [{action: sync}]\nassertions: [{type: queue}]\n",
			wantErr: "count is required for queue",
		},
		{
			name:    "unknown status",
			yaml:    "name: x\nsteps: [{action: sync}]\nassertions: [{type: queue, status: done, count: 1}]\n",
			wantErr: `unknown status "done"`,
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\nsteps: [{action: sync}]\nassertions: [{type: trace_order}]\n",
			wantErr: `unknown assertion type "trace_order"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
