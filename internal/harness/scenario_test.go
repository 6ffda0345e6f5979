package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

const minimalScenario = `name: minimal
description: "Add one patch"
baseline: 1.0.0
tree:
  etc/app.cfg: "port=8080\n"
patches:
  p1:
    descriptor: "id=p1\n"
flow:
  - op: add
    patches: [p1]
assertions:
  - type: no_pending
`

func TestLoadScenario_Valid(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "1.0.0", s.Baseline)
	assert.Equal(t, "port=8080\n", s.Tree["etc/app.cfg"])
	require.Len(t, s.Flow, 1)
	assert.Equal(t, OpAdd, s.Flow[0].Op)
	assert.Equal(t, []string{"p1"}, s.Flow[0].Patches)
	assert.Equal(t, "id=p1\n", s.Patches["p1"].Descriptor)
}

func TestLoadScenario_TestdataScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)
			assert.Equal(t, filepath.Base(file), s.Name+".yaml")
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	_, err := LoadScenario(writeScenario(t, minimalScenario+"assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		scenario Scenario
		wantErr  string
	}{
		{
			name:     "missing name",
			scenario: Scenario{Description: "d", Baseline: "1.0.0"},
			wantErr:  "name is required",
		},
		{
			name:     "missing baseline",
			scenario: Scenario{Name: "n", Description: "d"},
			wantErr:  "baseline is required",
		},
		{
			name:     "empty flow",
			scenario: Scenario{Name: "n", Description: "d", Baseline: "1.0.0"},
			wantErr:  "flow list is required",
		},
		{
			name: "undefined patch",
			scenario: Scenario{
				Name: "n", Description: "d", Baseline: "1.0.0",
				Flow:       []Step{{Op: OpAdd, Patches: []string{"p9"}}},
				Assertions: []Assertion{{Type: AssertNoPending}},
			},
			wantErr: `patch "p9" is not defined`,
		},
		{
			name: "rollback of two patches",
			scenario: Scenario{
				Name: "n", Description: "d", Baseline: "1.0.0",
				Flow:       []Step{{Op: OpRollback, Patches: []string{"p1", "p2"}}},
				Assertions: []Assertion{{Type: AssertNoPending}},
			},
			wantErr: "rollback takes exactly one patch",
		},
		{
			name: "unknown op",
			scenario: Scenario{
				Name: "n", Description: "d", Baseline: "1.0.0",
				Flow:       []Step{{Op: "upgrade"}},
				Assertions: []Assertion{{Type: AssertNoPending}},
			},
			wantErr: `unknown op "upgrade"`,
		},
		{
			name: "edit escaping the installation",
			scenario: Scenario{
				Name: "n", Description: "d", Baseline: "1.0.0",
				Flow:       []Step{{Op: OpEdit, Files: map[string]string{"../outside": "x"}}},
				Assertions: []Assertion{{Type: AssertNoPending}},
			},
			wantErr: `invalid path "../outside"`,
		},
		{
			name: "module assertion without version",
			scenario: Scenario{
				Name: "n", Description: "d", Baseline: "1.0.0",
				Flow:       []Step{{Op: OpTrack}},
				Assertions: []Assertion{{Type: AssertModule, Name: "my-bsn"}},
			},
			wantErr: "name and version are required",
		},
		{
			name: "unknown assertion",
			scenario: Scenario{
				Name: "n", Description: "d", Baseline: "1.0.0",
				Flow:       []Step{{Op: OpTrack}},
				Assertions: []Assertion{{Type: "trace_contains"}},
			},
			wantErr: `unknown assertion type "trace_contains"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateScenario(&tt.scenario)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidatePath(t *testing.T) {
	for _, rel := range []string{"etc/app.cfg", "bin/start", "system/org/foo/a.jar", "etc/../bin/start"} {
		assert.NoError(t, validatePath(rel), rel)
	}
	for _, rel := range []string{"", ".", "..", "../etc", "/etc/passwd", "etc/../../x"} {
		assert.Error(t, validatePath(rel), rel)
	}
}
