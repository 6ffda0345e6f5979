package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/testutil"
)

func TestScenarios(t *testing.T) {
	testutil.RequireGit(t)

	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func simpleScenario() *Scenario {
	return &Scenario{
		Name:        "simple",
		Description: "Install a configuration patch",
		Baseline:    "1.0.0",
		Tree:        map[string]string{"etc/app.cfg": "port=8080\n"},
		Patches: map[string]PatchSpec{
			"p1": {
				Descriptor: "id=p1\n",
				Files:      map[string]string{"etc/app.cfg": "port=8181\n"},
			},
		},
		Watch: []string{"etc/app.cfg", "etc/missing.cfg"},
		Flow: []Step{
			{Op: OpAdd, Patches: []string{"p1"}},
			{Op: OpInstall, Patches: []string{"p1"}},
		},
		Assertions: []Assertion{
			{Type: AssertFile, Path: "etc/app.cfg", Content: "port=8181\n"},
			{Type: AssertInstalled, Patch: "p1"},
		},
	}
}

func TestRun_Trace(t *testing.T) {
	testutil.RequireGit(t)

	result, err := Run(simpleScenario())
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 3)
	for i, ev := range result.Trace {
		assert.Equal(t, int64(i), ev.Seq)
		assert.Equal(t, OutcomeOK, ev.Outcome)
	}

	assert.Equal(t, "init", result.Trace[0].Op)
	assert.Equal(t, "baseline-1.0.0", result.Trace[0].Baseline)
	assert.Empty(t, result.Trace[0].Installed)

	install := result.Trace[2]
	assert.Equal(t, []string{"p1"}, install.Installed)
	require.NotNil(t, install.Files["etc/app.cfg"])
	assert.Equal(t, "port=8181\n", *install.Files["etc/app.cfg"])
	assert.Contains(t, install.Files, "etc/missing.cfg")
	assert.Nil(t, install.Files["etc/missing.cfg"])
}

func TestRun_ExpectationMismatch(t *testing.T) {
	testutil.RequireGit(t)

	scenario := simpleScenario()
	scenario.Flow[1].Expect = "ALREADY_INSTALLED"

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[1] install: expected ALREADY_INSTALLED, got ok")
}

func TestRun_FailedAssertions(t *testing.T) {
	testutil.RequireGit(t)

	scenario := simpleScenario()
	scenario.Assertions = []Assertion{
		{Type: AssertFile, Path: "etc/app.cfg", Content: "port=8080\n"},
		{Type: AssertAbsent, Path: "etc/app.cfg"},
		{Type: AssertNotInstalled, Patch: "p1"},
		{Type: AssertBaseline, Version: "2.0.0"},
		{Type: AssertRegistryContains, Action: "start mvn:org.foo/my-bsn/1.3.2"},
		{Type: AssertNoPending},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[0], `Actual: "port=8181\n"`)
	assert.Contains(t, result.Errors[1], "assertions[1]")
	assert.Contains(t, result.Errors[2], "installed=true")
	assert.Contains(t, result.Errors[3], "Expected: 2.0.0")
	assert.Contains(t, result.Errors[4], "assertions[4]")
}

func TestRun_UnknownOpAborts(t *testing.T) {
	testutil.RequireGit(t)

	scenario := simpleScenario()
	scenario.Flow = []Step{{Op: "upgrade"}}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `flow[0] upgrade: unknown op "upgrade"`)
}

func TestAssertionError(t *testing.T) {
	err := &AssertionError{Type: AssertFile, Expected: "a", Actual: "b"}
	assert.Equal(t, "Assertion failed: file\n  Expected: a\n  Actual: b", err.Error())
}
