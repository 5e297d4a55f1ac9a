package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMTG-Bham/e2mc2/internal/cluster"
	"github.com/SMTG-Bham/e2mc2/internal/models"
	"github.com/SMTG-Bham/e2mc2/internal/storage"
)

var ceFixture = map[string]string{
	"lat.in":       "4.05 4.05 4.05 90 90 90\n1 0 0\n0 1 0\n0 0 1\n0 0 0 Al,Mg\n",
	"clusters.out": "1\n0\n0\n\n1\n1\n1.0\n0 0 0 0\n",
	"eci.out":      "-1.623710\n0.243466\n",
	"gs_str.out":   "4.05 4.05 4.05 90 90 90\n1 0 0\n0 1 0\n0 0 1\n0 0 0 Al\n",
}

type fixture struct {
	store   *storage.Storage
	run     *models.Run
	rt      *Runtime
	workDir string
}

func newFixture(t *testing.T, binaryScript string) *fixture {
	t.Helper()

	ceDir := t.TempDir()
	for name, contents := range ceFixture {
		require.NoError(t, os.WriteFile(filepath.Join(ceDir, name), []byte(contents), 0644))
	}
	ce, err := cluster.Load(ceDir)
	require.NoError(t, err)

	binary := filepath.Join(t.TempDir(), "emc2-stub")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"+binaryScript), 0755))

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	run := &models.Run{Kind: models.RunKindSweep, Status: models.RunStatusRunning}
	runID, err := store.CreateRun(run)
	require.NoError(t, err)
	run.ID = runID

	workDir := filepath.Join(t.TempDir(), "sweep")
	return &fixture{
		store:   store,
		run:     run,
		rt:      NewRuntime(store, run, ce, binary, workDir),
		workDir: workDir,
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweep.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const stubSuccess = `printf '300 0.5 -1.50\n' > mc.out
`

func TestExecute(t *testing.T) {
	f := newFixture(t, stubSuccess)
	script := writeScript(t, `
function sweep()
    local r = run({T0 = 300, T1 = 900, dT = 100, er = 12})
    log("first step " .. r.status)
    if r.status ~= "complete" then
        fail("first step did not complete")
    end
    run({T0 = 100, T1 = 200, dT = 50, er = 12})
end
`)

	require.NoError(t, f.rt.Execute(context.Background(), script))

	got, err := f.store.GetRun(f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)

	steps, err := f.store.GetStepsForRun(f.run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, step := range steps {
		assert.Equal(t, models.StepStatusComplete, step.Status)
		_, err := os.Stat(filepath.Join(step.WorkDir, "mc.out"))
		assert.NoError(t, err)
	}
	assert.Equal(t, float64(100), steps[1].Options["T0"])

	assert.Equal(t, []string{"first step complete"}, f.rt.Logs())
}

func TestExecuteResultTable(t *testing.T) {
	f := newFixture(t, stubSuccess)
	script := writeScript(t, `
function sweep()
    local r = run({T0 = 300, T1 = 900, dT = 100, er = 12})
    log("mc.out: " .. r.outputs["mc.out"])
end
`)

	require.NoError(t, f.rt.Execute(context.Background(), script))
	require.Len(t, f.rt.Logs(), 1)
	assert.Contains(t, f.rt.Logs()[0], "300 0.5 -1.50")
}

func TestExecuteFailedStepReturnsToScript(t *testing.T) {
	f := newFixture(t, "exit 7\n")
	script := writeScript(t, `
function sweep()
    local r = run({T0 = 300, T1 = 900, dT = 100, er = 12})
    if r.status == "failed" then
        fail("emc2 exit " .. r.exit_code)
    end
end
`)

	err := f.rt.Execute(context.Background(), script)
	require.Error(t, err)

	got, getErr := f.store.GetRun(f.run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, "emc2 exit 7", got.Error)

	steps, err2 := f.store.GetStepsForRun(f.run.ID)
	require.NoError(t, err2)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusFailed, steps[0].Status)
	require.NotNil(t, steps[0].ExitCode)
	assert.Equal(t, 7, *steps[0].ExitCode)
}

func TestExecuteInvalidOptionsFailStep(t *testing.T) {
	f := newFixture(t, stubSuccess)
	script := writeScript(t, `
function sweep()
    local r = run({temperature = 300})
    if r.error == nil then
        fail("expected a validation error")
    end
    log("rejected: " .. r.status)
end
`)

	require.NoError(t, f.rt.Execute(context.Background(), script))
	require.Len(t, f.rt.Logs(), 1)
	assert.Equal(t, "rejected: failed", f.rt.Logs()[0])
}

func TestExecuteRequiresSweepFunction(t *testing.T) {
	f := newFixture(t, stubSuccess)
	script := writeScript(t, `x = 1`)

	err := f.rt.Execute(context.Background(), script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must define a 'sweep' function")

	got, getErr := f.store.GetRun(f.run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.RunStatusFailed, got.Status)
}

func TestIsSweepScript(t *testing.T) {
	assert.True(t, IsSweepScript("scan.lua"))
	assert.False(t, IsSweepScript("scan.yaml"))
}
