package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMTG-Bham/e2mc2/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStorage(t)

	run := &models.Run{
		Label:      "MgAl2O4 scan",
		Kind:       models.RunKindSingle,
		PresetName: "coarse-scan",
		CEDir:      "/data/ce",
		Status:     models.RunStatusPending,
		Options:    map[string]any{"T0": 300.0, "T1": 900.0, "dT": 50.0, "er": 12.0},
	}

	id, err := s.CreateRun(run)
	require.NoError(t, err)
	run.ID = id

	got, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "MgAl2O4 scan", got.Label)
	assert.Equal(t, models.RunKindSingle, got.Kind)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.Equal(t, run.Options, got.Options)
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.CompletedAt)

	now := time.Now()
	exitCode := 0
	run.Status = models.RunStatusComplete
	run.CompletedAt = &now
	run.ExitCode = &exitCode
	run.WorkDir = "/data/workspaces/run-1"
	run.ArchivePath = "/data/archives/run-1.tar"
	require.NoError(t, s.UpdateRun(run))

	got, err = s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "/data/workspaces/run-1", got.WorkDir)
	assert.Equal(t, "/data/archives/run-1.tar", got.ArchivePath)
}

func TestListRuns(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 3; i++ {
		_, err := s.CreateRun(&models.Run{Kind: models.RunKindSingle, Status: models.RunStatusPending})
		require.NoError(t, err)
	}

	runs, err := s.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first
	assert.Greater(t, runs[0].ID, runs[1].ID)
}

func TestSteps(t *testing.T) {
	s := newTestStorage(t)

	runID, err := s.CreateRun(&models.Run{Kind: models.RunKindSweep, Status: models.RunStatusRunning})
	require.NoError(t, err)

	step := &models.Step{
		RunID:       runID,
		SequenceNum: 1,
		WorkDir:     "/tmp/sweep/step-001",
		Status:      models.StepStatusPending,
		Options:     map[string]any{"T0": 300.0, "T1": 400.0, "dT": 50.0, "er": 12.0},
	}
	stepID, err := s.CreateStep(step)
	require.NoError(t, err)
	step.ID = stepID

	started := time.Now()
	completed := started.Add(3 * time.Second)
	exitCode := 0
	step.Status = models.StepStatusComplete
	step.StartedAt = &started
	step.CompletedAt = &completed
	step.ExitCode = &exitCode
	require.NoError(t, s.UpdateStep(step))

	steps, err := s.GetStepsForRun(runID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].SequenceNum)
	assert.Equal(t, models.StepStatusComplete, steps[0].Status)
	assert.Equal(t, step.Options, steps[0].Options)
	require.NotNil(t, steps[0].ExitCode)
	assert.Equal(t, 0, *steps[0].ExitCode)
}

func TestDeleteRunRemovesSteps(t *testing.T) {
	s := newTestStorage(t)

	runID, err := s.CreateRun(&models.Run{Kind: models.RunKindSweep, Status: models.RunStatusRunning})
	require.NoError(t, err)
	_, err = s.CreateStep(&models.Step{RunID: runID, SequenceNum: 1, Status: models.StepStatusPending})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRun(runID))

	_, err = s.GetRun(runID)
	assert.Error(t, err)

	steps, err := s.GetStepsForRun(runID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}
