package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

type RunKind string

const (
	RunKindSingle RunKind = "single"
	RunKindSweep  RunKind = "sweep"
)

// Run is one tracked emc2 calculation, or one scripted sweep of them.
type Run struct {
	ID          int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	Label       string
	Kind        RunKind
	PresetName  string
	CEDir       string
	WorkDir     string
	ArchivePath string
	Status      RunStatus
	ExitCode    *int
	Error       string
	Options     map[string]any
}
