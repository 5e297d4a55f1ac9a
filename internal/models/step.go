package models

import "time"

type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusComplete StepStatus = "complete"
	StepStatusFailed   StepStatus = "failed"
)

// Step is a single emc2 invocation inside a sweep run.
type Step struct {
	ID          int64
	RunID       int64
	SequenceNum int
	WorkDir     string
	Status      StepStatus
	ExitCode    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Options     map[string]any
}
