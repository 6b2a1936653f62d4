// Package state persists workflow run state so interrupted runs can be
// inspected and resumed. Each run directory holds its own state.db.
package state

import (
	"time"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// StepRecord is the persisted outcome of one executed step.
type StepRecord struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"` // "success" or "failed"
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Step record statuses.
const (
	StepStatusSuccess = "success"
	StepStatusFailed  = "failed"
)

// RunState is a full snapshot of a run's persisted state.
type RunState struct {
	RunID           string                `json:"run_id"`
	Workflow        string                `json:"workflow"`
	Flow            string                `json:"flow"`
	Status          schema.RunStatus      `json:"status"`
	ErrorFlowTarget string                `json:"error_flow_target,omitempty"`
	Steps           map[string]StepRecord `json:"steps"`
	Retries         map[string]int        `json:"retries,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Event is one entry in the per-run event history.
type Event struct {
	ID        int64          `json:"id"`
	Step      string         `json:"step,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
}
