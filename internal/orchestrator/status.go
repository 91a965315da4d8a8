package orchestrator

import (
	"encoding/json"
	"time"
)

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusError
	StatusUnknown
)

var statusNames = map[Status]string{
	StatusIdle:      "idle",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusError:     "error",
	StatusUnknown:   "unknown",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is an immutable view of the current run. Readers get it without
// blocking the event pump.
type Snapshot struct {
	Status    Status    `json:"status"`
	PromptID  string    `json:"prompt_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result classifies how a submission ended.
type Result string

const (
	ResultCompleted       Result = "completed"
	ResultNoArtifact      Result = "completed_no_artifact"
	ResultExecutionError  Result = "execution_error"
	ResultInterrupted     Result = "interrupted"
	ResultConnectionLost  Result = "connection_lost"
	ResultUnknown         Result = "unknown"
	ResultSubmissionError Result = "submission_error"
	ResultConnectError    Result = "connect_error"
	ResultTimeout         Result = "timeout"
)
