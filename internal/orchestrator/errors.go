package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrRunInProgress  = errors.New("workflow is already running")
	ErrOverallTimeout = errors.New("workflow timed out")
	ErrInterrupted    = errors.New("execution interrupted")
)

// ExecutionError is a failure reported by the backend while running a prompt.
type ExecutionError struct {
	PromptID string
	Node     string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("execution error in node %s (%s): %s", e.Node, e.NodeType, e.Message)
	}
	return fmt.Sprintf("execution error: %s", e.Message)
}
