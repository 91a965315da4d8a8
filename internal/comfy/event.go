package comfy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// EventType is the "type" discriminator of a text frame.
type EventType string

const (
	EventStatus               EventType = "status"
	EventProgress             EventType = "progress"
	EventExecuting            EventType = "executing"
	EventExecuted             EventType = "executed"
	EventExecutionSuccess     EventType = "execution_success"
	EventExecutionComplete    EventType = "execution_complete"
	EventExecutionError       EventType = "execution_error"
	EventExecutionInterrupted EventType = "execution_interrupted"
)

// Event is one decoded text frame. The concrete type is one of the variants
// below; anything the relay does not interpret becomes an UnknownEvent.
type Event interface {
	Type() EventType
}

type StatusEvent struct {
	SessionID      string
	QueueRemaining int
}

type ProgressEvent struct {
	Value int
	Max   int
	Node  string
}

// Percent returns value/max as a whole percentage, 0 when max is unknown.
func (e ProgressEvent) Percent() int {
	if e.Max <= 0 {
		return 0
	}
	return e.Value * 100 / e.Max
}

type ExecutingEvent struct {
	Node     string
	PromptID string
}

type ExecutedEvent struct {
	Node     string
	PromptID string
}

// SuccessEvent covers both execution_success and execution_complete.
type SuccessEvent struct {
	Kind     EventType
	PromptID string
}

type ErrorEvent struct {
	PromptID string
	Node     string
	NodeType string
	Message  string
}

// InterruptedEvent reports that the backend stopped the prompt on request.
type InterruptedEvent struct {
	PromptID string
	Node     string
}

type UnknownEvent struct {
	Kind EventType
}

func (StatusEvent) Type() EventType      { return EventStatus }
func (ProgressEvent) Type() EventType    { return EventProgress }
func (ExecutingEvent) Type() EventType   { return EventExecuting }
func (ExecutedEvent) Type() EventType    { return EventExecuted }
func (e SuccessEvent) Type() EventType   { return e.Kind }
func (ErrorEvent) Type() EventType       { return EventExecutionError }
func (InterruptedEvent) Type() EventType { return EventExecutionInterrupted }
func (e UnknownEvent) Type() EventType   { return e.Kind }

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	SID      string          `json:"sid"`
	Node     json.RawMessage `json:"node"`
	NodeID   json.RawMessage `json:"node_id"`
	NodeType string          `json:"node_type"`
	PromptID string          `json:"prompt_id"`
	Value    float64         `json:"value"`
	Max      float64         `json:"max"`
	Message  *string         `json:"exception_message"`
	Status   struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

// ParseEvent decodes a text frame into its Event variant.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}

	switch env.Type {
	case EventStatus, EventProgress, EventExecuting, EventExecuted,
		EventExecutionSuccess, EventExecutionComplete, EventExecutionError, EventExecutionInterrupted:
	default:
		return UnknownEvent{Kind: env.Type}, nil
	}

	var d eventData
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := sonic.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", env.Type, err)
		}
	}

	switch env.Type {
	case EventStatus:
		return StatusEvent{SessionID: d.SID, QueueRemaining: d.Status.ExecInfo.QueueRemaining}, nil
	case EventProgress:
		return ProgressEvent{Value: int(d.Value), Max: int(d.Max), Node: nodeID(d.Node)}, nil
	case EventExecuting:
		return ExecutingEvent{Node: nodeID(d.Node), PromptID: d.PromptID}, nil
	case EventExecuted:
		return ExecutedEvent{Node: nodeID(d.Node), PromptID: d.PromptID}, nil
	case EventExecutionError:
		msg := "Unknown error"
		if d.Message != nil {
			msg = *d.Message
		}
		return ErrorEvent{PromptID: d.PromptID, Node: nodeID(d.NodeID), NodeType: d.NodeType, Message: msg}, nil
	case EventExecutionInterrupted:
		return InterruptedEvent{PromptID: d.PromptID, Node: nodeID(d.NodeID)}, nil
	default:
		return SuccessEvent{Kind: env.Type, PromptID: d.PromptID}, nil
	}
}

// nodeID normalises a node reference that may arrive as a string, a number,
// or null.
func nodeID(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := sonic.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return string(raw)
}
