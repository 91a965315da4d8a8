package ws

import "time"

// MessageType tags the messages the relay itself originates. Upstream frames
// are forwarded untouched and never wrapped.
type MessageType string

const (
	MsgImageGenerated MessageType = "image_generated"
	MsgBackendHealth  MessageType = "backend_health"
)

// ImageGeneratedMessage announces a resolved output image. The flat layout
// and the STATUS key are what existing subscribers parse.
type ImageGeneratedMessage struct {
	Status        string      `json:"STATUS"`
	Type          MessageType `json:"type"`
	ImageFilename string      `json:"image_filename"`
	ImageURL      string      `json:"image_url"`
	PromptID      string      `json:"prompt_id"`
}

func NewImageGenerated(filename, url, promptID string) ImageGeneratedMessage {
	return ImageGeneratedMessage{
		Status:        "Workflow completed successfully",
		Type:          MsgImageGenerated,
		ImageFilename: filename,
		ImageURL:      url,
		PromptID:      promptID,
	}
}

// HealthStatus is the backend liveness reported by the health monitor.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

type BackendHealthMessage struct {
	Type                MessageType  `json:"type"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	CheckedAt           time.Time    `json:"checked_at"`
}
