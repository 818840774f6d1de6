package events

import (
	"time"
)

const (
	EventPoolReady     = "pool_ready"
	EventPoolFailed    = "pool_failed"
	EventPoolStopped   = "pool_stopped"
	EventJobDeadLetter = "job_dead_lettered"
	EventLeaderElected = "leader_elected"
)

// Event is a lifecycle notification for external observers. Events are
// advisory: orchestration never depends on their delivery.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PoolId     string    `json:"pool_id,omitempty"`
	JobId      string    `json:"job_id,omitempty"`
	LeaseId    string    `json:"lease_id,omitempty"`
	ModelId    string    `json:"model_id,omitempty"`
	AdapterId  string    `json:"adapter_id,omitempty"`
	HolderId   string    `json:"holder_id,omitempty"`
	Message    string    `json:"message,omitempty"`
}

type Publisher interface {
	Publish(event *Event) error
}

// NoopPublisher drops all events, used when no NATS servers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(event *Event) error {
	return nil
}
