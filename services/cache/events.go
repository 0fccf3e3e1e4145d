package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects for refresh lifecycle events published on the bus.
const (
	RefreshStartedSubject  = "invd.refresh.started"
	RefreshFinishedSubject = "invd.refresh.finished"
	HostCollectedSubject   = "invd.host.collected"
)

// Publisher is the event-bus collaborator. A nil Publisher disables
// publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type refreshStartedEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	ScopeKey   string    `json:"scope_key"`
	TotalHosts int       `json:"total_hosts"`
	StartedAt  time.Time `json:"started_at"`
}

type refreshFinishedEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	ScopeKey   string    `json:"scope_key"`
	Status     JobState  `json:"status"`
	Progress   Progress  `json:"progress"`
	Stale      bool      `json:"stale"`
	FinishedAt time.Time `json:"finished_at"`
}

type hostCollectedEvent struct {
	JobID    uuid.UUID    `json:"job_id"`
	ScopeKey string       `json:"scope_key"`
	HostID   string       `json:"host_id"`
	State    HostJobState `json:"state"`
	Error    string       `json:"error,omitempty"`
}
