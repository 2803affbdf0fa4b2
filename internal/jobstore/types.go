// Package jobstore records queued job lifecycles so asynchronous callers
// can poll for results.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// rank orders statuses so late or reordered events never move a record
// backwards.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusSucceeded, StatusFailed:
		return 3
	default:
		return 0
	}
}

func (s Status) Terminal() bool { return s.rank() == 3 }

// Record is one job as seen by a poller.
type Record struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`
	Provider   string          `json:"provider,omitempty"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	EndedAt    time.Time       `json:"ended_at,omitzero"`
}

// Store persists job records. Save upserts by ID.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	Close() error
}
