// Package queue runs recommendation generation jobs off the update loop.
package queue

import (
	"context"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job asks for generation of one completed conversation. ChatID is where
// the result is delivered.
type Job struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	ChatID         int64 `json:"chatId"`
}

type JobStatus struct {
	ID           string    `json:"id"`
	Job          Job       `json:"job"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A returned error marks the attempt failed.
type Handler func(context.Context, JobStatus) error

// Queue accepts generation jobs and dispatches them to a handler.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (JobStatus, error)
	GetJob(ctx context.Context, jobID string) (JobStatus, bool, error)
	Start(ctx context.Context, concurrency int, handler Handler)
}
