package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// SessionReader looks up the session a job is bound to.
type SessionReader interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// Queue accepts jobs and persists them for the dispatcher.
type Queue struct {
	jobs     store.JobStore
	sessions SessionReader
	registry *Registry
	log      *zap.Logger
	now      func() time.Time
}

func NewQueue(jobs store.JobStore, sessions SessionReader, registry *Registry, logger *zap.Logger) *Queue {
	return &Queue{
		jobs:     jobs,
		sessions: sessions,
		registry: registry,
		log:      logger.Named("jobs"),
		now:      time.Now,
	}
}

// Enqueue records a queued job. The session must belong to the caller.
// It is not required to be active; the dispatcher resumes or rejects it.
func (q *Queue) Enqueue(ctx context.Context, req models.EnqueueJobRequest) (*models.Job, error) {
	if req.UserID == "" || req.SessionID == "" || req.Type == "" {
		return nil, fmt.Errorf("%w: userId, sessionId and type are required", models.ErrInvalidArgument)
	}
	if _, ok := q.registry.Lookup(req.Type); !ok {
		return nil, fmt.Errorf("%w: unknown job type %q", models.ErrInvalidArgument, req.Type)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", models.ErrInvalidArgument)
	}

	s, err := q.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != req.UserID {
		return nil, models.ErrSessionNotFound
	}

	now := q.now()
	job := &models.Job{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Payload:   req.Payload,
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.String("type", job.Type))
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.jobs.GetJob(ctx, id)
}
