// Package store persists sessions, containers, proxy entries and jobs.
//
// Each entity has exactly one writer component: the session manager
// writes sessions, the orchestrator writes containers, the job queue
// writes jobs and the proxy pool writes proxy health. The interfaces
// below are split along those lines so a component only sees the rows it
// owns plus read access to what it references.
package store

import (
	"context"
	"time"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	UserID string
	Status models.SessionStatus
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	// FindOpenSession returns the user's newest non-terminal session, or
	// nil with no error when there is none.
	FindOpenSession(ctx context.Context, userID string) (*models.Session, error)
	// ListExpired returns non-terminal sessions whose expires_at is before now.
	ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error)
}

type ContainerStore interface {
	SaveContainer(ctx context.Context, c *models.ContainerInstance) error
	GetContainer(ctx context.Context, id string) (*models.ContainerInstance, error)
	ListLiveContainers(ctx context.Context, sessionID string) ([]*models.ContainerInstance, error)
}

type ProxyStore interface {
	UpsertProxy(ctx context.Context, p *models.ProxyEntry) error
	ListProxies(ctx context.Context) ([]*models.ProxyEntry, error)
	UpdateProxyHealth(ctx context.Context, p *models.ProxyEntry) error
}

type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ClaimNextJob marks the unclaimed queued job with the earliest
	// available_at (not after now) as claimed by worker and returns it, or
	// nil when nothing is claimable.
	ClaimNextJob(ctx context.Context, worker string, now time.Time) (*models.Job, error)
	// ReleaseJob drops a claim. The job becomes claimable again at
	// availableAt, behind jobs that became available earlier.
	ReleaseJob(ctx context.Context, id string, resumeAttempts int, availableAt time.Time) error
	// TransitionJob moves a job from one status to another only if it is
	// still in from. It reports whether the row changed.
	TransitionJob(ctx context.Context, id string, from, to models.JobStatus, errMsg string, now time.Time) (bool, error)
}

// Repository is the full relational store collaborator.
type Repository interface {
	SessionStore
	ContainerStore
	ProxyStore
	JobStore
	Ping(ctx context.Context) error
	Close()
}
