package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Memory is an in-process Repository. Values are copied on the way in and
// out so callers never share mutable rows.
type Memory struct {
	mu         sync.RWMutex
	sessions   map[string]models.Session
	containers map[string]models.ContainerInstance
	proxies    map[string]models.ProxyEntry
	jobs       map[string]models.Job
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]models.Session),
		containers: make(map[string]models.ContainerInstance),
		proxies:    make(map[string]models.ProxyEntry),
		jobs:       make(map[string]models.Job),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return &s, nil
}

func (m *Memory) UpdateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return models.ErrSessionNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, s := range m.sessions {
		if filter.UserID != "" && s.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindOpenSession(ctx context.Context, userID string) (*models.Session, error) {
	all, err := m.ListSessions(ctx, SessionFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if !s.Status.Terminal() {
			return s, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, s := range m.sessions {
		if s.Status.Terminal() || !s.ExpiresAt.Before(now) {
			continue
		}
		s := s
		out = append(out, &s)
	}
	return out, nil
}

func (m *Memory) SaveContainer(ctx context.Context, c *models.ContainerInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.ID] = *c
	return nil
}

func (m *Memory) GetContainer(ctx context.Context, id string) (*models.ContainerInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, models.ErrContainerNotFound
	}
	return &c, nil
}

func (m *Memory) ListLiveContainers(ctx context.Context, sessionID string) ([]*models.ContainerInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ContainerInstance
	for _, c := range m.containers {
		if c.SessionID == sessionID && c.State.Live() {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) UpsertProxy(ctx context.Context, p *models.ProxyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies[p.ID] = *p
	return nil
}

func (m *Memory) ListProxies(ctx context.Context) ([]*models.ProxyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ProxyEntry, 0, len(m.proxies))
	for _, p := range m.proxies {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateProxyHealth(ctx context.Context, p *models.ProxyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.proxies[p.ID]
	if !ok {
		return models.ErrProxyNotFound
	}
	cur.SuccessCount = p.SuccessCount
	cur.FailureCount = p.FailureCount
	cur.HealthScore = p.HealthScore
	cur.IsActive = p.IsActive
	m.proxies[p.ID] = cur
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = cp.CreatedAt
	}
	m.jobs[j.ID] = cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return &j, nil
}

func (m *Memory) ClaimNextJob(ctx context.Context, worker string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobQueued || j.ClaimedBy != "" || j.AvailableAt.After(now) {
			continue
		}
		if next == nil || j.AvailableAt.Before(next.AvailableAt) ||
			(j.AvailableAt.Equal(next.AvailableAt) && j.CreatedAt.Before(next.CreatedAt)) {
			j := j
			next = &j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.ClaimedBy = worker
	next.ClaimedAt = &now
	next.UpdatedAt = now
	m.jobs[next.ID] = *next
	out := *next
	return &out, nil
}

func (m *Memory) ReleaseJob(ctx context.Context, id string, resumeAttempts int, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.ResumeAttempts = resumeAttempts
	j.AvailableAt = availableAt
	m.jobs[id] = j
	return nil
}

func (m *Memory) TransitionJob(ctx context.Context, id string, from, to models.JobStatus, errMsg string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, models.ErrJobNotFound
	}
	if j.Status != from {
		return false, nil
	}
	j.Status = to
	j.Error = errMsg
	j.UpdatedAt = now
	if to.Terminal() {
		j.FinishedAt = &now
	}
	m.jobs[id] = j
	return true, nil
}
