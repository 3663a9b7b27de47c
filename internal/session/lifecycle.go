package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// HibernateSession snapshots an active session and stops its container.
// Hibernating an already hibernated session is a no-op.
func (m *Manager) HibernateSession(ctx context.Context, id string) (*models.Session, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.hibernate(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) hibernate(ctx context.Context, s *models.Session) error {
	switch {
	case s.Status == models.StatusHibernated:
		return nil
	case s.Status.Terminal():
		return fmt.Errorf("%w: session is %s", models.ErrSessionUnusable, s.Status)
	case s.Status == models.StatusPending:
		return fmt.Errorf("%w: pending sessions cannot hibernate", models.ErrInvalidTransition)
	}

	log := m.log.With(zap.String("session_id", s.ID))
	c, err := m.orch.Get(ctx, s.ContainerID)
	if err != nil && !errors.Is(err, models.ErrContainerNotFound) {
		return err
	}

	if c != nil {
		// Refresh the sealed state while the browser still answers.
		if err := m.orch.HealthCheck(ctx, c.ID); err == nil {
			if state, err := m.orch.ExtractState(ctx, c.ID); err != nil {
				log.Warn("state refresh before hibernation failed", zap.Error(err))
			} else if m.hasAuthCookie(state) {
				if err := m.seal(s, state); err != nil {
					return err
				}
			}
		}

		if err := m.orch.MarkHibernating(ctx, c.ID); err != nil {
			return err
		}
		if err := m.orch.Teardown(ctx, c.ID); err != nil {
			return err
		}

		key, _, err := m.snapshots.PackAndUpload(ctx, s.UserID, s.ID, c.ProfileDir)
		if err != nil {
			// The earlier snapshot stays in place and remains resumable.
			log.Warn("snapshot before hibernation failed", zap.Error(err))
		} else {
			s.SnapshotKey = key
		}
	}

	m.releaseResources(ctx, s)
	s.Status = models.StatusHibernated
	if err := m.save(ctx, s); err != nil {
		return err
	}
	log.Info("session hibernated")
	return nil
}

// ResumeSession restores a hibernated session into a new container.
// Resuming an active session is a no-op.
func (m *Manager) ResumeSession(ctx context.Context, id string) (*models.Session, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == models.StatusActive:
		return s, nil
	case s.Status.Terminal():
		return nil, fmt.Errorf("%w: session is %s", models.ErrSessionUnusable, s.Status)
	case s.Status != models.StatusHibernated:
		return nil, fmt.Errorf("%w: cannot resume a %s session", models.ErrInvalidTransition, s.Status)
	}

	if m.now().After(s.ExpiresAt) {
		m.expire(ctx, s)
		return nil, fmt.Errorf("%w: session expired", models.ErrSessionUnusable)
	}

	if err := m.resume(ctx, s); err != nil {
		if errors.Is(err, models.ErrSnapshotNotFound) {
			m.fail(ctx, s, err)
		} else {
			m.releaseResources(context.WithoutCancel(ctx), s)
			m.recordFailure(ctx, s, err)
		}
		return nil, err
	}

	m.log.Info("session resumed", zap.String("session_id", s.ID), zap.String("engine", string(s.Engine)))
	return s, nil
}

func (m *Manager) resume(ctx context.Context, s *models.Session) error {
	if s.SnapshotKey == "" {
		return fmt.Errorf("%w: session has no snapshot", models.ErrSnapshotNotFound)
	}

	// A container left over from a failed teardown must not coexist with
	// the new one.
	m.releaseResources(ctx, s)

	profileDir := m.newProfileDir(s.ID)
	if err := m.snapshots.DownloadAndUnpack(ctx, s.SnapshotKey, profileDir); err != nil {
		return err
	}

	state, err := m.unseal(s)
	if err != nil {
		return err
	}

	engines, err := m.engineOrder(s.Engine)
	if err != nil {
		return err
	}
	c, err := m.bringUp(ctx, s, engines, profileDir)
	if err != nil {
		return err
	}
	if err := m.orch.ReplayState(ctx, c.ID, state); err != nil {
		return err
	}

	now := m.now()
	s.Status = models.StatusActive
	s.FailedAttempts = 0
	s.Error = ""
	s.LastRefreshAt = &now
	return m.save(ctx, s)
}

// ExpireStale expires every non-terminal session past its deadline and
// returns how many were expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	list, err := m.sessions.ListExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, candidate := range list {
		unlock, err := m.locks.Lock(ctx, candidate.ID)
		if err != nil {
			return n, err
		}
		s, err := m.sessions.GetSession(ctx, candidate.ID)
		if err == nil && !s.Status.Terminal() && m.now().After(s.ExpiresAt) {
			m.expire(ctx, s)
			n++
		}
		unlock()
	}
	return n, nil
}

func (m *Manager) expire(ctx context.Context, s *models.Session) {
	m.releaseResources(ctx, s)
	if s.SnapshotKey != "" {
		if err := m.snapshots.Delete(ctx, s.SnapshotKey); err != nil {
			m.log.Warn("failed to delete snapshot", zap.String("session_id", s.ID), zap.Error(err))
		}
		s.SnapshotKey = ""
	}
	s.Status = models.StatusExpired
	if err := m.save(ctx, s); err != nil {
		m.log.Error("failed to record expiry", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	m.log.Info("session expired", zap.String("session_id", s.ID))
}

// HibernateIdle hibernates active sessions without recent activity.
func (m *Manager) HibernateIdle(ctx context.Context) (int, error) {
	if m.cfg.IdleTimeout <= 0 {
		return 0, nil
	}
	list, err := m.sessions.ListSessions(ctx, store.SessionFilter{Status: models.StatusActive})
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	n := 0
	for _, s := range list {
		if s.LastRefreshAt != nil && s.LastRefreshAt.After(cutoff) {
			continue
		}
		done, err := m.hibernateIf(ctx, s.ID, func(cur *models.Session) bool {
			return cur.Status == models.StatusActive && (cur.LastRefreshAt == nil || !cur.LastRefreshAt.After(cutoff))
		})
		if err != nil {
			m.log.Warn("idle hibernation failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}

// CheckHealth probes the containers of active sessions and hibernates the
// sessions whose container no longer responds.
func (m *Manager) CheckHealth(ctx context.Context) (int, error) {
	list, err := m.sessions.ListSessions(ctx, store.SessionFilter{Status: models.StatusActive})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range list {
		probeErr := m.orch.HealthCheck(ctx, s.ContainerID)
		if probeErr == nil {
			continue
		}
		m.log.Warn("container unhealthy, hibernating session",
			zap.String("session_id", s.ID), zap.Error(probeErr))
		done, err := m.hibernateIf(ctx, s.ID, func(cur *models.Session) bool {
			return cur.Status == models.StatusActive && cur.ContainerID == s.ContainerID
		})
		if err != nil {
			m.log.Warn("hibernation after failed probe did not complete", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}

// hibernateIf re-reads the session under its lock and hibernates it when
// cond still holds.
func (m *Manager) hibernateIf(ctx context.Context, id string, cond func(*models.Session) bool) (bool, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if !cond(s) {
		return false, nil
	}
	return true, m.hibernate(ctx, s)
}
