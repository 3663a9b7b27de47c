// Package session owns the session lifecycle. It is the only writer of
// session records; container state belongs to the orchestrator.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/browser"
	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Orchestrator is the container side of a session.
type Orchestrator interface {
	Has(kind models.Engine) bool
	Provision(ctx context.Context, req browser.ProvisionRequest) (*models.ContainerInstance, error)
	Teardown(ctx context.Context, containerID string) error
	MarkHibernating(ctx context.Context, containerID string) error
	HealthCheck(ctx context.Context, containerID string) error
	Get(ctx context.Context, containerID string) (*models.ContainerInstance, error)
	LiveContainers(ctx context.Context, sessionID string) ([]*models.ContainerInstance, error)
	ExtractState(ctx context.Context, containerID string) (*models.BrowserState, error)
	ReplayState(ctx context.Context, containerID string, state *models.BrowserState) error
}

type Snapshots interface {
	PackAndUpload(ctx context.Context, userID, sessionID, sourceDir string) (string, int64, error)
	DownloadAndUnpack(ctx context.Context, key, destDir string) error
	Delete(ctx context.Context, key string) error
}

type Proxies interface {
	Acquire(ctx context.Context) (*models.ProxyEntry, error)
	Release(entryID string)
	Reserve(entryID string)
}

type Sealer interface {
	SealJSON(v any) (string, error)
	OpenJSON(ciphertext string, v any) error
}

// StartOptions selects the streaming runtime and hosting engine.
type StartOptions struct {
	StreamMode string
	Engine     models.Engine
}

// ViewerStatus is what the login viewer polls while the user signs in.
type ViewerStatus struct {
	SessionID string                `json:"sessionId"`
	Status    models.SessionStatus  `json:"status"`
	Container models.ContainerState `json:"container"`
	StreamURL string                `json:"streamUrl,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type Manager struct {
	sessions  store.SessionStore
	orch      Orchestrator
	snapshots Snapshots
	proxies   Proxies
	sealer    Sealer
	cfg       config.SessionConfig
	engines   []models.Engine
	locks     *keyedLock
	slots     *userSlots
	now       func() time.Time
	log       *zap.Logger
}

func NewManager(
	sessions store.SessionStore,
	orch Orchestrator,
	snapshots Snapshots,
	proxies Proxies,
	sealer Sealer,
	cfg config.SessionConfig,
	orchCfg config.OrchestratorConfig,
	logger *zap.Logger,
) *Manager {
	engines := []models.Engine{orchCfg.DefaultEngine}
	engines = append(engines, orchCfg.FallbackEngines...)

	return &Manager{
		sessions:  sessions,
		orch:      orch,
		snapshots: snapshots,
		proxies:   proxies,
		sealer:    sealer,
		cfg:       cfg,
		engines:   engines,
		locks:     newKeyedLock(),
		slots:     newUserSlots(cfg.MaxPerUser),
		now:       time.Now,
		log:       logger.Named("session"),
	}
}

// Recover restores proxy leases held by sessions that were live before a
// restart.
func (m *Manager) Recover(ctx context.Context) error {
	for _, status := range []models.SessionStatus{models.StatusPending, models.StatusActive} {
		list, err := m.sessions.ListSessions(ctx, store.SessionFilter{Status: status})
		if err != nil {
			return err
		}
		for _, s := range list {
			m.proxies.Reserve(s.ProxyID)
		}
	}
	return nil
}

// StartSession creates a pending session with a fresh container the user
// can log in through.
func (m *Manager) StartSession(ctx context.Context, userID string, opts StartOptions) (*models.Session, *models.ContainerInstance, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	runtime, ok := models.RuntimeForStreamMode(opts.StreamMode)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unsupported stream mode %q", models.ErrInvalidArgument, opts.StreamMode)
	}
	engines, err := m.engineOrder(opts.Engine)
	if err != nil {
		return nil, nil, err
	}

	if !m.slots.tryAcquire(userID) {
		return nil, nil, fmt.Errorf("%w: session creation already in progress", models.ErrSessionConflict)
	}
	defer m.slots.release(userID)

	s, err := m.createPending(ctx, userID, runtime, engines[0], models.LoginStreamed)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := m.locks.Lock(ctx, s.ID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	c, err := m.bringUp(ctx, s, engines, "")
	if err != nil {
		m.fail(ctx, s, err)
		return nil, nil, err
	}

	m.log.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("engine", string(s.Engine)))
	return s, c, nil
}

// ImportSession creates an active session from browser state captured
// outside the platform, for example by a browser extension.
func (m *Manager) ImportSession(ctx context.Context, userID string, req models.ImportSessionRequest) (*models.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	if !m.hasAuthCookie(&req.State) {
		return nil, models.ErrLoginNotDetected
	}
	engines, err := m.engineOrder(req.Engine)
	if err != nil {
		return nil, err
	}

	if !m.slots.tryAcquire(userID) {
		return nil, fmt.Errorf("%w: session creation already in progress", models.ErrSessionConflict)
	}
	defer m.slots.release(userID)

	s, err := m.createPending(ctx, userID, models.RuntimePixelStream, engines[0], models.LoginExtension)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.bringUp(ctx, s, engines, "")
	if err == nil {
		err = m.orch.ReplayState(ctx, c.ID, &req.State)
	}
	if err == nil {
		err = m.activate(ctx, s, c, &req.State)
	}
	if err != nil {
		m.fail(ctx, s, err)
		return nil, err
	}

	m.log.Info("session imported", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return s, nil
}

// CompleteSession captures the logged-in state of a pending session (or
// refreshes an active one) and marks it active.
func (m *Manager) CompleteSession(ctx context.Context, id string) (*models.Session, error) {
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
	case s.Status.Terminal():
		return nil, fmt.Errorf("%w: session is %s", models.ErrSessionUnusable, s.Status)
	case s.Status == models.StatusHibernated:
		return nil, fmt.Errorf("%w: cannot complete a hibernated session", models.ErrInvalidTransition)
	}

	c, err := m.orch.Get(ctx, s.ContainerID)
	if errors.Is(err, models.ErrContainerNotFound) {
		return nil, fmt.Errorf("%w: session has no container", models.ErrSessionNotReady)
	}
	if err != nil {
		return nil, err
	}

	state, err := m.orch.ExtractState(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !m.hasAuthCookie(state) {
		m.recordFailure(ctx, s, models.ErrLoginNotDetected)
		return nil, models.ErrLoginNotDetected
	}

	if err := m.activate(ctx, s, c, state); err != nil {
		return nil, err
	}
	m.log.Info("session completed", zap.String("session_id", s.ID), zap.Int("cookies", len(state.Cookies)))
	return s, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.sessions.GetSession(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error) {
	return m.sessions.ListSessions(ctx, filter)
}

// WithActiveSession runs fn while holding the session lock, so hibernate
// and complete cannot change the session underneath it. It returns
// ErrSessionNotReady without calling fn unless the session is active.
func (m *Manager) WithActiveSession(ctx context.Context, id string, fn func(ctx context.Context, s *models.Session, c *models.ContainerInstance) error) error {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != models.StatusActive {
		return fmt.Errorf("%w: session is %s", models.ErrSessionNotReady, s.Status)
	}
	c, err := m.orch.Get(ctx, s.ContainerID)
	if errors.Is(err, models.ErrContainerNotFound) {
		return fmt.Errorf("%w: session has no container", models.ErrSessionNotReady)
	}
	if err != nil {
		return err
	}
	return fn(ctx, s, c)
}

// Status reports the viewer indicator for a session.
func (m *Manager) Status(ctx context.Context, id string) (*ViewerStatus, error) {
	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	vs := &ViewerStatus{SessionID: s.ID, Status: s.Status, Error: s.Error, Container: models.ContainerStarting}
	if s.Status == models.StatusFailed {
		vs.Container = models.ContainerError
	}
	c, err := m.orch.Get(ctx, s.ContainerID)
	switch {
	case err == nil:
		vs.Container = c.State
		vs.StreamURL = c.StreamURL
		if vs.Error == "" {
			vs.Error = c.Error
		}
	case !errors.Is(err, models.ErrContainerNotFound):
		return nil, err
	}
	return vs, nil
}

// Touch records activity on an active session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != models.StatusActive {
		return nil
	}
	now := m.now()
	s.LastRefreshAt = &now
	return m.save(ctx, s)
}

func (m *Manager) engineOrder(requested models.Engine) ([]models.Engine, error) {
	order := make([]models.Engine, 0, len(m.engines)+1)
	if requested != "" {
		switch requested {
		case models.EngineSingleHost, models.EngineCluster, models.EngineManagedRemote:
		default:
			return nil, fmt.Errorf("%w: unknown engine %q", models.ErrInvalidArgument, requested)
		}
		order = append(order, requested)
	}
	for _, e := range m.engines {
		if e == "" {
			continue
		}
		dup := false
		for _, o := range order {
			dup = dup || o == e
		}
		if !dup {
			order = append(order, e)
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no engine configured", models.ErrEngineUnavailable)
	}
	return order, nil
}

func (m *Manager) createPending(ctx context.Context, userID string, runtime models.Runtime, engine models.Engine, method models.LoginMethod) (*models.Session, error) {
	open, err := m.sessions.FindOpenSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: session %s is %s", models.ErrSessionConflict, open.ID, open.Status)
	}

	now := m.now()
	s := &models.Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Status:      models.StatusPending,
		LoginMethod: method,
		Runtime:     runtime,
		Engine:      engine,
		Fingerprint: pickFingerprint(m.cfg.Fingerprints),
		ExpiresAt:   now.Add(m.cfg.PendingTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// bringUp leases a proxy and provisions a container for s. On success the
// session record carries the new container, proxy and engine.
func (m *Manager) bringUp(ctx context.Context, s *models.Session, engines []models.Engine, profileDir string) (*models.ContainerInstance, error) {
	var proxy *models.ProxyEntry
	err := m.retry(ctx, "acquire proxy", func(ctx context.Context) error {
		var err error
		proxy, err = m.proxies.Acquire(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.ProxyID = proxy.ID

	if profileDir == "" {
		profileDir = m.newProfileDir(s.ID)
	}
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	c, engine, err := m.provision(ctx, s, engines, profileDir, proxy)
	if err != nil {
		return nil, err
	}

	s.ContainerID = c.ID
	s.Engine = engine
	if err := m.save(ctx, s); err != nil {
		return c, err
	}
	return c, nil
}

// provision tries each engine in order, moving on when an engine is
// unavailable, and retries the whole round with backoff for other
// transient errors.
func (m *Manager) provision(ctx context.Context, s *models.Session, engines []models.Engine, profileDir string, proxy *models.ProxyEntry) (*models.ContainerInstance, models.Engine, error) {
	var (
		c    *models.ContainerInstance
		used models.Engine
	)
	err := m.retry(ctx, "provision", func(ctx context.Context) error {
		var lastErr error
		for _, engine := range engines {
			if !m.orch.Has(engine) {
				lastErr = fmt.Errorf("%w: %s is not configured", models.ErrEngineUnavailable, engine)
				continue
			}
			attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
			ci, err := m.orch.Provision(attemptCtx, browser.ProvisionRequest{
				SessionID:   s.ID,
				Runtime:     s.Runtime,
				Engine:      engine,
				ProfileDir:  profileDir,
				Proxy:       proxy,
				Fingerprint: s.Fingerprint,
			})
			cancel()
			if err == nil {
				c, used = ci, engine
				return nil
			}
			lastErr = err
			if !errors.Is(err, models.ErrEngineUnavailable) {
				return err
			}
			m.log.Warn("engine unavailable, falling back",
				zap.String("session_id", s.ID),
				zap.String("engine", string(engine)),
				zap.Error(err))
		}
		return lastErr
	})
	if errors.Is(err, models.ErrProvisionTimeout) && !errors.Is(err, models.ErrProvisioning) {
		err = fmt.Errorf("%w: %w", models.ErrProvisioning, err)
	}
	return c, used, err
}

func (m *Manager) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := m.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !models.IsTransient(err) || attempt >= m.cfg.MaxRetries {
			return err
		}
		m.log.Warn("retrying after transient error",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// activate seals the captured state, snapshots the profile and marks the
// session active.
func (m *Manager) activate(ctx context.Context, s *models.Session, c *models.ContainerInstance, state *models.BrowserState) error {
	if err := m.seal(s, state); err != nil {
		return err
	}

	key, _, err := m.snapshots.PackAndUpload(ctx, s.UserID, s.ID, c.ProfileDir)
	if err != nil {
		return err
	}

	now := m.now()
	s.SnapshotKey = key
	s.Status = models.StatusActive
	s.FailedAttempts = 0
	s.Error = ""
	s.LastLoginAt = &now
	s.LastRefreshAt = &now
	s.ExpiresAt = now.Add(m.cfg.SessionTTL)
	return m.save(ctx, s)
}

func (m *Manager) seal(s *models.Session, state *models.BrowserState) error {
	cookies, err := m.sealer.SealJSON(state.Cookies)
	if err != nil {
		return fmt.Errorf("failed to encrypt cookies: %w", err)
	}
	local := state.LocalStorage
	if local == nil {
		local = map[string]string{}
	}
	storage, err := m.sealer.SealJSON(local)
	if err != nil {
		return fmt.Errorf("failed to encrypt local storage: %w", err)
	}
	s.CookiesEncrypted = cookies
	s.LocalStorageEncrypted = storage
	return nil
}

func (m *Manager) unseal(s *models.Session) (*models.BrowserState, error) {
	state := &models.BrowserState{LocalStorage: map[string]string{}}
	if s.CookiesEncrypted != "" {
		if err := m.sealer.OpenJSON(s.CookiesEncrypted, &state.Cookies); err != nil {
			return nil, fmt.Errorf("failed to decrypt cookies: %w", err)
		}
	}
	if s.LocalStorageEncrypted != "" {
		if err := m.sealer.OpenJSON(s.LocalStorageEncrypted, &state.LocalStorage); err != nil {
			return nil, fmt.Errorf("failed to decrypt local storage: %w", err)
		}
	}
	return state, nil
}

func (m *Manager) hasAuthCookie(state *models.BrowserState) bool {
	for _, name := range m.cfg.AuthCookies {
		if state.HasCookie(name) {
			return true
		}
	}
	return false
}

// recordFailure counts a failed attempt and fails the session once the
// budget is spent.
func (m *Manager) recordFailure(ctx context.Context, s *models.Session, cause error) {
	s.FailedAttempts++
	s.Error = cause.Error()
	if s.FailedAttempts >= m.cfg.MaxFailedAttempts {
		m.fail(ctx, s, fmt.Errorf("%d failed attempts: %w", s.FailedAttempts, cause))
		return
	}
	if err := m.save(context.WithoutCancel(ctx), s); err != nil {
		m.log.Error("failed to record attempt", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// fail releases everything the session holds and marks it failed.
func (m *Manager) fail(ctx context.Context, s *models.Session, cause error) {
	ctx = context.WithoutCancel(ctx)
	m.releaseResources(ctx, s)
	s.Status = models.StatusFailed
	s.Error = cause.Error()
	if err := m.save(ctx, s); err != nil {
		m.log.Error("failed to record session failure", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.log.Warn("session failed", zap.String("session_id", s.ID), zap.Error(cause))
}

// releaseResources tears down every live container of s, drops its proxy
// lease and removes local profile directories.
func (m *Manager) releaseResources(ctx context.Context, s *models.Session) {
	live, err := m.orch.LiveContainers(ctx, s.ID)
	if err != nil {
		m.log.Warn("failed to list containers", zap.String("session_id", s.ID), zap.Error(err))
	}
	for _, c := range live {
		if err := m.orch.Teardown(ctx, c.ID); err != nil {
			m.log.Warn("teardown failed", zap.String("session_id", s.ID), zap.String("container_id", c.ID), zap.Error(err))
		}
	}
	m.proxies.Release(s.ProxyID)
	s.ProxyID = ""
	s.ContainerID = ""
	if err := os.RemoveAll(filepath.Join(m.cfg.ProfileRoot, s.ID)); err != nil {
		m.log.Warn("failed to remove profile directory", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (m *Manager) newProfileDir(sessionID string) string {
	return filepath.Join(m.cfg.ProfileRoot, sessionID, uuid.New().String()[:8])
}

func (m *Manager) save(ctx context.Context, s *models.Session) error {
	s.UpdatedAt = m.now()
	return m.sessions.UpdateSession(ctx, s)
}
