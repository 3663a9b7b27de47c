package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/session-plane/internal/browser"
	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/objectstore"
	"github.com/shehryarbajwa/session-plane/internal/proxypool"
	"github.com/shehryarbajwa/session-plane/internal/sealed"
	"github.com/shehryarbajwa/session-plane/internal/snapshot"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

type stubEngine struct {
	kind models.Engine

	mu         sync.Mutex
	provisions int
	teardowns  int
	failWith   error
	healthErr  error
}

func (e *stubEngine) Kind() models.Engine { return e.kind }

func (e *stubEngine) Provision(ctx context.Context, spec browser.ProvisionSpec) (*browser.Placement, error) {
	e.mu.Lock()
	e.provisions++
	failWith := e.failWith
	e.mu.Unlock()
	if failWith != nil {
		return nil, failWith
	}

	// Chrome creates its profile on first launch.
	cookies := filepath.Join(spec.ProfileDir, "Default", "Cookies")
	if _, err := os.Stat(cookies); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cookies), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(cookies, []byte("profile-of-"+spec.SessionID), 0o600); err != nil {
			return nil, err
		}
	}
	return &browser.Placement{
		ExternalID:     "ext-" + spec.SessionID,
		Node:           "local",
		RemoteDebugURL: "ws://localhost:9222",
		StreamHost:     "localhost",
		StreamPort:     "32768",
	}, nil
}

func (e *stubEngine) Teardown(ctx context.Context, c *models.ContainerInstance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardowns++
	return nil
}

func (e *stubEngine) HealthCheck(ctx context.Context, c *models.ContainerInstance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthErr
}

func (e *stubEngine) set(fn func(e *stubEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *stubEngine) provisionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provisions
}

type stubExtractor struct {
	mu       sync.Mutex
	state    *models.BrowserState
	replayed []*models.BrowserState
}

func (x *stubExtractor) Extract(ctx context.Context, c *models.ContainerInstance) (*models.BrowserState, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state == nil {
		return nil, errors.New("no state scripted")
	}
	cp := *x.state
	return &cp, nil
}

func (x *stubExtractor) Replay(ctx context.Context, c *models.ContainerInstance, state *models.BrowserState) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.replayed = append(x.replayed, state)
	return nil
}

type harness struct {
	m         *Manager
	mem       *store.Memory
	engine    *stubEngine
	extractor *stubExtractor
	pool      *proxypool.Pool
	snapshots *snapshot.Store
	orch      *browser.Orchestrator
}

func loggedIn() *models.BrowserState {
	return &models.BrowserState{
		Cookies: []models.Cookie{
			{Name: "li_at", Value: "secret-token", Domain: ".linkedin.com", Path: "/", HTTPOnly: true, Secure: true},
			{Name: "lang", Value: "v=2&lang=en-us", Domain: ".linkedin.com", Path: "/"},
		},
		LocalStorage: map[string]string{"voyager-web:theme": "dark"},
	}
}

func newHarness(t *testing.T, tweak ...func(*config.SessionConfig, *config.OrchestratorConfig)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory()

	scfg := config.SessionConfig{
		PendingTTL:        30 * time.Minute,
		SessionTTL:        24 * time.Hour,
		IdleTimeout:       20 * time.Minute,
		ProvisionTimeout:  5 * time.Second,
		MaxRetries:        0,
		RetryBackoff:      time.Millisecond,
		MaxFailedAttempts: 3,
		MaxPerUser:        1,
		AuthCookies:       []string{"li_at"},
		ProfileRoot:       t.TempDir(),
	}
	ocfg := config.OrchestratorConfig{
		DefaultEngine: models.EngineSingleHost,
		Runtimes: map[models.Runtime]config.RuntimeConfig{
			models.RuntimePixelStream:  {Image: "browserless/chrome:latest", DebugPort: "3000/tcp", StreamPort: "6080/tcp", ViewerDoc: "vnc.html", ProfileTarget: "/data"},
			models.RuntimeWebRTCStream: {Image: "m1k1o/neko:chromium", DebugPort: "9222/tcp", StreamPort: "8080/tcp", ViewerDoc: "index.html", ProfileTarget: "/data"},
		},
	}
	for _, fn := range tweak {
		fn(&scfg, &ocfg)
	}

	engine := &stubEngine{kind: models.EngineSingleHost}
	extractor := &stubExtractor{state: loggedIn()}
	orch := browser.NewOrchestrator(mem, ocfg, browser.StreamRouting{PublicBaseURL: "https://plane.test", UpstreamHost: "localhost"}, extractor, logger)
	orch.Register(engine)

	fs, err := objectstore.NewFS(t.TempDir())
	require.NoError(t, err)
	snaps := snapshot.New(fs, logger)

	pool := proxypool.New(mem, config.ProxiesConfig{Exclusive: true, MinSamples: 10, MaxFailureRate: 0.5}, logger)
	require.NoError(t, pool.Seed(context.Background(), []models.ProxyEntry{
		{ID: "px-1", Provider: "test", Endpoint: "http://10.0.0.1:8000", IsActive: true},
		{ID: "px-2", Provider: "test", Endpoint: "http://10.0.0.2:8000", IsActive: true},
	}))
	require.NoError(t, pool.Load(context.Background()))

	sealer, err := sealed.Generate()
	require.NoError(t, err)

	m := NewManager(mem, orch, snaps, pool, sealer, scfg, ocfg, logger)
	return &harness{m: m, mem: mem, engine: engine, extractor: extractor, pool: pool, snapshots: snaps, orch: orch}
}

// activeSession drives a session through start and complete.
func (h *harness) activeSession(t *testing.T, userID string) *models.Session {
	t.Helper()
	ctx := context.Background()
	s, _, err := h.m.StartSession(ctx, userID, StartOptions{StreamMode: "pixel"})
	require.NoError(t, err)
	s, err = h.m.CompleteSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, s.Status)
	return s
}

func (h *harness) liveContainers(t *testing.T, sessionID string) int {
	t.Helper()
	live, err := h.mem.ListLiveContainers(context.Background(), sessionID)
	require.NoError(t, err)
	return len(live)
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s, c, err := h.m.StartSession(ctx, "user-1", StartOptions{StreamMode: "pixel"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, s.Status)
	assert.Equal(t, models.LoginStreamed, s.LoginMethod)
	assert.Equal(t, "https://plane.test/stream/32768/vnc.html", c.StreamURL)
	assert.NotEmpty(t, s.ProxyID)
	assert.NotEmpty(t, s.Fingerprint.UserAgent)

	s, err = h.m.CompleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.Equal(t, "user-1/"+s.ID+".archive", s.SnapshotKey)
	assert.NotEmpty(t, s.CookiesEncrypted)
	assert.NotContains(t, s.CookiesEncrypted, "secret-token")
	assert.NotNil(t, s.LastLoginAt)
	assert.Zero(t, s.FailedAttempts)

	s, err = h.m.HibernateSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHibernated, s.Status)
	assert.Empty(t, s.ContainerID)
	assert.Empty(t, s.ProxyID)
	assert.Zero(t, h.liveContainers(t, s.ID))

	s, err = h.m.ResumeSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.Equal(t, 1, h.liveContainers(t, s.ID))

	resumed, err := h.orch.Get(ctx, s.ContainerID)
	require.NoError(t, err)
	profile, err := os.ReadFile(filepath.Join(resumed.ProfileDir, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "profile-of-"+s.ID, string(profile), "profile restored from snapshot")

	require.Len(t, h.extractor.replayed, 1)
	assert.Equal(t, loggedIn().Cookies, h.extractor.replayed[0].Cookies)
	assert.Equal(t, "dark", h.extractor.replayed[0].LocalStorage["voyager-web:theme"])
}

func TestStartRejectsSecondOpenSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.NoError(t, err)
	_, _, err = h.m.StartSession(ctx, "user-1", StartOptions{})
	assert.ErrorIs(t, err, models.ErrSessionConflict)

	_, _, err = h.m.StartSession(ctx, "user-2", StartOptions{StreamMode: "webrtc"})
	assert.NoError(t, err)
}

func TestStartRejectsUnknownStreamMode(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.m.StartSession(context.Background(), "user-1", StartOptions{StreamMode: "telepathy"})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestStartFailureMarksSessionFailedAndReleasesProxy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(s *config.SessionConfig, _ *config.OrchestratorConfig) { s.MaxRetries = 2 })
	h.engine.set(func(e *stubEngine) { e.failWith = errors.New("daemon said no") })

	_, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.ErrorIs(t, err, models.ErrProvisioning)
	assert.Equal(t, 3, h.engine.provisionCount(), "initial attempt plus two retries")

	list, err := h.m.List(ctx, store.SessionFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusFailed, list[0].Status)
	assert.Contains(t, list[0].Error, "daemon said no")

	// Both proxies are free again.
	for i := 0; i < 2; i++ {
		_, err := h.pool.Acquire(ctx)
		require.NoError(t, err)
	}
}

func TestProvisionTimeoutIsNotRetried(t *testing.T) {
	h := newHarness(t, func(s *config.SessionConfig, _ *config.OrchestratorConfig) { s.MaxRetries = 3 })
	h.engine.set(func(e *stubEngine) { e.failWith = context.DeadlineExceeded })

	_, _, err := h.m.StartSession(context.Background(), "user-1", StartOptions{})
	assert.ErrorIs(t, err, models.ErrProvisionTimeout)
	assert.ErrorIs(t, err, models.ErrProvisioning)
	assert.False(t, models.IsTransient(err))
	assert.Equal(t, 1, h.engine.provisionCount())
}

func TestEngineFallback(t *testing.T) {
	h := newHarness(t, func(_ *config.SessionConfig, o *config.OrchestratorConfig) {
		o.DefaultEngine = models.EngineCluster
		o.FallbackEngines = []models.Engine{models.EngineSingleHost}
	})

	s, _, err := h.m.StartSession(context.Background(), "user-1", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.EngineSingleHost, s.Engine)
}

func TestCompleteWithoutLoginCountsFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extractor.state = &models.BrowserState{Cookies: []models.Cookie{{Name: "lang", Value: "en"}}}

	s, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.NoError(t, err)

	_, err = h.m.CompleteSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrLoginNotDetected)

	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.FailedAttempts)
}

func TestCompleteRequiresReadyContainer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, h.orch.MarkHibernating(ctx, s.ContainerID))
	_, err = h.m.CompleteSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotReady)
}

func TestHibernateTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pending, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.NoError(t, err)
	_, err = h.m.HibernateSession(ctx, pending.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.m.CompleteSession(ctx, pending.ID)
	require.NoError(t, err)
	_, err = h.m.HibernateSession(ctx, pending.ID)
	require.NoError(t, err)

	before := h.engine.teardowns
	s, err := h.m.HibernateSession(ctx, pending.ID)
	require.NoError(t, err, "hibernating twice is a no-op")
	assert.Equal(t, models.StatusHibernated, s.Status)
	assert.Equal(t, before, h.engine.teardowns)
}

func TestResumeFailuresExhaustBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")
	_, err := h.m.HibernateSession(ctx, s.ID)
	require.NoError(t, err)

	provisionsBefore := h.engine.provisionCount()
	h.engine.set(func(e *stubEngine) { e.failWith = errors.New("node is out of memory") })

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := h.m.ResumeSession(ctx, s.ID)
		require.Error(t, err)
		got, err := h.m.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.FailedAttempts)
		if attempt < 3 {
			assert.Equal(t, models.StatusHibernated, got.Status)
		} else {
			assert.Equal(t, models.StatusFailed, got.Status)
		}
		assert.Zero(t, h.liveContainers(t, s.ID))
	}
	assert.Equal(t, provisionsBefore+3, h.engine.provisionCount())

	_, err = h.m.ResumeSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionUnusable)
	assert.Equal(t, provisionsBefore+3, h.engine.provisionCount(), "failed sessions never reach the orchestrator")
}

func TestResumeWithMissingSnapshotFailsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")
	s, err := h.m.HibernateSession(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, h.snapshots.Delete(ctx, s.SnapshotKey))

	_, err = h.m.ResumeSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSnapshotNotFound)

	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 0, got.FailedAttempts)
}

func TestResumeActiveIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")
	before := h.engine.provisionCount()

	got, err := h.m.ResumeSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ContainerID, got.ContainerID)
	assert.Equal(t, before, h.engine.provisionCount())
}

func TestTerminalSessionsStayTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")

	now := time.Now()
	h.m.now = func() time.Time { return now.Add(48 * time.Hour) }
	n, err := h.m.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Zero(t, h.liveContainers(t, s.ID))

	assert.ErrorIs(t, h.snapshots.DownloadAndUnpack(ctx, s.SnapshotKey, t.TempDir()), models.ErrSnapshotNotFound)

	_, err = h.m.ResumeSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionUnusable)
	_, err = h.m.HibernateSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionUnusable)
	_, err = h.m.CompleteSession(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionUnusable)

	// A new session can be started once the old one is terminal.
	h.m.now = time.Now
	_, _, err = h.m.StartSession(ctx, "user-1", StartOptions{})
	assert.NoError(t, err)
}

func TestCheckHealthHibernatesUnhealthySessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")

	n, err := h.m.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.engine.set(func(e *stubEngine) { e.healthErr = models.ErrProvisioning })
	n, err = h.m.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHibernated, got.Status)
	assert.Zero(t, h.liveContainers(t, s.ID))
}

func TestHibernateIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")

	n, err := h.m.HibernateIdle(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now := time.Now()
	h.m.now = func() time.Time { return now.Add(time.Hour) }
	n, err = h.m.HibernateIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHibernated, got.Status)
}

func TestTouchRecordsActivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")

	later := time.Now().Add(5 * time.Minute)
	h.m.now = func() time.Time { return later }
	require.NoError(t, h.m.Touch(ctx, s.ID))

	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRefreshAt)
	assert.True(t, got.LastRefreshAt.Equal(later))
}

func TestWithActiveSessionRejectsInactive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pending, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.NoError(t, err)
	called := false
	err = h.m.WithActiveSession(ctx, pending.ID, func(context.Context, *models.Session, *models.ContainerInstance) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, models.ErrSessionNotReady)

	_, err = h.m.CompleteSession(ctx, pending.ID)
	require.NoError(t, err)
	_, err = h.m.HibernateSession(ctx, pending.ID)
	require.NoError(t, err)
	err = h.m.WithActiveSession(ctx, pending.ID, func(context.Context, *models.Session, *models.ContainerInstance) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, models.ErrSessionNotReady)
	assert.False(t, called)
}

func TestWithActiveSessionHoldsOffHibernate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.activeSession(t, "user-1")

	hibernated := make(chan error, 1)
	err := h.m.WithActiveSession(ctx, s.ID, func(ctx context.Context, got *models.Session, c *models.ContainerInstance) error {
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Equal(t, got.ContainerID, c.ID)
		go func() {
			_, err := h.m.HibernateSession(ctx, s.ID)
			hibernated <- err
		}()
		select {
		case <-hibernated:
			t.Error("hibernate ran while the session was in use")
		case <-time.After(50 * time.Millisecond):
		}
		current, err := h.m.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, current.Status)
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-hibernated:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hibernate never ran")
	}
	got, err := h.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHibernated, got.Status)
}

func TestImportSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.ImportSession(ctx, "user-1", models.ImportSessionRequest{})
	assert.ErrorIs(t, err, models.ErrLoginNotDetected)

	s, err := h.m.ImportSession(ctx, "user-1", models.ImportSessionRequest{State: *loggedIn()})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.Equal(t, models.LoginExtension, s.LoginMethod)
	assert.NotEmpty(t, s.SnapshotKey)
	require.Len(t, h.extractor.replayed, 1)
}

func TestStatusIndicator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s, _, err := h.m.StartSession(ctx, "user-1", StartOptions{})
	require.NoError(t, err)

	vs, err := h.m.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContainerReady, vs.Container)
	assert.True(t, strings.HasSuffix(vs.StreamURL, "/vnc.html"))

	_, err = h.m.Status(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRecoverReservesProxies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeSession(t, "user-1")
	h.activeSession(t, "user-2")

	// A fresh pool over the same store has no leases until Recover runs.
	fresh := proxypool.New(h.mem, config.ProxiesConfig{Exclusive: true, MinSamples: 10, MaxFailureRate: 0.5}, zaptest.NewLogger(t))
	require.NoError(t, fresh.Load(ctx))
	h.m.proxies = fresh
	require.NoError(t, h.m.Recover(ctx))

	_, err := fresh.Acquire(ctx)
	assert.ErrorIs(t, err, models.ErrNoProxyAvailable)
}
