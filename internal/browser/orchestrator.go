package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// ProvisionRequest asks the orchestrator for a new container.
type ProvisionRequest struct {
	SessionID   string
	Runtime     models.Runtime
	Engine      models.Engine
	ProfileDir  string
	Proxy       *models.ProxyEntry
	Fingerprint models.Fingerprint
}

// StreamRouting tells the orchestrator how viewer URLs are published.
type StreamRouting struct {
	PublicBaseURL string
	UpstreamHost  string
}

// Orchestrator is the only writer of container state. It selects an
// engine, records every state change, and exposes live containers to the
// session manager.
type Orchestrator struct {
	engines       map[models.Engine]Engine
	runtimes      map[models.Runtime]config.RuntimeConfig
	containers    store.ContainerStore
	extractor     StateExtractor
	routing       StreamRouting
	healthTimeout time.Duration
	log           *zap.Logger
	mu            sync.RWMutex
}

func NewOrchestrator(cs store.ContainerStore, cfg config.OrchestratorConfig, routing StreamRouting, extractor StateExtractor, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		engines:       make(map[models.Engine]Engine),
		runtimes:      cfg.Runtimes,
		containers:    cs,
		extractor:     extractor,
		routing:       routing,
		healthTimeout: cfg.HealthTimeout,
		log:           logger.Named("orchestrator"),
	}
}

// Register adds an engine, replacing any engine of the same kind.
func (o *Orchestrator) Register(e Engine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engines[e.Kind()] = e
}

func (o *Orchestrator) engine(kind models.Engine) (Engine, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.engines[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", models.ErrEngineUnavailable, kind)
	}
	return e, nil
}

// Has reports whether an engine of the given kind is registered.
func (o *Orchestrator) Has(kind models.Engine) bool {
	_, err := o.engine(kind)
	return err == nil
}

// Provision creates a container for the session and waits until it is
// ready. Running out of time yields ErrProvisionTimeout; the container
// record is left in state error either way.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (*models.ContainerInstance, error) {
	engine, err := o.engine(req.Engine)
	if err != nil {
		return nil, err
	}
	rc, ok := o.runtimes[req.Runtime]
	if !ok {
		return nil, fmt.Errorf("%w: unknown runtime %q", models.ErrProvisioning, req.Runtime)
	}

	now := time.Now()
	c := &models.ContainerInstance{
		ID:         uuid.New().String(),
		SessionID:  req.SessionID,
		Runtime:    req.Runtime,
		Engine:     req.Engine,
		ProfileDir: req.ProfileDir,
		State:      models.ContainerStarting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.containers.SaveContainer(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to record container: %w", err)
	}

	log := o.log.With(zap.String("session_id", req.SessionID), zap.String("container_id", c.ID), zap.String("engine", string(req.Engine)))
	log.Info("provisioning container", zap.String("runtime", string(req.Runtime)))

	placement, err := engine.Provision(ctx, ProvisionSpec{
		SessionID:   req.SessionID,
		Runtime:     req.Runtime,
		Image:       rc,
		ProfileDir:  req.ProfileDir,
		Proxy:       req.Proxy,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		err = classifyProvisionErr(ctx, err)
		c.State = models.ContainerError
		c.Error = err.Error()
		c.UpdatedAt = time.Now()
		if saveErr := o.containers.SaveContainer(context.WithoutCancel(ctx), c); saveErr != nil {
			log.Error("failed to record container error", zap.Error(saveErr))
		}
		log.Warn("provisioning failed", zap.Error(err))
		return nil, err
	}

	c.ExternalID = placement.ExternalID
	c.Node = placement.Node
	c.RemoteDebugURL = placement.RemoteDebugURL
	c.StreamHost = placement.StreamHost
	c.StreamPort = placement.StreamPort
	c.StreamURL = o.streamURL(placement, rc)
	c.State = models.ContainerReady
	c.UpdatedAt = time.Now()
	if err := o.containers.SaveContainer(context.WithoutCancel(ctx), c); err != nil {
		return nil, fmt.Errorf("failed to record container: %w", err)
	}

	log.Info("container ready", zap.String("node", c.Node), zap.String("stream_url", c.StreamURL))
	return c, nil
}

func classifyProvisionErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrProvisionTimeout, err)
	}
	if errors.Is(err, models.ErrEngineUnavailable) || errors.Is(err, models.ErrProvisioning) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrProvisioning, err)
}

// streamURL prefers the public stream proxy when the container publishes
// on the proxy's upstream host, and a direct URL otherwise.
func (o *Orchestrator) streamURL(p *Placement, rc config.RuntimeConfig) string {
	if p.StreamURL != "" {
		return p.StreamURL
	}
	if p.StreamPort == "" {
		return ""
	}
	if p.StreamHost == o.routing.UpstreamHost && o.routing.PublicBaseURL != "" {
		return fmt.Sprintf("%s/stream/%s/%s", strings.TrimRight(o.routing.PublicBaseURL, "/"), p.StreamPort, rc.ViewerDoc)
	}
	return fmt.Sprintf("http://%s:%s/%s", p.StreamHost, p.StreamPort, rc.ViewerDoc)
}

// Teardown stops the container. Tearing down an unknown, stopped or failed
// container is a no-op.
func (o *Orchestrator) Teardown(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	c, err := o.containers.GetContainer(ctx, containerID)
	if errors.Is(err, models.ErrContainerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.State == models.ContainerStopped {
		return nil
	}

	engine, err := o.engine(c.Engine)
	if err != nil {
		return err
	}
	if err := engine.Teardown(ctx, c); err != nil {
		o.log.Warn("teardown failed", zap.String("container_id", c.ID), zap.Error(err))
		return fmt.Errorf("failed to tear down container %s: %w", c.ID, err)
	}

	c.State = models.ContainerStopped
	c.UpdatedAt = time.Now()
	if err := o.containers.SaveContainer(ctx, c); err != nil {
		return err
	}
	o.log.Info("container stopped", zap.String("container_id", c.ID), zap.String("session_id", c.SessionID))
	return nil
}

// MarkHibernating records that the container is being snapshotted.
func (o *Orchestrator) MarkHibernating(ctx context.Context, containerID string) error {
	c, err := o.containers.GetContainer(ctx, containerID)
	if err != nil {
		return err
	}
	if !c.State.Live() {
		return nil
	}
	c.State = models.ContainerHibernating
	c.UpdatedAt = time.Now()
	return o.containers.SaveContainer(ctx, c)
}

// HealthCheck probes a ready container. Containers in any other state
// report ErrSessionNotReady.
func (o *Orchestrator) HealthCheck(ctx context.Context, containerID string) error {
	c, err := o.Get(ctx, containerID)
	if err != nil {
		return err
	}
	if c.State != models.ContainerReady {
		return fmt.Errorf("%w: container is %s", models.ErrSessionNotReady, c.State)
	}
	engine, err := o.engine(c.Engine)
	if err != nil {
		return err
	}

	if o.healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.healthTimeout)
		defer cancel()
	}
	return engine.HealthCheck(ctx, c)
}

func (o *Orchestrator) Get(ctx context.Context, containerID string) (*models.ContainerInstance, error) {
	if containerID == "" {
		return nil, models.ErrContainerNotFound
	}
	return o.containers.GetContainer(ctx, containerID)
}

// LiveContainers lists containers of a session that are not yet stopped.
func (o *Orchestrator) LiveContainers(ctx context.Context, sessionID string) ([]*models.ContainerInstance, error) {
	return o.containers.ListLiveContainers(ctx, sessionID)
}

// ExtractState reads cookies and local storage from a ready container.
func (o *Orchestrator) ExtractState(ctx context.Context, containerID string) (*models.BrowserState, error) {
	c, err := o.readyContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return o.extractor.Extract(ctx, c)
}

// ReplayState writes cookies and local storage into a ready container.
func (o *Orchestrator) ReplayState(ctx context.Context, containerID string, state *models.BrowserState) error {
	c, err := o.readyContainer(ctx, containerID)
	if err != nil {
		return err
	}
	return o.extractor.Replay(ctx, c, state)
}

func (o *Orchestrator) readyContainer(ctx context.Context, containerID string) (*models.ContainerInstance, error) {
	c, err := o.Get(ctx, containerID)
	if errors.Is(err, models.ErrContainerNotFound) {
		return nil, fmt.Errorf("%w: no container", models.ErrSessionNotReady)
	}
	if err != nil {
		return nil, err
	}
	if c.State != models.ContainerReady {
		return nil, fmt.Errorf("%w: container is %s", models.ErrSessionNotReady, c.State)
	}
	return c, nil
}

// EnsureImages makes sure every engine that manages images has the
// configured runtime images.
func (o *Orchestrator) EnsureImages(ctx context.Context) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for kind, e := range o.engines {
		ens, ok := e.(imageEnsurer)
		if !ok {
			continue
		}
		if err := ens.EnsureImages(ctx, o.runtimes); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	return nil
}

func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for _, e := range o.engines {
		if closer, ok := e.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
