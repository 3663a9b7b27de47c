package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

const managedBy = "session-plane"

// DockerEngine runs one browser container per session on a single Docker
// daemon.
type DockerEngine struct {
	client        *client.Client
	name          string
	advertiseHost string
	readyPoll     time.Duration
	healthTimeout time.Duration
	httpClient    *http.Client
	log           *zap.Logger
}

// NewDockerEngine connects to the daemon at host, or the environment's
// daemon when host is empty.
func NewDockerEngine(host config.DockerHostConfig, cfg config.OrchestratorConfig, logger *zap.Logger) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host.Host != "" {
		opts = append(opts, client.WithHost(host.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	advertise := host.AdvertiseHost
	if advertise == "" {
		advertise = "localhost"
	}
	name := host.Name
	if name == "" {
		name = advertise
	}

	return &DockerEngine{
		client:        cli,
		name:          name,
		advertiseHost: advertise,
		readyPoll:     cfg.ReadyPoll,
		healthTimeout: cfg.HealthTimeout,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		log:           logger.Named("docker").With(zap.String("node", name)),
	}, nil
}

func (e *DockerEngine) Kind() models.Engine { return models.EngineSingleHost }

// Name identifies the daemon within a cluster.
func (e *DockerEngine) Name() string { return e.name }

func (e *DockerEngine) Provision(ctx context.Context, spec ProvisionSpec) (*Placement, error) {
	if spec.ProfileDir == "" {
		return nil, fmt.Errorf("%w: profile directory is required", models.ErrProvisioning)
	}
	if err := os.MkdirAll(spec.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	debugPort := nat.Port(spec.Image.DebugPort)
	streamPort := nat.Port(spec.Image.StreamPort)
	anyPort := []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}}

	containerConfig := &container.Config{
		Image: spec.Image.Image,
		Labels: map[string]string{
			"session-id": spec.SessionID,
			"runtime":    string(spec.Runtime),
			"managed-by": managedBy,
		},
		Env: containerEnv(spec),
		ExposedPorts: nat.PortSet{
			debugPort:  struct{}{},
			streamPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			debugPort:  anyPort,
			streamPort: anyPort,
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.ProfileDir,
				Target: spec.Image.ProfileTarget,
			},
		},
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(spec.SessionID))
	if err != nil {
		return nil, e.classify("create container", err)
	}

	placement, err := e.start(ctx, resp.ID, debugPort, streamPort)
	if err != nil {
		// ctx may already be done; cleanup gets its own budget.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if rmErr := e.remove(cleanupCtx, resp.ID); rmErr != nil {
			e.log.Warn("failed to remove container after provisioning error",
				zap.String("container_id", resp.ID), zap.Error(rmErr))
		}
		return nil, err
	}
	return placement, nil
}

func (e *DockerEngine) start(ctx context.Context, id string, debugPort, streamPort nat.Port) (*Placement, error) {
	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, e.classify("start container", err)
	}

	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, e.classify("inspect container", err)
	}

	debugHostPort, err := hostPort(inspect.NetworkSettings.Ports, debugPort)
	if err != nil {
		return nil, err
	}
	streamHostPort, err := hostPort(inspect.NetworkSettings.Ports, streamPort)
	if err != nil {
		return nil, err
	}

	versionURL := fmt.Sprintf("http://%s:%s/json/version", e.advertiseHost, debugHostPort)
	if err := waitForBrowserReady(ctx, e.httpClient, versionURL, e.readyPoll); err != nil {
		return nil, err
	}

	e.log.Info("browser ready",
		zap.String("container_id", id),
		zap.String("debug_port", debugHostPort),
		zap.String("stream_port", streamHostPort))

	return &Placement{
		ExternalID:     id,
		Node:           e.name,
		RemoteDebugURL: fmt.Sprintf("ws://%s:%s", e.advertiseHost, debugHostPort),
		StreamHost:     e.advertiseHost,
		StreamPort:     streamHostPort,
	}, nil
}

func (e *DockerEngine) Teardown(ctx context.Context, c *models.ContainerInstance) error {
	if c.ExternalID == "" {
		return nil
	}
	return e.remove(ctx, c.ExternalID)
}

func (e *DockerEngine) remove(ctx context.Context, id string) error {
	timeout := 10
	if err := e.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// HealthCheck requires the container to be running and its debug endpoint
// to answer.
func (e *DockerEngine) HealthCheck(ctx context.Context, c *models.ContainerInstance) error {
	inspect, err := e.client.ContainerInspect(ctx, c.ExternalID)
	if err != nil {
		return e.classify("inspect container", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("%w: container %s is not running", models.ErrProvisioning, c.ID)
	}
	return probeDebugEndpoint(ctx, e.httpClient, c.RemoteDebugURL)
}

// EnsureImages pulls every runtime image not already present on the daemon.
func (e *DockerEngine) EnsureImages(ctx context.Context, runtimes map[models.Runtime]config.RuntimeConfig) error {
	images, err := e.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return e.classify("list images", err)
	}
	present := make(map[string]bool)
	for _, img := range images {
		for _, tag := range img.RepoTags {
			present[tag] = true
		}
	}

	for runtime, rc := range runtimes {
		if present[rc.Image] {
			continue
		}
		e.log.Info("pulling runtime image", zap.String("runtime", string(runtime)), zap.String("image", rc.Image))
		reader, err := e.client.ImagePull(ctx, rc.Image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", rc.Image, err)
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.client.Close()
}

// classify maps daemon reachability problems to ErrEngineUnavailable so
// the caller can fall back to another engine.
func (e *DockerEngine) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %s on %s: %v", models.ErrEngineUnavailable, op, e.name, err)
	}
	return fmt.Errorf("%w: failed to %s: %v", models.ErrProvisioning, op, err)
}

func containerEnv(spec ProvisionSpec) []string {
	env := []string{
		"CONNECTION_TIMEOUT=-1",
		"MAX_CONCURRENT_SESSIONS=1",
		"KEEP_ALIVE=true",
		"EXIT_ON_HEALTH_FAILURE=false",
		"SESSION_ID=" + spec.SessionID,
	}
	if spec.Proxy != nil {
		env = append(env, "PROXY_SERVER="+spec.Proxy.Endpoint)
	}
	fp := spec.Fingerprint
	if fp.UserAgent != "" {
		env = append(env, "USER_AGENT="+fp.UserAgent)
	}
	if fp.Locale != "" {
		env = append(env, "LANG="+fp.Locale)
	}
	if fp.Timezone != "" {
		env = append(env, "TZ="+fp.Timezone)
	}
	if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
		env = append(env,
			"SCREEN_WIDTH="+strconv.Itoa(fp.ViewportWidth),
			"SCREEN_HEIGHT="+strconv.Itoa(fp.ViewportHeight))
	}
	return env
}

func containerName(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return fmt.Sprintf("session-%s-%d", sessionID, time.Now().UnixNano()%100000)
}

func hostPort(ports nat.PortMap, port nat.Port) (string, error) {
	bindings := ports[port]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", fmt.Errorf("%w: port %s is not published", models.ErrProvisioning, port)
	}
	return bindings[0].HostPort, nil
}

// waitForBrowserReady polls the CDP version endpoint until it answers 200
// or ctx is done.
func waitForBrowserReady(ctx context.Context, hc *http.Client, url string, poll time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("browser did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func probeDebugEndpoint(ctx context.Context, hc *http.Client, debugURL string) error {
	if debugURL == "" {
		return fmt.Errorf("%w: no debug endpoint", models.ErrProvisioning)
	}
	url := "http" + debugURL[len("ws"):] + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: debug endpoint unreachable: %v", models.ErrProvisioning, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: debug endpoint returned %d", models.ErrProvisioning, resp.StatusCode)
	}
	return nil
}
