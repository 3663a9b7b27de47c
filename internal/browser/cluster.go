package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Node is one member of a cluster.
type Node interface {
	Engine
	Name() string
}

// ClusterEngine spreads containers across several Docker hosts, placing
// each new container on the node with the fewest live containers.
type ClusterEngine struct {
	nodes map[string]Node
	order []string
	live  map[string]int
	mu    sync.Mutex
	log   *zap.Logger
}

func NewClusterEngine(logger *zap.Logger, nodes ...Node) *ClusterEngine {
	c := &ClusterEngine{
		nodes: make(map[string]Node),
		live:  make(map[string]int),
		log:   logger.Named("cluster"),
	}
	for _, n := range nodes {
		c.nodes[n.Name()] = n
		c.order = append(c.order, n.Name())
	}
	return c
}

// NewDockerCluster connects to every configured cluster node.
func NewDockerCluster(cfg config.OrchestratorConfig, logger *zap.Logger) (*ClusterEngine, error) {
	nodes := make([]Node, 0, len(cfg.ClusterNodes))
	for _, host := range cfg.ClusterNodes {
		engine, err := NewDockerEngine(host, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to node %s: %w", host.Name, err)
		}
		nodes = append(nodes, engine)
	}
	return NewClusterEngine(logger, nodes...), nil
}

func (c *ClusterEngine) Kind() models.Engine { return models.EngineCluster }

// Adopt counts containers that were already running before startup.
func (c *ClusterEngine) Adopt(containers []*models.ContainerInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ci := range containers {
		if ci.Engine == models.EngineCluster && ci.State.Live() {
			c.live[ci.Node]++
		}
	}
}

// candidates returns node names ordered from least to most loaded.
func (c *ClusterEngine) candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := append([]string(nil), c.order...)
	sort.SliceStable(names, func(i, j int) bool {
		return c.live[names[i]] < c.live[names[j]]
	})
	return names
}

func (c *ClusterEngine) Provision(ctx context.Context, spec ProvisionSpec) (*Placement, error) {
	if len(c.nodes) == 0 {
		return nil, fmt.Errorf("%w: cluster has no nodes", models.ErrEngineUnavailable)
	}

	var lastErr error
	for _, name := range c.candidates() {
		placement, err := c.nodes[name].Provision(ctx, spec)
		if err == nil {
			c.mu.Lock()
			c.live[name]++
			c.mu.Unlock()
			placement.Node = name
			return placement, nil
		}
		lastErr = err
		if !errors.Is(err, models.ErrEngineUnavailable) {
			return nil, err
		}
		c.log.Warn("node unavailable, trying next", zap.String("node", name), zap.Error(err))
	}
	return nil, lastErr
}

func (c *ClusterEngine) Teardown(ctx context.Context, ci *models.ContainerInstance) error {
	n, err := c.owner(ci)
	if err != nil {
		return err
	}
	if err := n.Teardown(ctx, ci); err != nil {
		return err
	}

	c.mu.Lock()
	if c.live[ci.Node] > 0 {
		c.live[ci.Node]--
	}
	c.mu.Unlock()
	return nil
}

func (c *ClusterEngine) HealthCheck(ctx context.Context, ci *models.ContainerInstance) error {
	n, err := c.owner(ci)
	if err != nil {
		return err
	}
	return n.HealthCheck(ctx, ci)
}

// Load reports live container counts per node.
func (c *ClusterEngine) Load() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.order))
	for _, name := range c.order {
		out[name] = c.live[name]
	}
	return out
}

func (c *ClusterEngine) EnsureImages(ctx context.Context, runtimes map[models.Runtime]config.RuntimeConfig) error {
	for _, name := range c.order {
		ens, ok := c.nodes[name].(imageEnsurer)
		if !ok {
			continue
		}
		if err := ens.EnsureImages(ctx, runtimes); err != nil {
			return fmt.Errorf("failed to ensure images on %s: %w", name, err)
		}
	}
	return nil
}

func (c *ClusterEngine) Close() error {
	var errs []error
	for _, name := range c.order {
		if closer, ok := c.nodes[name].(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

func (c *ClusterEngine) owner(ci *models.ContainerInstance) (Node, error) {
	n, ok := c.nodes[ci.Node]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %q", models.ErrEngineUnavailable, ci.Node)
	}
	return n, nil
}
