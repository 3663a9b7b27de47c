package browser

import (
	"context"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// ProvisionSpec is everything an engine needs to start one browser.
type ProvisionSpec struct {
	SessionID   string
	Runtime     models.Runtime
	Image       config.RuntimeConfig
	ProfileDir  string
	Proxy       *models.ProxyEntry
	Fingerprint models.Fingerprint
}

// Placement describes where a provisioned browser runs and how to reach it.
type Placement struct {
	ExternalID     string
	Node           string
	RemoteDebugURL string
	StreamHost     string
	StreamPort     string
	// StreamURL is set by engines whose provider serves its own viewer.
	StreamURL string
}

// Engine hosts browser containers on some infrastructure.
//
// Provision returns once the browser answers on its debug endpoint or ctx
// expires. Teardown must succeed for containers that no longer exist.
type Engine interface {
	Kind() models.Engine
	Provision(ctx context.Context, spec ProvisionSpec) (*Placement, error)
	Teardown(ctx context.Context, c *models.ContainerInstance) error
	HealthCheck(ctx context.Context, c *models.ContainerInstance) error
}

// StateExtractor reads and writes the authenticated state of a live browser.
type StateExtractor interface {
	Extract(ctx context.Context, c *models.ContainerInstance) (*models.BrowserState, error)
	Replay(ctx context.Context, c *models.ContainerInstance, state *models.BrowserState) error
}

type imageEnsurer interface {
	EnsureImages(ctx context.Context, runtimes map[models.Runtime]config.RuntimeConfig) error
}
