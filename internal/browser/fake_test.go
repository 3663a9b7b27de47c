package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// fakeEngine records calls and returns scripted results.
type fakeEngine struct {
	kind        models.Engine
	name        string
	provisionFn func(ctx context.Context, spec ProvisionSpec) (*Placement, error)
	healthErr   error

	mu         sync.Mutex
	provisions int
	teardowns  []string
}

func (f *fakeEngine) Kind() models.Engine { return f.kind }
func (f *fakeEngine) Name() string        { return f.name }

func (f *fakeEngine) Provision(ctx context.Context, spec ProvisionSpec) (*Placement, error) {
	f.mu.Lock()
	f.provisions++
	n := f.provisions
	f.mu.Unlock()
	if f.provisionFn != nil {
		return f.provisionFn(ctx, spec)
	}
	return &Placement{
		ExternalID:     fmt.Sprintf("%s-ext-%d", f.name, n),
		Node:           f.name,
		RemoteDebugURL: "ws://localhost:9222",
		StreamHost:     "localhost",
		StreamPort:     "32768",
	}, nil
}

func (f *fakeEngine) Teardown(ctx context.Context, c *models.ContainerInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, c.ExternalID)
	return nil
}

func (f *fakeEngine) HealthCheck(ctx context.Context, c *models.ContainerInstance) error {
	return f.healthErr
}

func (f *fakeEngine) provisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions
}
