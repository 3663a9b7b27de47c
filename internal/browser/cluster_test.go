package browser

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

func TestClusterPlacesOnLeastLoadedNode(t *testing.T) {
	ctx := context.Background()
	a := &fakeEngine{kind: models.EngineSingleHost, name: "a"}
	b := &fakeEngine{kind: models.EngineSingleHost, name: "b"}
	c := NewClusterEngine(zaptest.NewLogger(t), a, b)
	c.Adopt([]*models.ContainerInstance{
		{Engine: models.EngineCluster, Node: "a", State: models.ContainerReady},
		{Engine: models.EngineCluster, Node: "a", State: models.ContainerStopped},
	})

	p, err := c.Provision(ctx, ProvisionSpec{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "b", p.Node)

	p, err = c.Provision(ctx, ProvisionSpec{SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "a", p.Node, "tie goes to the first configured node")

	assert.Equal(t, map[string]int{"a": 2, "b": 1}, c.Load())

	require.NoError(t, c.Teardown(ctx, &models.ContainerInstance{Node: "a", ExternalID: p.ExternalID}))
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, c.Load())
}

func TestClusterSkipsUnavailableNode(t *testing.T) {
	down := &fakeEngine{kind: models.EngineSingleHost, name: "down", provisionFn: func(ctx context.Context, spec ProvisionSpec) (*Placement, error) {
		return nil, fmt.Errorf("%w: daemon unreachable", models.ErrEngineUnavailable)
	}}
	up := &fakeEngine{kind: models.EngineSingleHost, name: "up"}
	c := NewClusterEngine(zaptest.NewLogger(t), down, up)

	p, err := c.Provision(context.Background(), ProvisionSpec{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "up", p.Node)
}

func TestClusterProvisioningErrorIsNotRetriedElsewhere(t *testing.T) {
	bad := &fakeEngine{kind: models.EngineSingleHost, name: "bad", provisionFn: func(ctx context.Context, spec ProvisionSpec) (*Placement, error) {
		return nil, fmt.Errorf("%w: bad image", models.ErrProvisioning)
	}}
	other := &fakeEngine{kind: models.EngineSingleHost, name: "other"}
	c := NewClusterEngine(zaptest.NewLogger(t), bad, other)

	_, err := c.Provision(context.Background(), ProvisionSpec{SessionID: "s"})
	assert.ErrorIs(t, err, models.ErrProvisioning)
	assert.Zero(t, other.provisionCount())
}

func TestClusterEmptyAndUnknownNode(t *testing.T) {
	c := NewClusterEngine(zaptest.NewLogger(t))
	_, err := c.Provision(context.Background(), ProvisionSpec{})
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)

	err = c.HealthCheck(context.Background(), &models.ContainerInstance{Node: "ghost"})
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)
}
