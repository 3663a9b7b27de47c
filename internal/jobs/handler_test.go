package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

func TestParseNavigate(t *testing.T) {
	p, err := parseNavigate([]byte(`{"url":"https://example.com/feed","waitVisible":"main"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/feed", p.URL)
	assert.Equal(t, "main", p.WaitVisible)

	for _, raw := range []string{``, `{`, `{"url":""}`, `{"url":"file:///etc/passwd"}`, `{"url":"/relative"}`} {
		_, err := parseNavigate([]byte(raw))
		assert.ErrorIs(t, err, models.ErrInvalidArgument, raw)
	}
}

func TestClassifyLanding(t *testing.T) {
	assert.NoError(t, classifyLanding("https://example.com/feed/"))
	assert.ErrorIs(t, classifyLanding("https://example.com/checkpoint/challenge/123"), models.ErrRiskDetected)
	assert.ErrorIs(t, classifyLanding("https://example.com/CAPTCHA?x=1"), models.ErrRiskDetected)
	assert.ErrorIs(t, classifyLanding("https://example.com/login?session_redirect=feed"), models.ErrLoginNotDetected)
}

func TestNavigateNeedsDebugEndpoint(t *testing.T) {
	h := NavigateHandler(zaptest.NewLogger(t))
	err := h.Handle(context.Background(), Execution{
		Job:       &models.Job{ID: "j1", Payload: []byte(`{"url":"https://example.com"}`)},
		Container: &models.ContainerInstance{},
	})
	assert.ErrorIs(t, err, models.ErrSessionNotReady)
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	r.Register(NavigateJob, NavigateHandler(zaptest.NewLogger(t)))
	r.Register("extract", HandlerFunc(func(ctx context.Context, exec Execution) error { return nil }))

	assert.Equal(t, []string{"extract", NavigateJob}, r.Types())
	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}
