package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

func TestRemoteEngineLifecycle(t *testing.T) {
	var created remoteCreateRequest
	deleted := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		json.NewEncoder(w).Encode(remoteSession{ID: "r-1", Status: "RUNNING", ConnectURL: "wss://cdp.example/r-1", LiveViewURL: "https://view.example/r-1"})
	})
	mux.HandleFunc("GET /v1/sessions/r-1", func(w http.ResponseWriter, r *http.Request) {
		status := "RUNNING"
		if deleted {
			status = "COMPLETED"
		}
		json.NewEncoder(w).Encode(remoteSession{ID: "r-1", Status: status})
	})
	mux.HandleFunc("DELETE /v1/sessions/r-1", func(w http.ResponseWriter, r *http.Request) {
		if deleted {
			http.NotFound(w, r)
			return
		}
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewRemoteEngine(config.RemoteEngineConfig{BaseURL: srv.URL, APIKey: "secret", ProjectID: "proj"}, zaptest.NewLogger(t))
	ctx := context.Background()

	p, err := e.Provision(ctx, ProvisionSpec{
		SessionID: "sess-1",
		Runtime:   models.RuntimePixelStream,
		Proxy:     &models.ProxyEntry{Endpoint: "http://proxy:8080"},
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", p.ExternalID)
	assert.Equal(t, "https://view.example/r-1", p.StreamURL)
	assert.Equal(t, "sess-1", created.SessionID)
	assert.Equal(t, "http://proxy:8080", created.Proxy.Server)

	c := &models.ContainerInstance{ExternalID: "r-1"}
	require.NoError(t, e.HealthCheck(ctx, c))
	require.NoError(t, e.Teardown(ctx, c))
	require.NoError(t, e.Teardown(ctx, c), "second teardown sees 404 and succeeds")
	assert.ErrorIs(t, e.HealthCheck(ctx, c), models.ErrProvisioning)
}

func TestRemoteEngineErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	e := NewRemoteEngine(config.RemoteEngineConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := e.Provision(context.Background(), ProvisionSpec{SessionID: "s"})
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)

	status = http.StatusBadRequest
	_, err = e.Provision(context.Background(), ProvisionSpec{SessionID: "s"})
	assert.ErrorIs(t, err, models.ErrProvisioning)
}

func TestRemoteEngineWithoutBaseURL(t *testing.T) {
	e := NewRemoteEngine(config.RemoteEngineConfig{}, zaptest.NewLogger(t))
	_, err := e.Provision(context.Background(), ProvisionSpec{SessionID: "s"})
	assert.ErrorIs(t, err, models.ErrEngineUnavailable)
}
