package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// RemoteEngine provisions browsers from a hosted browser provider over its
// HTTP API. The provider owns the profile, so ProvisionSpec.ProfileDir is
// only used locally for snapshots.
type RemoteEngine struct {
	baseURL   string
	apiKey    string
	projectID string
	client    *http.Client
	log       *zap.Logger
}

type remoteCreateRequest struct {
	ProjectID   string             `json:"projectId,omitempty"`
	SessionID   string             `json:"externalReference"`
	Proxy       *remoteProxy       `json:"proxy,omitempty"`
	Fingerprint models.Fingerprint `json:"fingerprint"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

type remoteProxy struct {
	Server string `json:"server"`
}

type remoteSession struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ConnectURL  string `json:"connectUrl"`
	LiveViewURL string `json:"liveViewUrl"`
}

func NewRemoteEngine(cfg config.RemoteEngineConfig, logger *zap.Logger) *RemoteEngine {
	return &RemoteEngine{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		projectID: cfg.ProjectID,
		client:    &http.Client{Timeout: 60 * time.Second},
		log:       logger.Named("remote"),
	}
}

func (e *RemoteEngine) Kind() models.Engine { return models.EngineManagedRemote }

func (e *RemoteEngine) Provision(ctx context.Context, spec ProvisionSpec) (*Placement, error) {
	body := remoteCreateRequest{
		ProjectID:   e.projectID,
		SessionID:   spec.SessionID,
		Fingerprint: spec.Fingerprint,
		Metadata:    map[string]string{"runtime": string(spec.Runtime)},
	}
	if spec.Proxy != nil {
		body.Proxy = &remoteProxy{Server: spec.Proxy.Endpoint}
	}

	var rs remoteSession
	if err := e.do(ctx, http.MethodPost, "/v1/sessions", body, &rs); err != nil {
		return nil, err
	}
	if rs.ID == "" || rs.ConnectURL == "" {
		return nil, fmt.Errorf("%w: provider returned an incomplete session", models.ErrProvisioning)
	}

	e.log.Info("remote browser created", zap.String("session_id", spec.SessionID), zap.String("remote_id", rs.ID))
	return &Placement{
		ExternalID:     rs.ID,
		Node:           "remote",
		RemoteDebugURL: rs.ConnectURL,
		StreamURL:      rs.LiveViewURL,
	}, nil
}

func (e *RemoteEngine) Teardown(ctx context.Context, c *models.ContainerInstance) error {
	if c.ExternalID == "" {
		return nil
	}
	err := e.do(ctx, http.MethodDelete, "/v1/sessions/"+c.ExternalID, nil, nil)
	if isRemoteNotFound(err) {
		return nil
	}
	return err
}

func (e *RemoteEngine) HealthCheck(ctx context.Context, c *models.ContainerInstance) error {
	var rs remoteSession
	if err := e.do(ctx, http.MethodGet, "/v1/sessions/"+c.ExternalID, nil, &rs); err != nil {
		return err
	}
	if !strings.EqualFold(rs.Status, "running") {
		return fmt.Errorf("%w: remote browser is %s", models.ErrProvisioning, rs.Status)
	}
	return nil
}

type remoteError struct {
	status int
	body   string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.body)
}

func isRemoteNotFound(err error) bool {
	re, ok := err.(*remoteError)
	return ok && re.status == http.StatusNotFound
}

func (e *RemoteEngine) do(ctx context.Context, method, path string, in, out any) error {
	if e.baseURL == "" {
		return fmt.Errorf("%w: remote engine has no base url", models.ErrEngineUnavailable)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("remote %s %s: %w", method, path, ctx.Err())
		}
		return fmt.Errorf("%w: %v", models.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &remoteError{status: resp.StatusCode, body: string(msg)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %v", models.ErrEngineUnavailable, &remoteError{status: resp.StatusCode, body: string(msg)})
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %v", models.ErrProvisioning, &remoteError{status: resp.StatusCode, body: string(msg)})
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
