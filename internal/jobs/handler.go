package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/browser"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Execution is everything a handler sees about the job it runs.
type Execution struct {
	Job       *models.Job
	Session   *models.Session
	Container *models.ContainerInstance
}

// Handler runs one job type against a live session. Returning an error
// wrapping models.ErrRiskDetected hibernates the session.
type Handler interface {
	Handle(ctx context.Context, exec Execution) error
}

type HandlerFunc func(ctx context.Context, exec Execution) error

func (f HandlerFunc) Handle(ctx context.Context, exec Execution) error {
	return f(ctx, exec)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

const NavigateJob = "navigate"

type navigatePayload struct {
	URL         string `json:"url"`
	WaitVisible string `json:"waitVisible,omitempty"`
}

// Path fragments the target site redirects to when it challenges or
// drops a session.
var (
	challengeMarkers = []string{"/checkpoint/", "captcha", "/challenge"}
	loginMarkers     = []string{"/login", "/authwall", "/uas/login"}
)

// NavigateHandler opens the payload URL in the session's browser and
// checks where the site actually landed.
func NavigateHandler(logger *zap.Logger) Handler {
	log := logger.Named("navigate")
	return HandlerFunc(func(ctx context.Context, exec Execution) error {
		p, err := parseNavigate(exec.Job.Payload)
		if err != nil {
			return err
		}
		if exec.Container == nil || exec.Container.RemoteDebugURL == "" {
			return fmt.Errorf("%w: no debug endpoint", models.ErrSessionNotReady)
		}

		tabCtx, cancel := browser.Attach(ctx, exec.Container.RemoteDebugURL)
		defer cancel()

		var location, title string
		actions := []chromedp.Action{chromedp.Navigate(p.URL)}
		if p.WaitVisible != "" {
			actions = append(actions, chromedp.WaitVisible(p.WaitVisible, chromedp.ByQuery))
		}
		actions = append(actions, chromedp.Location(&location), chromedp.Title(&title))
		if err := chromedp.Run(tabCtx, actions...); err != nil {
			return fmt.Errorf("navigate to %s: %w", p.URL, err)
		}

		log.Debug("navigation finished",
			zap.String("job_id", exec.Job.ID),
			zap.String("location", location),
			zap.String("title", title))
		return classifyLanding(location)
	})
}

func parseNavigate(raw json.RawMessage) (navigatePayload, error) {
	var p navigatePayload
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: navigate payload is empty", models.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return p, fmt.Errorf("%w: navigate url must be absolute http(s)", models.ErrInvalidArgument)
	}
	return p, nil
}

// classifyLanding maps the final page location to a job outcome.
func classifyLanding(location string) error {
	lower := strings.ToLower(location)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: landed on %s", models.ErrRiskDetected, location)
		}
	}
	for _, m := range loginMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: redirected to %s", models.ErrLoginNotDetected, location)
		}
	}
	return nil
}
