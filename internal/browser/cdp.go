package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

const jsReadLocalStorage = `(function() {
	let items = {};
	try {
		const s = window.localStorage;
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			if (k) { items[k] = s.getItem(k); }
		}
	} catch (e) {}
	return items;
})()`

// CDPState attaches to a container's debug endpoint over the Chrome
// DevTools Protocol.
type CDPState struct {
	origin string
	log    *zap.Logger
}

// NewCDPState reads local storage from targetOrigin.
func NewCDPState(targetOrigin string, logger *zap.Logger) *CDPState {
	return &CDPState{origin: targetOrigin, log: logger.Named("cdp")}
}

// Attach opens a new tab in the remote browser. Cancelling the returned
// func closes the tab and leaves the browser running.
func Attach(ctx context.Context, debugURL string) (context.Context, context.CancelFunc) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, debugURL)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	return tabCtx, func() {
		cancelTab()
		cancelAlloc()
	}
}

func (s *CDPState) Extract(ctx context.Context, c *models.ContainerInstance) (*models.BrowserState, error) {
	tabCtx, cancel := Attach(ctx, c.RemoteDebugURL)
	defer cancel()

	var cookies []*network.Cookie
	local := map[string]string{}
	err := chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) (err error) {
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Navigate(s.origin),
		chromedp.Evaluate(jsReadLocalStorage, &local),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to extract browser state: %w", err)
	}

	state := &models.BrowserState{LocalStorage: local}
	for _, ck := range cookies {
		state.Cookies = append(state.Cookies, models.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  ck.Expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}

	s.log.Debug("extracted browser state",
		zap.String("container_id", c.ID),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("local_storage_keys", len(local)))
	return state, nil
}

func (s *CDPState) Replay(ctx context.Context, c *models.ContainerInstance, state *models.BrowserState) error {
	if state == nil {
		return nil
	}
	tabCtx, cancel := Attach(ctx, c.RemoteDebugURL)
	defer cancel()

	params := CookieParams(state.Cookies)
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(params) == 0 {
				return nil
			}
			return storage.SetCookies(params).Do(ctx)
		}),
	}
	if len(state.LocalStorage) > 0 {
		payload, err := json.Marshal(state.LocalStorage)
		if err != nil {
			return err
		}
		script := fmt.Sprintf(`(function(items) {
	for (const [k, v] of Object.entries(items)) { window.localStorage.setItem(k, v); }
	return true;
})(%s)`, payload)
		var ok bool
		actions = append(actions, chromedp.Navigate(s.origin), chromedp.Evaluate(script, &ok))
	}

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return fmt.Errorf("failed to replay browser state: %w", err)
	}
	return nil
}

// CookieParams converts stored cookies to CDP set-cookie parameters.
// Session cookies (no positive expiry) stay session cookies.
func CookieParams(cookies []models.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.SameSite != "" {
			p.SameSite = network.CookieSameSite(ck.SameSite)
		}
		if ck.Expires > 0 {
			sec := int64(ck.Expires)
			nsec := int64((ck.Expires - float64(sec)) * float64(time.Second))
			exp := cdp.TimeSinceEpoch(time.Unix(sec, nsec))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}
