package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler forwards plain HTTP through a reverse proxy and pumps WebSocket
// frames between the viewer and the container. Only the upstream dial is
// bounded; established connections live as long as both ends do.
type Handler struct {
	routing   Routing
	transport *http.Transport
	dialer    *websocket.Dialer
	log       *zap.Logger
}

func NewHandler(rt Routing, dialTimeout time.Duration, logger *zap.Logger) *Handler {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	netDialer := &net.Dialer{Timeout: dialTimeout}
	return &Handler{
		routing: rt,
		transport: &http.Transport{
			DialContext:           netDialer.DialContext,
			ResponseHeaderTimeout: dialTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: dialTimeout,
		},
		log: logger.Named("stream"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := Resolve(r.URL.Path, h.routing)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, models.ErrInvalidRoute) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		h.proxyWebSocket(w, r, target)
		return
	}
	h.proxyHTTP(w, r, target)
}

func (h *Handler) proxyHTTP(w http.ResponseWriter, r *http.Request, target Target) {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = target.Addr()
			pr.Out.URL.Path = target.Path
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Addr()
			pr.SetXForwarded()
		},
		Transport:     h.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Warn("upstream request failed", zap.String("upstream", target.Addr()), zap.Error(err))
			http.Error(w, "stream upstream unreachable: "+err.Error(), http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func (h *Handler) proxyWebSocket(w http.ResponseWriter, r *http.Request, target Target) {
	upstreamURL := url.URL{Scheme: "ws", Host: target.Addr(), Path: target.Path, RawQuery: r.URL.RawQuery}

	header := http.Header{}
	for _, k := range []string{"Origin", "Cookie", "User-Agent"} {
		if v := r.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	dialer := *h.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	ctx, cancel := context.WithTimeout(r.Context(), h.dialer.HandshakeTimeout)
	upstream, resp, err := dialer.DialContext(ctx, upstreamURL.String(), header)
	cancel()
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		h.log.Warn("failed to dial stream upstream", zap.String("upstream", upstreamURL.String()), zap.Error(err))
		http.Error(w, "stream upstream unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	var respHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.log.Warn("failed to upgrade viewer connection", zap.Error(err))
		return
	}
	defer client.Close()

	h.log.Debug("stream connected", zap.String("upstream", upstreamURL.String()))

	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		h.pump(client, upstream, "viewer->container")
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		h.pump(upstream, client, "container->viewer")
	}()
	wg.Wait()

	h.log.Debug("stream disconnected", zap.String("upstream", upstreamURL.String()))
}

// pump copies frames from src to dst until either side fails, forwarding
// close frames so each peer sees the other's close code.
func (h *Handler) pump(src, dst *websocket.Conn, direction string) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				if ce.Code == websocket.CloseNoStatusReceived {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			} else if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				h.log.Debug("stream read ended", zap.String("direction", direction), zap.Error(err))
			}
			return
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			h.log.Debug("stream write failed", zap.String("direction", direction), zap.Error(err))
			return
		}
	}
}
