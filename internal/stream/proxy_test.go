package stream

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// upstream starts a fake container stream server and returns its port.
func upstream(t *testing.T, h http.Handler) (string, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	return host, port
}

func frontend(t *testing.T, rt Routing) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(rt, time.Second, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func TestNonNumericPortNeverDials(t *testing.T) {
	var hits atomic.Int32
	host, _ := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	front := frontend(t, Routing{Host: host, DefaultDoc: "vnc.html"})

	resp, err := http.Get(front.URL + "/stream/abc/vnc.html")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, hits.Load())
}

func TestMissingHostFailsFast(t *testing.T) {
	front := frontend(t, Routing{DefaultDoc: "vnc.html"})

	resp, err := http.Get(front.URL + "/stream/6080/vnc.html")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "no upstream host configured")
}

func TestForwardsHTTPAndRewritesPath(t *testing.T) {
	var gotPath, gotQuery atomic.Value
	host, port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>viewer</html>")
	}))
	front := frontend(t, Routing{Host: host, DefaultDoc: "vnc.html"})

	resp, err := http.Get(front.URL + "/stream/" + port + "?autoconnect=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>viewer</html>", string(body))
	assert.Equal(t, "/vnc.html", gotPath.Load())
	assert.Equal(t, "autoconnect=1", gotQuery.Load())

	resp2, err := http.Get(front.URL + "/stream/" + port + "/app/ui.js")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, "/app/ui.js", gotPath.Load())
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	// Grab a free port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(l.Addr().String())
	l.Close()

	front := frontend(t, Routing{Host: "127.0.0.1", DefaultDoc: "vnc.html"})
	resp, err := http.Get(front.URL + "/stream/" + port + "/vnc.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebSocketEcho(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{"binary"}}
	host, port := upstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/websockify", r.URL.Path)
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	front := frontend(t, Routing{Host: host, DefaultDoc: "vnc.html"})

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/stream/" + port + "/websockify"
	dialer := websocket.Dialer{Subprotocols: []string{"binary"}}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "binary", resp.Header.Get("Sec-Websocket-Protocol"))

	payload := []byte{0x52, 0x46, 0x42, 0x20}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, got, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, got)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
}

func TestWebSocketUpstreamDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(l.Addr().String())
	l.Close()

	front := frontend(t, Routing{Host: "127.0.0.1"})
	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/stream/" + port + "/websockify"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
