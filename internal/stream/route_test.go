package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/session-plane/pkg/models"
)

func TestResolve(t *testing.T) {
	rt := Routing{Host: "10.0.0.5", DefaultDoc: "vnc.html"}

	tests := []struct {
		name string
		path string
		want Target
	}{
		{"document", "/stream/6080/vnc.html", Target{Host: "10.0.0.5", Port: 6080, Path: "/vnc.html"}},
		{"nested", "/stream/6080/core/rfb.js", Target{Host: "10.0.0.5", Port: 6080, Path: "/core/rfb.js"}},
		{"websocket endpoint", "/stream/32768/websockify", Target{Host: "10.0.0.5", Port: 32768, Path: "/websockify"}},
		{"bare", "/stream/6080", Target{Host: "10.0.0.5", Port: 6080, Path: "/vnc.html"}},
		{"trailing slash", "/stream/6080/", Target{Host: "10.0.0.5", Port: 6080, Path: "/vnc.html"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.path, rt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRejectsMalformedPorts(t *testing.T) {
	rt := Routing{Host: "localhost", DefaultDoc: "vnc.html", MinPort: 30000, MaxPort: 40000}
	for _, path := range []string{
		"/stream/abc/vnc.html",
		"/stream//vnc.html",
		"/stream/-1/",
		"/stream/12a/",
		"/stream/0/",
		"/stream/99999/",
		"/stream/123456/",
		"/stream/8080/",
		"/other/6080/",
	} {
		_, err := Resolve(path, rt)
		assert.ErrorIs(t, err, models.ErrInvalidRoute, path)
	}
}

func TestResolveWithoutHost(t *testing.T) {
	_, err := Resolve("/stream/6080/vnc.html", Routing{DefaultDoc: "vnc.html"})
	assert.ErrorIs(t, err, models.ErrUpstreamUnreachable)

	// Route validation still comes first.
	_, err = Resolve("/stream/abc/vnc.html", Routing{})
	assert.ErrorIs(t, err, models.ErrInvalidRoute)
}

func TestResolveWithoutDefaultDoc(t *testing.T) {
	got, err := Resolve("/stream/6080", Routing{Host: "h"})
	require.NoError(t, err)
	assert.Equal(t, "/", got.Path)
}
