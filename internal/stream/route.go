// Package stream routes viewer traffic under /stream/{port}/ to the
// matching port on the container host.
package stream

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

const Prefix = "/stream/"

var portPattern = regexp.MustCompile(`^[0-9]{1,5}$`)

// Routing is the static routing table.
type Routing struct {
	Host       string
	DefaultDoc string
	MinPort    int
	MaxPort    int
}

func RoutingFromConfig(cfg config.StreamConfig) Routing {
	return Routing{
		Host:       cfg.UpstreamHost,
		DefaultDoc: cfg.DefaultDoc,
		MinPort:    cfg.MinPort,
		MaxPort:    cfg.MaxPort,
	}
}

// Target is the upstream a request resolves to.
type Target struct {
	Host string
	Port int
	Path string
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Resolve maps a request path to its upstream. Malformed ports yield
// ErrInvalidRoute; a missing upstream host yields ErrUpstreamUnreachable.
func Resolve(path string, rt Routing) (Target, error) {
	if !strings.HasPrefix(path, Prefix) {
		return Target{}, fmt.Errorf("%w: path must start with %s", models.ErrInvalidRoute, Prefix)
	}
	rest := strings.TrimPrefix(path, Prefix)

	portSeg, tail, _ := strings.Cut(rest, "/")
	if !portPattern.MatchString(portSeg) {
		return Target{}, fmt.Errorf("%w: port %q is not numeric", models.ErrInvalidRoute, portSeg)
	}
	port, _ := strconv.Atoi(portSeg)
	if port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("%w: port %d out of range", models.ErrInvalidRoute, port)
	}
	if (rt.MinPort > 0 && port < rt.MinPort) || (rt.MaxPort > 0 && port > rt.MaxPort) {
		return Target{}, fmt.Errorf("%w: port %d is outside the allowed range", models.ErrInvalidRoute, port)
	}

	if rt.Host == "" {
		return Target{}, fmt.Errorf("%w: no upstream host configured for the stream proxy", models.ErrUpstreamUnreachable)
	}

	upstreamPath := "/" + tail
	if tail == "" && rt.DefaultDoc != "" {
		upstreamPath = "/" + strings.TrimPrefix(rt.DefaultDoc, "/")
	}
	return Target{Host: rt.Host, Port: port, Path: upstreamPath}, nil
}
