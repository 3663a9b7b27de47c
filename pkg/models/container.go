package models

import "time"

// Runtime selects the interactive streaming stack inside the container
type Runtime string

const (
	RuntimePixelStream  Runtime = "interactive-pixel-stream"
	RuntimeWebRTCStream Runtime = "interactive-webrtc-stream"
)

// RuntimeForStreamMode maps the caller-facing stream mode onto a runtime.
// Empty input selects the pixel stream.
func RuntimeForStreamMode(mode string) (Runtime, bool) {
	switch mode {
	case "", "pixel", "vnc", string(RuntimePixelStream):
		return RuntimePixelStream, true
	case "webrtc", string(RuntimeWebRTCStream):
		return RuntimeWebRTCStream, true
	}
	return "", false
}

// Engine selects the infrastructure that hosts the container
type Engine string

const (
	EngineSingleHost    Engine = "single-host"
	EngineCluster       Engine = "cluster-orchestrated"
	EngineManagedRemote Engine = "managed-remote-browser"
)

// ContainerState is owned exclusively by the orchestrator
type ContainerState string

const (
	ContainerStarting    ContainerState = "starting"
	ContainerReady       ContainerState = "ready"
	ContainerHibernating ContainerState = "hibernating"
	ContainerStopped     ContainerState = "stopped"
	ContainerError       ContainerState = "error"
)

// Live reports whether the container may still be serving its session
func (s ContainerState) Live() bool {
	return s == ContainerStarting || s == ContainerReady || s == ContainerHibernating
}

// ContainerInstance is the ephemeral compute unit behind a session
type ContainerInstance struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId"`
	Runtime        Runtime        `json:"runtime"`
	Engine         Engine         `json:"engine"`
	Node           string         `json:"node,omitempty"`
	ExternalID     string         `json:"-"`
	RemoteDebugURL string         `json:"remoteDebugUrl,omitempty"`
	StreamURL      string         `json:"streamUrl,omitempty"`
	StreamHost     string         `json:"-"`
	StreamPort     string         `json:"streamPort,omitempty"`
	ProfileDir     string         `json:"-"`
	State          ContainerState `json:"state"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
