package models

import "errors"

// Domain-level sentinel errors. They carry no HTTP semantics; the api
// package maps them to status codes.
var (
	// ErrProvisioning indicates a container could not be created or reached
	ErrProvisioning = errors.New("provisioning error")

	// ErrProvisionTimeout indicates the container never became ready before the deadline
	ErrProvisionTimeout = errors.New("provision timeout")

	// ErrEngineUnavailable indicates the selected engine cannot accept work right now
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrNoProxyAvailable indicates the active proxy set is empty or fully leased
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrLoginNotDetected indicates no authenticated markers were found in the browser
	ErrLoginNotDetected = errors.New("login not detected")

	// ErrSessionNotReady indicates the session's container is not ready
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSnapshotNotFound indicates the snapshot key does not exist
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSessionUnusable indicates the session is failed or expired
	ErrSessionUnusable = errors.New("session unusable")

	// ErrSessionNotFound indicates no session exists with the given ID
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionConflict indicates the user already owns a non-terminal session
	ErrSessionConflict = errors.New("active session already exists")

	// ErrInvalidArgument indicates a malformed or unsupported request value
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition indicates the requested operation is not valid in the current status
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrContainerNotFound indicates no container exists with the given ID
	ErrContainerNotFound = errors.New("container not found")

	// ErrJobNotFound indicates no job exists with the given ID
	ErrJobNotFound = errors.New("job not found")

	// ErrProxyNotFound indicates no proxy entry exists with the given ID
	ErrProxyNotFound = errors.New("proxy not found")

	// ErrRiskDetected indicates the target site challenged the session (CAPTCHA, checkpoint)
	ErrRiskDetected = errors.New("risk detected")

	// ErrInvalidRoute indicates a malformed stream path
	ErrInvalidRoute = errors.New("invalid route")

	// ErrUpstreamUnreachable indicates the stream proxy has no upstream configured
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// IsTransient reports whether err is worth retrying with backoff. A
// provision timeout is fatal for the attempt even when wrapped as a
// provisioning error.
func IsTransient(err error) bool {
	if errors.Is(err, ErrProvisionTimeout) {
		return false
	}
	return errors.Is(err, ErrProvisioning) ||
		errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, ErrNoProxyAvailable)
}
