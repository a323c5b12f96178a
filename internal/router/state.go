package router

// State is the lifecycle position of a streaming session.
type State string

const (
	StateConnecting  State = "CONNECTING"
	StateConfiguring State = "CONFIGURING"
	StateStreaming   State = "STREAMING"
	StateClosing     State = "CLOSING"
	StateClosed      State = "CLOSED"
	StateFailed      State = "FAILED"
)

// Close reasons reported to the client in extension.session_closed.
const (
	ReasonClientDisconnected      = "client_disconnected"
	ReasonBackendDisconnected     = "backend_disconnected"
	ReasonBackendConnectionFailed = "backend_connection_failed"
	ReasonProtocolErrors          = "protocol_errors"
	ReasonTransportFailure        = "transport_failure"
	ReasonShutdown                = "shutdown"
	ReasonExpired                 = "inactivity_timeout"
	ReasonTerminated              = "terminated"
)

// closeCause carries a close reason through context cancellation.
type closeCause string

func (c closeCause) Error() string { return string(c) }
