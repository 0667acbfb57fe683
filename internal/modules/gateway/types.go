package gateway

import "time"

const (
	namespaceAdmin = "/admin"
	redisChanAdmin = "gate:gateway:admin"

	terminateChanPrefix = "gate:session:terminate:"

	// terminatePollTimeout bounds each wait on the per-session terminate
	// subscription so a connection's keep-alive loop can still observe its
	// own client disconnecting.
	terminatePollTimeout = 1 * time.Second

	// DefaultTerminateReason is used when a publisher omits the reason.
	DefaultTerminateReason = "revoked"
)

// Termination reasons published on the per-session channel.
const (
	ReasonLimitExceeded = "limit_exceeded"
	ReasonAdminLogout   = "admin_logout"
	ReasonAdminRevoke   = "admin_revoke"
	ReasonIdleTimeout   = "idle_timeout"
)

// Message is the envelope used by admin broadcasts and Redis fan-out.
type Message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// TerminateNotice is the structured notice sent to a viewer connection right
// before it is closed.
type TerminateNotice struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Conn is one live viewer connection handle. Implementations adapt the actual
// transport (websocket) and must tolerate SendNotice/Close after the peer has
// gone.
type Conn interface {
	SendNotice(notice TerminateNotice) error
	Close() error
}
