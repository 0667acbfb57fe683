package admission

import "errors"

// RejectionError is a typed, user-facing rejection. Reason is a stable
// machine-readable string so the calling edge can map it to a UI action
// without parsing free text.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

var (
	// ErrCodeInvalid: the presented code does not exist.
	ErrCodeInvalid = &RejectionError{Reason: "invalid_or_inactive"}
	// ErrCodeForbidden: the code exists but is revoked or expired.
	ErrCodeForbidden = &RejectionError{Reason: "forbidden"}
	// ErrMissingRefresh: no refresh identifier was presented.
	ErrMissingRefresh = &RejectionError{Reason: "missing_refresh"}
	// ErrInvalidRefresh: unknown, foreign, or already-used refresh token.
	// Reuse of a revoked token indicates a stale client or a stolen token
	// and always fails hard.
	ErrInvalidRefresh = &RejectionError{Reason: "invalid_refresh"}
	// ErrSessionInactive: the owning session was deactivated.
	ErrSessionInactive = &RejectionError{Reason: "session_inactive"}
	// ErrSessionInvalid: the session is unknown, inactive, or stale.
	ErrSessionInvalid = &RejectionError{Reason: "session_invalid"}
	// ErrCodeGone: the session's code no longer exists.
	ErrCodeGone = &RejectionError{Reason: "code_invalid"}
	// ErrNotAllowed: the code does not grant access to the event, or is no
	// longer usable.
	ErrNotAllowed = &RejectionError{Reason: "not_allowed"}
)

// RejectionReason extracts the stable reason string from an error chain.
func RejectionReason(err error) (string, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
