package lcm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the storage backend. ErrStorageBusy is transient
// and retried by the backend; the rest are fatal for the failing call.
var (
	ErrStorageBusy        = errors.New("storage busy")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrNotFound           = errors.New("not found")
)

// ValidationError reports bad caller-supplied parameters. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ScopeError reports a missing or mismatched conversation scope.
type ScopeError struct {
	Reason string
}

func (e *ScopeError) Error() string { return e.Reason }

// AuthCode identifies why a delegated grant check failed.
type AuthCode string

// Authorization failure codes, surfaced verbatim to callers.
const (
	AuthExpired                  AuthCode = "expired"
	AuthMissingConversationScope AuthCode = "missing_conversation_scope"
	AuthConversationOutOfScope   AuthCode = "conversation_out_of_scope"
	AuthDepthExceeded            AuthCode = "depth_exceeded"
	AuthTokenCapExceeded         AuthCode = "token_cap_exceeded"
)

// AuthorizationError reports a delegated expansion grant check failure.
type AuthorizationError struct {
	Code       AuthCode
	SessionKey string
	Detail     string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("expansion not authorized: %s", e.Code)
	}
	return fmt.Sprintf("expansion not authorized: %s (%s)", e.Code, e.Detail)
}

// NewAuthorizationError builds an AuthorizationError with the given code.
func NewAuthorizationError(code AuthCode, sessionKey, detail string) *AuthorizationError {
	return &AuthorizationError{Code: code, SessionKey: sessionKey, Detail: detail}
}

// IsAuthorizationError extracts an AuthorizationError from err's chain.
func IsAuthorizationError(err error) (*AuthorizationError, bool) {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ExternalTimeoutError reports an exhausted gateway or sub-agent wait.
type ExternalTimeoutError struct {
	Op        string
	TimeoutMs int64
}

func (e *ExternalTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Op, e.TimeoutMs)
}

// ExternalError reports a non-ok status from the sub-agent gateway.
type ExternalError struct {
	Op     string
	Status string
	Detail string
}

func (e *ExternalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s failed with status %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s failed with status %s: %s", e.Op, e.Status, e.Detail)
}
