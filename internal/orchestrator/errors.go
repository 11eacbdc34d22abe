package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means the user has no usable credentials for the platform.
	ErrNotConnected = errors.New("not connected")
	// ErrTokenExpired means credentials exist but are stale.
	ErrTokenExpired = errors.New("token expired")
	// ErrUpstream marks failures reported by a platform API.
	ErrUpstream = errors.New("upstream error")
	// ErrInvalidCachedPayload means a stored entry could not be decoded.
	ErrInvalidCachedPayload = errors.New("invalid cached payload")
)

const (
	ReasonNotConnected = "not_connected"
	ReasonTokenExpired = "token_expired"
)

// UpstreamError wraps a platform failure while keeping its message intact.
type UpstreamError struct {
	Source string
	Err    error
}

// Upstream wraps err as an UpstreamError attributed to source.
func Upstream(source string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Source: source, Err: err}
}

func (e *UpstreamError) Error() string {
	if e.Source == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Reason maps an error to the reason code returned to consumers: a fixed code
// for authentication problems, otherwise the raw error message.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrTokenExpired):
		return ReasonTokenExpired
	default:
		return err.Error()
	}
}
