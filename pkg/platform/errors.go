package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed platform call for retry and reporting.
type ErrorKind string

const (
	// KindUnauthorized indicates bad or insufficient credentials.
	KindUnauthorized ErrorKind = "Unauthorized"

	// KindNotFound indicates the entity does not exist remotely.
	KindNotFound ErrorKind = "NotFound"

	// KindRateLimited indicates the platform is throttling requests.
	// Retried with a longer backoff.
	KindRateLimited ErrorKind = "RateLimited"

	// KindServerError indicates a 5xx response.
	KindServerError ErrorKind = "ServerError"

	// KindNetworkError indicates the request never produced a response.
	KindNetworkError ErrorKind = "NetworkError"

	// KindTimeout indicates no response within the bounded time.
	KindTimeout ErrorKind = "Timeout"

	// KindRejected indicates the platform refused the request (4xx other
	// than the ones above).
	KindRejected ErrorKind = "Rejected"
)

// RemoteError is the only error type a Client returns.
type RemoteError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Op is the capability method that failed (e.g. "GetChallenge").
	Op string `json:"op"`

	// ChallengeID is the local id involved, if any.
	ChallengeID string `json:"challenge_id,omitempty"`

	// StatusCode is the HTTP status, or zero if no response was received.
	StatusCode int `json:"status_code,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.ChallengeID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.ChallengeID, e.Kind)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is matches another *RemoteError by kind, so errors.Is(err, ErrNotFound)
// works regardless of op or id.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && t.Op == "" && t.ChallengeID == ""
}

// Sentinels for errors.Is.
var (
	ErrUnauthorized = &RemoteError{Kind: KindUnauthorized}
	ErrNotFound     = &RemoteError{Kind: KindNotFound}
	ErrRateLimited  = &RemoteError{Kind: KindRateLimited}
	ErrServerError  = &RemoteError{Kind: KindServerError}
	ErrNetwork      = &RemoteError{Kind: KindNetworkError}
	ErrTimeout      = &RemoteError{Kind: KindTimeout}
)

// NewError creates a RemoteError.
func NewError(kind ErrorKind, op, challengeID string, err error) *RemoteError {
	return &RemoteError{Kind: kind, Op: op, ChallengeID: challengeID, Err: err}
}

// FromStatus maps a non-2xx HTTP status to a RemoteError.
func FromStatus(op, challengeID string, status int, err error) *RemoteError {
	var kind ErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServerError
	default:
		kind = KindRejected
	}
	return &RemoteError{Kind: kind, Op: op, ChallengeID: challengeID, StatusCode: status, Err: err}
}

// Classify translates a transport error into a RemoteError. A RemoteError
// passes through unchanged.
func Classify(op, challengeID string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}

	kind := KindNetworkError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &RemoteError{Kind: kind, Op: op, ChallengeID: challengeID, Err: err}
}

// KindOf returns the kind of a RemoteError anywhere in err's chain, or ""
// when err is not a RemoteError.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether a read that failed with err may be retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServerError, KindNetworkError, KindTimeout:
		return true
	default:
		return false
	}
}
