package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrResponseTooLarge is the cause of a read-stage NetworkError for a body
// over the gateway's size limit.
var ErrResponseTooLarge = errors.New("response body too large")

// Stage records how far a request got before a NetworkError.
type Stage string

const (
	// StageSetup means no request could be constructed.
	StageSetup Stage = "setup"
	// StageSend means the request was built but no response arrived.
	StageSend Stage = "send"
	// StageRead means the response body could not be read to the end.
	StageRead Stage = "read"
)

// NetworkError reports a request that never produced a complete response.
type NetworkError struct {
	Stage  Stage
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return "network error"
	}
	return fmt.Sprintf("%s %s: network error during %s: %v", e.Method, e.URL, e.Stage, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline or transport timeout.
func (e *NetworkError) Timeout() bool {
	if e == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ServerError is any non-2xx response. Body holds the raw bytes the backend
// sent and is never interpreted by the gateway.
type ServerError struct {
	Status int
	Body   []byte
	Method string
	URL    string
}

func (e *ServerError) Error() string {
	if e == nil {
		return "server error"
	}
	text := http.StatusText(e.Status)
	if text == "" {
		text = "status"
	}
	return fmt.Sprintf("%s %s: server responded %d %s", e.Method, e.URL, e.Status, text)
}

// ValidationErrors returns the field -> messages map of a validation
// failure body ({"errors": {...}}), or nil when the body has none.
func (e *ServerError) ValidationErrors() map[string][]string {
	if e == nil {
		return nil
	}
	field := gjson.GetBytes(e.Body, "errors")
	if !field.IsObject() {
		return nil
	}
	out := map[string][]string{}
	field.ForEach(func(key, value gjson.Result) bool {
		messages := []string{}
		if value.IsArray() {
			for _, msg := range value.Array() {
				messages = append(messages, msg.String())
			}
		} else {
			messages = append(messages, value.String())
		}
		out[key.String()] = messages
		return true
	})
	return out
}

// Message returns the backend's "message" field when present.
func (e *ServerError) Message() string {
	if e == nil {
		return ""
	}
	return gjson.GetBytes(e.Body, "message").String()
}

// AuthError reports a missing or unusable session credential at the point
// a private channel is authorized.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "authorization failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return "authorization failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// CancelledError reports a request abandoned by its caller. Callers are
// expected to drop it silently.
type CancelledError struct {
	Method string
	URL    string
	Err    error
}

func (e *CancelledError) Error() string {
	if e == nil {
		return "request cancelled"
	}
	return fmt.Sprintf("%s %s: request cancelled", e.Method, e.URL)
}

func (e *CancelledError) Unwrap() error { return e.Err }

func IsUnauthorized(err error) bool {
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.Status == http.StatusUnauthorized || serverErr.Status == http.StatusForbidden
}

func IsCancelled(err error) bool {
	var cancelled *CancelledError
	return errors.As(err, &cancelled)
}

func IsNetwork(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}

func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// StatusCode returns the HTTP status carried by a ServerError.
func StatusCode(err error) (int, bool) {
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return 0, false
	}
	return serverErr.Status, true
}

// outcome is the metrics label for a request result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsCancelled(err):
		return "cancelled"
	case IsNetwork(err):
		return "network"
	default:
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			return "server"
		}
		return "error"
	}
}

func classifyFailure(ctx context.Context, stage Stage, method string, target string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		cause := err
		if !errors.Is(cause, context.Canceled) {
			cause = fmt.Errorf("%w: %w", context.Canceled, err)
		}
		return &CancelledError{Method: method, URL: target, Err: cause}
	}
	return &NetworkError{Stage: stage, Method: method, URL: target, Err: err}
}
