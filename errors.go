package gcpconfig

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError is returned when the caller's configuration can not produce a
// valid request, such as a missing project ID or an empty variable name. It is always
// raised before any request is made to Runtime Configurator.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Msg
}

// AuthenticationError wraps failures to discover, load or authorize credentials.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return "unable to authenticate: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause see through the error.
func (e *AuthenticationError) Cause() error { return e.Err }

// RemoteServiceError wraps a failed call to Runtime Configurator.
// StatusCode holds the HTTP status when the service answered, 0 otherwise.
type RemoteServiceError struct {
	Name       string
	StatusCode int
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("unable to get variable %q (status %d): %s", e.Name, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("unable to get variable %q: %s", e.Name, e.Err)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

func (e *RemoteServiceError) Cause() error { return e.Err }

// ErrMissingPayload is the cause of a MalformedResponseError for variables carrying
// neither text nor value.
var ErrMissingPayload = errors.New("neither text nor value present")

// MalformedResponseError is returned when a variable carries neither a text nor a
// valid base64 value. Err is never nil.
type MalformedResponseError struct {
	Name string
	Msg  string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("malformed variable %q: %s", e.Name, e.Err)
	}
	return fmt.Sprintf("malformed variable %q: %s: %s", e.Name, e.Msg, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Cause() error { return e.Err }
