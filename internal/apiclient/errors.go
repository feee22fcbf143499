package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a response outside the 2xx range.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *StatusError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Code
	}
	if detail == "" {
		detail = http.StatusText(e.Status)
	}
	return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Status, detail)
}

// NetworkError means no response was received at all.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("api: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

var (
	errNoRefreshToken = errors.New("api: no refresh token stored")
	errSessionEnded   = errors.New("api: session ended during token refresh")
)

func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusUnauthorized)
}

func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// AsStatus returns the StatusError carried by err, if any.
func AsStatus(err error) (*StatusError, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}

type errorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newStatusError(method, path string, status int, body []byte) *StatusError {
	statusErr := &StatusError{Method: method, Path: path, Status: status, Body: body}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		statusErr.Code = parsed.Code
		if statusErr.Code == "" {
			statusErr.Code = parsed.Error
		}
		statusErr.Message = parsed.Message
		if statusErr.Message == "" {
			statusErr.Message = parsed.Detail
		}
	}
	return statusErr
}
