package session

import (
	"errors"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/authapi"
)

// Message turns a login or session error into text for the operator.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, authapi.ErrInvalidCredentials):
		return "Invalid username or password."
	case errors.Is(err, authapi.ErrServerUnreachable), apiclient.IsNetwork(err):
		return "Unable to reach the server. Please make sure the backend is running."
	case errors.Is(err, ErrNotAdmin):
		return "Only admin users are allowed to log in to this dashboard"
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired. Please log in again."
	case errors.Is(err, ErrNoAccessToken):
		return "Failed to obtain access token"
	case errors.Is(err, ErrIdentityUnresolved):
		return "Unable to verify user"
	}
	if statusErr, ok := apiclient.AsStatus(err); ok && statusErr.Message != "" {
		return statusErr.Message
	}
	return "Invalid credentials. Please try again."
}

// ReasonMessage is the notice shown on the login page after a session ended.
func ReasonMessage(reason Reason) string {
	switch reason {
	case ReasonExpired:
		return Message(ErrSessionExpired)
	case ReasonIdentity:
		return Message(ErrIdentityUnresolved)
	case ReasonLoggedOut:
		return "You have been logged out."
	default:
		return ""
	}
}
