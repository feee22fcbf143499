package session

import "marketplace/dashboard/internal/model"

type Phase int

const (
	Unknown Phase = iota
	Authenticated
	Unauthenticated
)

func (p Phase) String() string {
	switch p {
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Reason says why the session is unauthenticated. It is empty when no
// session ever existed.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonLoggedOut Reason = "logged_out"
	ReasonExpired   Reason = "expired"
	ReasonIdentity  Reason = "identity"
)

type State struct {
	User            *model.User `json:"user"`
	IsAuthenticated bool        `json:"is_authenticated"`
	IsLoading       bool        `json:"is_loading"`
	Phase           Phase       `json:"-"`
	Reason          Reason      `json:"reason,omitempty"`
}

func loadingState() State {
	return State{IsLoading: true, Phase: Unknown}
}

func authenticatedState(user *model.User) State {
	return State{User: user, IsAuthenticated: true, Phase: Authenticated}
}

func unauthenticatedState(reason Reason) State {
	return State{Phase: Unauthenticated, Reason: reason}
}
