package http

import (
	"net/http"
	"net/url"
	"strings"

	"marketplace/dashboard/internal/session"
)

type StateSource interface {
	State() session.State
}

// Guard admits requests only while the session is authenticated. It holds
// no state of its own: while startup has not resolved the session callers
// get a 503 loading response, and unauthenticated browsers are sent to
// loginPath (API callers get a 401).
func Guard(sessions StateSource, loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := sessions.State()
			switch {
			case state.Phase == session.Unknown:
				w.Header().Set("Retry-After", "1")
				if wantsJSON(r) {
					writeError(w, http.StatusServiceUnavailable, "session_loading")
					return
				}
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(loadingPage))
			case !state.IsAuthenticated:
				if wantsJSON(r) {
					writeError(w, http.StatusUnauthorized, "not_authenticated")
					return
				}
				target := loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusFound)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

const loadingPage = `<!doctype html>
<html><head><meta http-equiv="refresh" content="1"><title>Loading</title></head>
<body><p>Loading session...</p></body></html>
`
