package http

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/authapi"
	"marketplace/dashboard/internal/session"
)

type loginForm struct {
	Username string `json:"username" validate:"required,max=150"`
	Password string `json:"password" validate:"required"`
	Next     string `json:"next"`
}

type loginPageData struct {
	Username string
	Next     string
	Error    string
	Notice   string
}

var loginTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Admin Login</title></head>
<body>
<h1>Admin Login</h1>
<p>Enter your credentials to access the dashboard</p>
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
  <input type="hidden" name="next" value="{{.Next}}">
  <label>Username <input name="username" value="{{.Username}}" autocomplete="username"></label>
  <label>Password <input name="password" type="password" autocomplete="current-password"></label>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`))

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	state := s.ctrl.State()
	if state.IsAuthenticated {
		http.Redirect(w, r, next, http.StatusFound)
		return
	}
	s.renderLogin(w, http.StatusOK, loginPageData{Next: next, Notice: session.ReasonMessage(state.Reason)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	jsonRequest := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")

	var form loginForm
	if jsonRequest {
		if err := decodeJSON(r, &form); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			s.renderLogin(w, http.StatusBadRequest, loginPageData{Error: "Invalid form submission."})
			return
		}
		form = loginForm{
			Username: strings.TrimSpace(r.PostFormValue("username")),
			Password: r.PostFormValue("password"),
			Next:     r.PostFormValue("next"),
		}
	}
	form.Next = safeNext(form.Next)

	if err := s.validate.Struct(form); err != nil {
		msg := validationMessage(err)
		if jsonRequest {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_form", "message": msg})
			return
		}
		s.renderLogin(w, http.StatusBadRequest, loginPageData{Username: form.Username, Next: form.Next, Error: msg})
		return
	}

	if err := s.ctrl.LoginUser(r.Context(), form.Username, form.Password); err != nil {
		status := loginErrorStatus(err)
		s.logger.Info("login rejected", "username", form.Username, "status", status, "error", err)
		if jsonRequest {
			writeJSON(w, status, map[string]string{"error": loginErrorCode(err), "message": session.Message(err)})
			return
		}
		s.renderLogin(w, status, loginPageData{Username: form.Username, Next: form.Next, Error: session.Message(err)})
		return
	}

	if jsonRequest {
		writeJSON(w, http.StatusOK, s.ctrl.State())
		return
	}
	http.Redirect(w, r, form.Next, http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Logout(r.Context())
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, data); err != nil {
		s.logger.Error("render login page", "error", err)
	}
}

func loginErrorStatus(err error) int {
	switch {
	case errors.Is(err, authapi.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, authapi.ErrServerUnreachable), apiclient.IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func loginErrorCode(err error) string {
	switch {
	case errors.Is(err, authapi.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, session.ErrNotAdmin):
		return "admin_only"
	case errors.Is(err, authapi.ErrServerUnreachable), apiclient.IsNetwork(err):
		return "backend_unreachable"
	default:
		return "login_failed"
	}
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid form submission."
	}
	field := fieldErrs[0]
	switch field.Tag() {
	case "required":
		return field.Field() + " is required"
	case "max":
		return field.Field() + " is too long"
	default:
		return field.Field() + " is invalid"
	}
}

// safeNext keeps redirects on this host.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
