// Package devbackend is a local stand-in for the marketplace REST API. It
// serves the token endpoints and the resources the dashboard consumes,
// backed by an in-memory store.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace/dashboard/internal/model"
)

type Config struct {
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// RotateRefresh makes every refresh return a new refresh token and
	// revoke the one presented.
	RotateRefresh bool
}

type Server struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	refreshCalls atomic.Int64
}

func NewServer(cfg Config, store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 5 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}
	return &Server{cfg: cfg, store: store, logger: logger.With("component", "devbackend")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/token/", s.handleObtainToken)
	r.Post("/token/refresh/", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/users", func(r chi.Router) {
			r.With(s.requireAdmin).Get("/", s.handleListUsers)
			r.With(s.requireAdmin).Post("/", s.handleCreateUser)
			r.Get("/{id}/", s.handleGetUser)
			r.With(s.requireAdmin).Patch("/{id}/", s.handleUpdateUser)
			r.With(s.requireAdmin).Delete("/{id}/", s.handleDeleteUser)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", s.listHandler(Products, "status", "category", "seller"))
			r.Post("/", s.handleCreateProduct)
			r.Get("/my_products/", s.handleMyProducts)
			r.Get("/{id}/", s.getHandler(Products))
			r.Put("/{id}/", s.updateHandler(Products, true))
			r.Patch("/{id}/", s.updateHandler(Products, false))
			r.Delete("/{id}/", s.deleteHandler(Products))
		})

		r.Route("/categories", func(r chi.Router) {
			r.Get("/", s.listHandler(Categories))
			r.With(s.requireAdmin).Post("/", s.createHandler(Categories))
			r.Get("/{id}/", s.getHandler(Categories))
			r.Get("/{id}/products/", s.handleCategoryProducts)
			r.With(s.requireAdmin).Put("/{id}/", s.updateHandler(Categories, true))
			r.With(s.requireAdmin).Delete("/{id}/", s.deleteHandler(Categories))
		})

		r.Route("/packages", func(r chi.Router) {
			r.Get("/", s.listHandler(Packages))
			r.With(s.requireAdmin).Post("/", s.createHandler(Packages))
			r.Get("/{id}/", s.getHandler(Packages))
			r.With(s.requireAdmin).Put("/{id}/", s.updateHandler(Packages, true))
			r.With(s.requireAdmin).Delete("/{id}/", s.deleteHandler(Packages))
		})

		r.Route("/payments", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/", s.listHandler(Payments, "status", "user"))
			r.Get("/pending_count/", s.handlePendingCount)
			r.Post("/{id}/admin_confirm/", s.handleConfirmPayment)
		})

		for _, name := range []string{Reports, Reviews} {
			name := name
			r.Route("/"+name, func(r chi.Router) {
				r.Get("/", s.listHandler(name, "status", "product"))
				r.Post("/", s.createHandler(name))
				r.Get("/{id}/", s.getHandler(name))
				r.Patch("/{id}/", s.updateHandler(name, false))
				r.Delete("/{id}/", s.deleteHandler(name))
			})
		}

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.listHandler(Chats))
			r.Post("/", s.createHandler(Chats))
			r.Get("/{id}/", s.getHandler(Chats))
		})
		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.listHandler(Messages, "chat"))
			r.Post("/", s.createHandler(Messages))
		})

		r.Route("/contact/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/", s.listHandler(ContactAdmin, "status"))
			r.Patch("/{id}/", s.updateHandler(ContactAdmin, false))
			r.Delete("/{id}/", s.deleteHandler(ContactAdmin))
		})
	})

	return r
}

// RefreshCount is the number of refresh requests served so far.
func (s *Server) RefreshCount() int64 {
	return s.refreshCalls.Load()
}

// IssueTokens mints a token pair for userID as a successful login would.
func (s *Server) IssueTokens(userID int64) (string, string, error) {
	user, err := s.store.UserByID(userID)
	if err != nil {
		return "", "", err
	}
	return s.issueTokens(user)
}

// IssueAccessToken mints an access token with the given lifetime. A
// negative ttl yields a token that is already expired.
func (s *Server) IssueAccessToken(userID int64, role string, ttl time.Duration) (string, error) {
	return NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, ttl, Claims{UserID: userID, Role: role})
}

// RevokeSessions invalidates every outstanding refresh token.
func (s *Server) RevokeSessions() {
	s.store.RevokeAllRefreshSessions(time.Now().UTC())
}

type obtainRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

func (s *Server) handleObtainToken(w http.ResponseWriter, r *http.Request) {
	var req obtainRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	acc, err := s.store.UserByUsername(req.Username)
	if err != nil || CheckPassword(acc.PasswordHash, req.Password) != nil {
		writeDetail(w, http.StatusUnauthorized, "no_active_account", "No active account found with the given credentials")
		return
	}

	access, refresh, err := s.issueTokens(acc.User)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	s.logger.Info("token issued", "user_id", acc.ID)
	writeJSON(w, http.StatusOK, tokenResponse{Access: access, Refresh: refresh})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Refresh == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	tokenHash := HashToken(req.Refresh)
	session, err := s.store.GetRefreshSession(tokenHash)
	if err != nil || session.RevokedAt != nil || session.ExpiresAt.Before(time.Now().UTC()) {
		writeDetail(w, http.StatusUnauthorized, "token_not_valid", "Token is invalid or expired")
		return
	}

	user, err := s.store.UserByID(session.UserID)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "user_not_found", "User not found")
		return
	}

	if !s.cfg.RotateRefresh {
		access, err := NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, Claims{UserID: user.ID, Role: user.Role})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token_error")
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Access: access})
		return
	}

	s.store.RevokeRefreshSession(tokenHash, time.Now().UTC())
	access, refresh, err := s.issueTokens(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Access: access, Refresh: refresh})
}

func (s *Server) issueTokens(user model.User) (string, string, error) {
	access, err := NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, Claims{UserID: user.ID, Role: user.Role})
	if err != nil {
		return "", "", err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return "", "", err
	}
	now := time.Now().UTC()
	s.store.CreateRefreshSession(refreshSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: HashToken(refresh),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	})
	return access, refresh, nil
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListUsers())
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	user, err := s.store.CreateUser(model.User{Username: strings.TrimSpace(req.Username), Email: req.Email, Role: req.Role}, req.Password)
	if err != nil {
		if errors.Is(err, errDuplicate) {
			writeError(w, http.StatusConflict, "username_taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	claims := claimsFromContext(r.Context())
	if claims.UserID != id && claims.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	user, err := s.store.UserByID(id)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Email            *string `json:"email"`
	Role             *string `json:"role"`
	Phone            *string `json:"phone"`
	University       *string `json:"university"`
	Faculty          *string `json:"faculty"`
	FreeAdsRemaining *int    `json:"free_ads_remaining"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	user, err := s.store.UpdateUser(id, func(u *model.User) {
		if req.Email != nil {
			u.Email = *req.Email
		}
		if req.Role != nil {
			u.Role = *req.Role
		}
		if req.Phone != nil {
			u.Phone = req.Phone
		}
		if req.University != nil {
			u.University = req.University
		}
		if req.Faculty != nil {
			u.Faculty = req.Faculty
		}
		if req.FreeAdsRemaining != nil {
			u.FreeAdsRemaining = *req.FreeAdsRemaining
		}
	})
	if err != nil {
		writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteUser(id); err != nil {
		writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	fields, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if !s.store.consumeFreeAd(claims.UserID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "ad_limit_exceeded",
			"message": "You have used all your free ads. Buy a package to post more.",
		})
		return
	}
	user, err := s.store.UserByID(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "user_not_found")
		return
	}
	fields["seller"] = map[string]interface{}{"id": user.ID, "email": user.Email}
	if _, ok := fields["status"]; !ok {
		fields["status"] = "pending"
	}
	writeJSON(w, http.StatusCreated, s.store.Insert(Products, fields))
}

func (s *Server) handleMyProducts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	items := s.store.List(Products, func(item record) bool {
		seller, _ := item["seller"].(map[string]interface{})
		return seller != nil && fmt.Sprint(seller["id"]) == strconv.FormatInt(claims.UserID, 10)
	})
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCategoryProducts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(Categories, id); err != nil {
		writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	want := strconv.FormatInt(id, 10)
	writeJSON(w, http.StatusOK, s.store.List(Products, func(item record) bool {
		return fmt.Sprint(item["category"]) == want
	}))
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	pending := s.store.List(Payments, func(item record) bool {
		return item["status"] == "pending_confirmation"
	})
	writeJSON(w, http.StatusOK, map[string]int{"count": len(pending)})
}

type confirmRequest struct {
	PackageID  int64  `json:"package_id"`
	AdminNotes string `json:"admin_notes"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if _, err := s.store.Get(Packages, req.PackageID); err != nil {
		writeError(w, http.StatusBadRequest, "unknown_package")
		return
	}
	payment, err := s.store.Update(Payments, id, record{
		"status":      "confirmed",
		"package":     req.PackageID,
		"admin_notes": req.AdminNotes,
	}, false)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// listHandler serves a collection. Query parameters named in filters must
// match exactly. A page parameter switches to the paginated envelope.
func (s *Server) listHandler(name string, filters ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		items := s.store.List(name, func(item record) bool {
			for _, key := range filters {
				want := query.Get(key)
				if want == "" {
					continue
				}
				got := item[key]
				if nested, ok := got.(map[string]interface{}); ok {
					got = nested["id"]
				}
				if fmt.Sprint(got) != want {
					return false
				}
			}
			return true
		})
		if query.Get("page") == "" {
			writeJSON(w, http.StatusOK, items)
			return
		}
		page, err := strconv.Atoi(query.Get("page"))
		if err != nil || page < 1 {
			writeDetail(w, http.StatusNotFound, "invalid_page", "Invalid page.")
			return
		}
		size := 10
		if raw := query.Get("page_size"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				size = parsed
			}
		}
		start := (page - 1) * size
		if start > len(items) {
			start = len(items)
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":   len(items),
			"results": items[start:end],
		})
	}
}

func (s *Server) createHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, ok := decodeRecord(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusCreated, s.store.Insert(name, fields))
	}
}

func (s *Server) getHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		item, err := s.store.Get(name, id)
		if err != nil {
			writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func (s *Server) updateHandler(name string, replace bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		fields, ok := decodeRecord(w, r)
		if !ok {
			return
		}
		item, err := s.store.Update(name, id, fields, replace)
		if err != nil {
			writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func (s *Server) deleteHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := s.store.Delete(name, id); err != nil {
			writeDetail(w, http.StatusNotFound, "not_found", "Not found.")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeDetail(w, http.StatusUnauthorized, "not_authenticated", "Authentication credentials were not provided.")
			return
		}

		claims, err := ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "token_not_valid", "Given token not valid for any token type")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != model.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*Claims)
	return claims
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return 0, false
	}
	return id, true
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (record, bool) {
	var fields record
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || fields == nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return nil, false
	}
	return fields, true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeDetail answers in the backend's framework error shape.
func writeDetail(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"code": code, "detail": detail})
}
