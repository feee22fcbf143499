package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/clients"
	"marketplace/dashboard/internal/session"
)

const loginPath = "/login"

type PendingSource interface {
	Latest() (count int, updatedAt time.Time, ok bool)
}

type Server struct {
	ctrl     *session.Controller
	clients  *clients.Clients
	pending  PendingSource
	logger   *slog.Logger
	validate *validator.Validate
}

func NewServer(ctrl *session.Controller, c *clients.Clients, pending PendingSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctrl:     ctrl,
		clients:  c,
		pending:  pending,
		logger:   logger.With("component", "http"),
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session": s.ctrl.State().Phase.String()})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get(loginPath, s.handleLoginPage)
	r.Post(loginPath, s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(Guard(s.ctrl, loginPath))

		r.Get("/", s.handleSummary)
		r.Get("/session", s.handleSession)

		r.Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleGetUser)

		r.Get("/products", s.handleListProducts)
		r.Get("/products/mine", s.handleMyProducts)
		r.Get("/products/{id}", s.handleGetProduct)
		r.Patch("/products/{id}", s.handlePatchProduct)
		r.Put("/products/{id}", s.handleReplaceProduct)
		r.Delete("/products/{id}", s.handleDeleteProduct)

		r.Get("/categories", s.handleListCategories)
		r.Get("/categories/{id}/products", s.handleCategoryProducts)

		r.Get("/packages", s.handleListPackages)

		r.Get("/payments", s.handleListPayments)
		r.Get("/payments/pending-count", s.handlePendingCount)
		r.Post("/payments/{id}/confirm", s.handleConfirmPayment)

		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)
		r.Patch("/reports/{id}", s.handlePatchReport)

		r.Get("/reviews", s.handleListReviews)
		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{id}", s.handleGetChat)
		r.Get("/messages", s.handleListMessages)
		r.Get("/contact", s.handleListContact)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type summary struct {
	User            interface{}    `json:"user"`
	Users           int            `json:"users"`
	Products        int            `json:"products"`
	ProductStatus   map[string]int `json:"products_by_status"`
	Categories      int            `json:"categories"`
	PendingPayments int            `json:"pending_payments"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := summary{User: s.ctrl.State().User, ProductStatus: map[string]int{}}

	users, err := s.clients.Users.ListPage(ctx, nil)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out.Users = users.Count

	products, err := s.clients.Products.All(ctx, nil)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out.Products = len(products)
	for _, product := range products {
		out.ProductStatus[product.Status]++
	}

	categories, err := s.clients.Categories.ListPage(ctx, nil)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out.Categories = categories.Count

	pending, err := s.pendingCount(ctx)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out.PendingPayments = pending

	writeJSON(w, http.StatusOK, out)
}

type sessionView struct {
	session.State
	Token *session.TokenInfo `json:"token,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	out := sessionView{State: s.ctrl.State()}
	if info, ok := s.ctrl.TokenInfo(r.Context()); ok {
		out.Token = &info
	}
	writeJSON(w, http.StatusOK, out)
}

// pendingCount prefers the poller's latest value over a backend call.
func (s *Server) pendingCount(ctx context.Context) (int, error) {
	if s.pending != nil {
		if count, _, ok := s.pending.Latest(); ok {
			return count, nil
		}
	}
	return s.clients.Payments.PendingCount(ctx)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Users.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	respond(w)(s.clients.Users.Get(r.Context(), id))
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Products.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	respond(w)(s.clients.Products.Get(r.Context(), id))
}

func (s *Server) handlePatchProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	respond(w)(s.clients.Products.Update(r.Context(), id, fields))
}

func (s *Server) handleReplaceProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	respond(w)(s.clients.Products.Replace(r.Context(), id, fields))
}

func (s *Server) handleMyProducts(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Products.MyProducts(r.Context()))
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.clients.Products.Delete(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Categories.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleCategoryProducts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	respond(w)(s.clients.Categories.Products(r.Context(), id))
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Packages.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Payments.List(r.Context(), r.URL.Query()))
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.pendingCount(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

type confirmPaymentRequest struct {
	PackageID  int64  `json:"package_id" validate:"required,gt=0"`
	AdminNotes string `json:"admin_notes" validate:"max=1000"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_package")
		return
	}
	respond(w)(s.clients.Payments.Confirm(r.Context(), id, req.PackageID, req.AdminNotes))
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Reports.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	respond(w)(s.clients.Reports.Get(r.Context(), id))
}

type patchReportRequest struct {
	Status string `json:"status" validate:"required,oneof=pending reviewed resolved dismissed"`
}

func (s *Server) handlePatchReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req patchReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}
	respond(w)(s.clients.Reports.Update(r.Context(), id, req))
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Reviews.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Chats.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	respond(w)(s.clients.Chats.Get(r.Context(), id))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Messages.ListPage(r.Context(), r.URL.Query()))
}

func (s *Server) handleListContact(w http.ResponseWriter, r *http.Request) {
	respond(w)(s.clients.Contact.ListPage(r.Context(), r.URL.Query()))
}

// respond writes either the value or the API error of a client call.
func respond(w http.ResponseWriter) func(interface{}, error) {
	return func(value interface{}, err error) {
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, value)
	}
}

// writeAPIError maps backend failures onto this server's responses.
// Backend statuses pass through; a 401 here means the refresh path gave
// up and the session is gone.
func writeAPIError(w http.ResponseWriter, err error) {
	if statusErr, ok := apiclient.AsStatus(err); ok {
		code := statusErr.Code
		switch {
		case statusErr.Status == http.StatusUnauthorized:
			code = "session_expired"
		case code == "":
			code = "upstream_error"
		}
		writeJSON(w, statusErr.Status, map[string]string{"error": code, "message": statusErr.Message})
		return
	}
	if apiclient.IsNetwork(err) {
		writeError(w, http.StatusBadGateway, "backend_unreachable")
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return 0, false
	}
	return id, true
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
