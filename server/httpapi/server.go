// Package httpapi serves the administrative HTTP API: account management,
// maildrop inspection and manual lock release.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server"
)

// Store is what the API needs from a maildrop store.
type Store interface {
	server.Manager
	UnlockAll(ctx context.Context) (int, error)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        Store
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
}

// New creates a new HTTP API server
func New(store Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required for HTTP API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
	}, nil
}

// Start serves the API until ctx is done. Errors other than a graceful
// shutdown are sent to errChan.
func Start(ctx context.Context, store Store, options ServerOptions, errChan chan error) {
	server, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API server listening", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error during shutdown", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with every middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	v1.HandleFunc("/accounts/{username}", s.handleDeleteAccount).Methods("DELETE")
	v1.HandleFunc("/accounts/{username}/password", s.handleSetPassword).Methods("PUT")

	v1.HandleFunc("/maildrops/unlock", s.handleUnlockMany).Methods("POST")
	v1.HandleFunc("/maildrops/{username}", s.handleGetMaildrop).Methods("GET")
	v1.HandleFunc("/maildrops/{username}/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/maildrops/{username}/lock", s.handleUnlock).Methods("DELETE")

	return router
}

// statusRecorder keeps the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !s.isAllowed(getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isAllowed matches clientIP against plain addresses and CIDR blocks.
func (s *Server) isAllowed(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowedHost := range s.allowedHosts {
		if allowedHost == clientIP {
			return true
		}
		if strings.Contains(allowedHost, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP uses the connection address. Forwarding headers are not
// trusted since the allow list is the only access control besides the key.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, consts.ErrAccountExists):
		s.writeError(w, http.StatusConflict, "Account already exists")
	case errors.Is(err, consts.ErrInvalidUsername):
		s.writeError(w, http.StatusBadRequest, "Invalid username")
	default:
		logger.Error("HTTP API: store call failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// Request/Response types

type CreateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Scheme   string `json:"scheme,omitempty"`
}

type SetPasswordRequest struct {
	Password string `json:"password"`
	Scheme   string `json:"scheme,omitempty"`
}

type UnlockRequest struct {
	Usernames []string `json:"usernames,omitempty"`
}

type UnlockResponse struct {
	Unlocked int `json:"unlocked"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger.Warn("HTTP API: health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	hash, err := password.Hash(req.Scheme, req.Password)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateAccount(r.Context(), req.Username, hash); err != nil {
		s.writeStoreError(w, err)
		return
	}

	logger.Info("HTTP API: account created", "user", req.Username)
	account, err := s.store.GetAccount(r.Context(), req.Username)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.store.DeleteAccount(r.Context(), username); err != nil {
		s.writeStoreError(w, err)
		return
	}
	logger.Info("HTTP API: account deleted", "user", username)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	username := mux.Vars(r)["username"]

	var req SetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	hash, err := password.Hash(req.Scheme, req.Password)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetPassword(r.Context(), username, hash); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMaildrop(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

// handleUnlock releases one maildrop, typically after a finalization left
// it locked.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	unlocked, err := s.store.Unlock(r.Context(), username)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if unlocked {
		logger.Warn("HTTP API: maildrop unlocked manually", "user", username)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"unlocked": unlocked})
}

// handleUnlockMany releases the listed maildrops, or all of them when the
// list is empty.
func (s *Server) handleUnlockMany(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req UnlockRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	if len(req.Usernames) == 0 {
		n, err := s.store.UnlockAll(r.Context())
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		logger.Warn("HTTP API: all maildrops unlocked manually", "count", n)
		s.writeJSON(w, http.StatusOK, UnlockResponse{Unlocked: n})
		return
	}

	resp := UnlockResponse{}
	for _, username := range req.Usernames {
		unlocked, err := s.store.Unlock(r.Context(), username)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if unlocked {
			resp.Unlocked++
		}
	}
	logger.Warn("HTTP API: maildrops unlocked manually", "requested", len(req.Usernames), "count", resp.Unlocked)
	s.writeJSON(w, http.StatusOK, resp)
}
