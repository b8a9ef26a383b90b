package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/dispctl/host/internal/errors"
)

// createMux builds the router. Routes other than /health require the API
// token when one is configured.
func (s *Server) createMux() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/brightness-info", s.handleBrightnessInfo).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/dump", s.handleDump).Methods(http.MethodGet)

	mut := api.NewRoute().Subrouter()
	mut.Use(s.rateLimit)
	mut.HandleFunc("/request", s.handleRequest).Methods(http.MethodPost)
	mut.HandleFunc("/brightness", s.handleBrightness).Methods(http.MethodPost)
	mut.HandleFunc("/temporary-brightness", s.handleTemporaryBrightness).Methods(http.MethodPost)
	mut.HandleFunc("/temporary-auto-adjustment", s.handleTemporaryAutoAdjustment).Methods(http.MethodPost)
	mut.HandleFunc("/auto-brightness-mode", s.handleAutoBrightnessMode).Methods(http.MethodPost)
	mut.HandleFunc("/proximity", s.handleProximity).Methods(http.MethodPost)
	mut.HandleFunc("/boot-completed", s.handleBootCompleted).Methods(http.MethodPost)
	mut.HandleFunc("/user", s.handleSwitchUser).Methods(http.MethodPost)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.requireToken)
	ws.HandleFunc("/compositor", s.websocketHandler(roleCompositor))
	ws.HandleFunc("/offload", s.websocketHandler(roleOffload))
	ws.HandleFunc("/events", s.websocketHandler(roleObserver))

	s.log.WithField("addr", s.addr).Debug("routes registered")
	return r
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := extractBearerToken(r)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)) != nil {
			s.log.WithField("remote", r.RemoteAddr).Warn("rejected request with missing or invalid token")
			writeError(w, apperrors.New(apperrors.CodeServerUnauthorized, "missing or invalid API token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit sheds mutating calls beyond the configured rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, apperrors.New(apperrors.CodeServerRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// websocketHandler upgrades the connection and registers a client.
func (s *Server) websocketHandler(role clientRole) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			http.Error(w, "server stopped", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			s.log.WithError(apperrors.Wrap(apperrors.CodeServerUpgradeFailed, "upgrade", err)).Warn("websocket upgrade failed")
			return
		}

		client := newClient(s, conn, role)
		if !s.register(client) {
			conn.Close()
			return
		}
		client.log.WithField("clients", s.ClientCount()).Info("client connected")

		go client.writePump()
		s.clientJoined(client)
		go client.readPump()
	}
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		s.clientLeft(c)
	}
}

// extractBearerToken reads the token from the Authorization header, or
// from the token query parameter for WebSocket clients that cannot set
// headers.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return auth[len(bearerPrefix):]
	}
	return r.URL.Query().Get("token")
}

// isLoopbackRequest reports whether r came from this machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a coded error to an HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, httpStatus(code), ErrorPayload{Code: code, Message: message})
}

func httpStatus(code string) int {
	switch code {
	case apperrors.CodeServerInvalidMessage, apperrors.CodeDisplayInvalidPolicy, apperrors.CodeDisplayInvalidValue:
		return http.StatusBadRequest
	case apperrors.CodeServerUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeServerRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeDisplayNotFound, apperrors.CodeStorageNotFound:
		return http.StatusNotFound
	case apperrors.CodeDisplayStopped, apperrors.CodeGateStaleToken:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeServerInvalidMessage, "invalid request body", err)
	}
	return nil
}
