// Package server implements the HTTP server surface (spec §4.8, C8):
// authenticated transaction intake, ping, not-implemented stubs, and a 404
// fallback, all under the /_matrix/app/v1 prefix.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	merrors "github.com/spacebased/masquerade-go/errors"
	"github.com/spacebased/masquerade-go/transaction"
)

const prefix = "/_matrix/app/v1"

// Server is the HTTP server surface described in spec §4.8.
type Server struct {
	AppserviceID string
	HSToken      string
	Processor    *transaction.Processor
	Log          zerolog.Logger

	mux *http.ServeMux
}

// New builds the routed mux. Mirrors the teacher's own routing style
// (plain http.ServeMux, no router library — see media_proxy.go).
func New(appserviceID, hsToken string, processor *transaction.Processor, log zerolog.Logger) *Server {
	s := &Server{AppserviceID: appserviceID, HSToken: hsToken, Processor: processor, Log: log}
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/transactions/", s.withAuth(s.handleTransaction))
	mux.HandleFunc(prefix+"/ping", s.withAuth(s.handlePing))
	mux.HandleFunc(prefix+"/users/", s.withAuth(s.notImplemented))
	mux.HandleFunc(prefix+"/rooms/", s.withAuth(s.notImplemented))
	mux.HandleFunc(prefix+"/thirdparty/", s.withAuth(s.notImplemented))
	mux.HandleFunc("/", s.withAuth(s.notFound))
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withAuth enforces the Authorization: Bearer <hs_token> gate (spec §4.8,
// property 6: every request without a valid hs_token receives 401 and no
// downstream handler runs).
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.HSToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(auth, bearerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, bearerPrefix), true
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.notFound(w, r)
		return
	}
	txnID := strings.TrimPrefix(r.URL.Path, prefix+"/transactions/")
	if txnID == "" || strings.Contains(txnID, "/") {
		s.notFound(w, r)
		return
	}

	var body transaction.Body
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest)
		return
	}

	resp := s.Processor.HandleTransaction(r.Context(), txnID, body)
	s.writeJSON(w, resp.Status, resp.Body)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.notFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) notImplemented(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotImplemented)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Log.Error().Err(err).Msg("failed to encode response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int) {
	s.writeJSON(w, status, merrors.Body{ErrCode: merrors.ErrCode(s.AppserviceID, status)})
}
