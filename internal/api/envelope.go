// Package api is the HTTP boundary of the importer: bearer authentication,
// scope checks, replay rejection and the response envelope around the job
// orchestrator and the publish service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Envelope codes.
const (
	CodeOK             = "ok"
	CodeAccepted       = "accepted"
	CodeDuplicate      = "duplicate"
	CodeInProgress     = "in_progress"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeReplayed       = "replayed"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

// Envelope wraps every response body.
type Envelope struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Meta    Meta   `json:"meta"`
}

// Meta describes the request that produced a response.
type Meta struct {
	RequestID  string `json:"request_id"`
	DurationMS int64  `json:"duration_ms"`
	Version    string `json:"version"`
}

type stateKey struct{}

// reqState carries envelope metadata through a request.
type reqState struct {
	start     time.Time
	requestID string
	version   string
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := &reqState{start: s.nowFunc(), requestID: middleware.GetReqID(r.Context()), version: s.cfg.Version}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), stateKey{}, st)))
	})
}

func state(r *http.Request) *reqState {
	if st, ok := r.Context().Value(stateKey{}).(*reqState); ok {
		return st
	}
	return &reqState{start: time.Now()}
}

// setRequestID replaces the generated id with the caller's request id.
func setRequestID(r *http.Request, id string) {
	if id != "" {
		state(r).requestID = id
	}
}

func meta(r *http.Request) Meta {
	st := state(r)
	return Meta{
		RequestID:  st.requestID,
		DurationMS: time.Since(st.start).Milliseconds(),
		Version:    st.version,
	}
}

func respond(w http.ResponseWriter, r *http.Request, status int, code, message string, data any) {
	env := Envelope{
		OK:      status < 400,
		Code:    code,
		Message: message,
		Data:    data,
		Meta:    meta(r),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respond(w, r, status, code, message, nil)
}
