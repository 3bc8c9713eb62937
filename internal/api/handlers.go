package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/idempotency"
	"github.com/sells-group/catalog-import/internal/job"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/publish"
	"github.com/sells-group/catalog-import/internal/replay"
	"github.com/sells-group/catalog-import/internal/scope"
	"github.com/sells-group/catalog-import/internal/store"
)

const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader carries the caller's idempotency key when the body
// does not.
const IdempotencyKeyHeader = "Idempotency-Key"

type importRequest struct {
	RequestID      string      `json:"request_id" validate:"required,uuid"`
	IdempotencyKey string      `json:"idempotency_key" validate:"omitempty,max=255,printascii"`
	Action         string      `json:"action"`
	TargetURL      string      `json:"target_url" validate:"required,max=2048,http_url"`
	Hints          model.Hints `json:"hints"`
}

type publishRequest struct {
	RequestID      string `json:"request_id" validate:"required,uuid"`
	Channel        string `json:"channel" validate:"required,max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=255,printascii"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// authorize writes a forbidden envelope and returns nil when p may not
// perform action.
func authorize(w http.ResponseWriter, r *http.Request, action string) *Principal {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing credentials")
		return nil
	}
	if !scope.AuthorizeAction(p.Scopes, action) {
		zap.L().Info("api: action denied", zap.String("actor", p.Actor), zap.String("action", action))
		respondError(w, r, http.StatusForbidden, CodeForbidden, "missing scope for "+action)
		return nil
	}
	return p
}

// checkReplay writes a rejection envelope and returns false when requestID
// was already seen or cannot be checked.
func (s *Server) checkReplay(w http.ResponseWriter, r *http.Request, actor, requestID string) bool {
	d := s.guard.Check(r.Context(), actor, requestID)
	if d.Accepted {
		return true
	}
	switch d.Reason {
	case replay.ReasonInvalidID:
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "request_id must be a UUID")
	case replay.ReasonReplayed:
		respondError(w, r, http.StatusConflict, CodeReplayed, "request_id already used")
	default:
		respondError(w, r, http.StatusServiceUnavailable, CodeInternal, "replay check unavailable")
	}
	return false
}

func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	setRequestID(r, req.RequestID)

	if req.Action == "" {
		req.Action = scope.ActionImport
	}
	if req.Action != scope.ActionImport && req.Action != scope.ActionPreview {
		respondError(w, r, http.StatusForbidden, CodeForbidden, "action not permitted: "+req.Action)
		return
	}
	p := authorize(w, r, req.Action)
	if p == nil {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, validationMessage(err))
		return
	}
	if !s.checkReplay(w, r, p.Actor, req.RequestID) {
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyKeyHeader)
	}
	preview := req.Action == scope.ActionPreview
	sub, err := s.jobs.Submit(r.Context(), job.Submission{
		Actor:          p.Actor,
		Scopes:         p.Scopes,
		IdempotencyKey: key,
		TargetURL:      req.TargetURL,
		Hints:          req.Hints,
		Preview:        preview,
	})
	if err != nil {
		if errors.Is(err, job.ErrInvalidSubmission) {
			respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		zap.L().Error("api: submit import", zap.Error(err), zap.String("actor", p.Actor))
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "could not create job")
		return
	}

	if preview {
		s.respondPreview(w, r, sub.Job)
		return
	}
	switch sub.Kind {
	case idempotency.Cached:
		respond(w, r, http.StatusOK, CodeDuplicate, "duplicate of completed import", sub.Job.View())
	case idempotency.InProgress:
		respond(w, r, http.StatusAccepted, CodeInProgress, "import already in progress", sub.Job.View())
	default:
		respond(w, r, http.StatusAccepted, CodeAccepted, "import accepted", sub.Job.View())
	}
}

// respondPreview blocks until the preview job settles or PreviewWait passes.
func (s *Server) respondPreview(w http.ResponseWriter, r *http.Request, j *model.Job) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PreviewWait)
	defer cancel()

	done, err := s.jobs.Wait(ctx, j.ID)
	switch {
	case err == nil:
		respond(w, r, http.StatusOK, CodeOK, "preview "+string(done.Status), done.View())
	case done != nil:
		respond(w, r, http.StatusAccepted, CodeAccepted, "preview still running", done.View())
	default:
		zap.L().Error("api: wait for preview", zap.Error(err), zap.String("job_id", j.ID))
		respond(w, r, http.StatusAccepted, CodeAccepted, "preview still running", j.View())
	}
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *model.Job {
	id := chi.URLParam(r, "id")
	j, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "job not found")
		return nil
	}
	if err != nil {
		zap.L().Error("api: load job", zap.Error(err), zap.String("job_id", id))
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "could not load job")
		return nil
	}
	return j
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, scope.ActionReadJob) == nil {
		return
	}
	if j := s.loadJob(w, r); j != nil {
		respond(w, r, http.StatusOK, CodeOK, string(j.Status), j.View())
	}
}

// handleImportEvents streams job transitions as server-sent events. Each
// event's data is a response envelope; the stream ends on a terminal state.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, scope.ActionReadJob) == nil {
		return
	}
	id := chi.URLParam(r, "id")
	ch, cancel := s.jobs.Subscribe(id)
	defer cancel()

	j := s.loadJob(w, r)
	if j == nil {
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seq := 0
	send := func(v model.JobView, stage string, at time.Time) bool {
		seq++
		env := Envelope{
			OK:      true,
			Code:    CodeOK,
			Message: string(v.Status),
			Data:    sseData{Job: v, Stage: stage, At: at},
			Meta:    meta(r),
		}
		body, err := json.Marshal(env)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: job\ndata: %s\n\n", seq, body); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(j.View(), "", j.UpdatedAt) || j.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !send(e.Job, e.Stage, e.At) || e.Terminal() {
				return
			}
		}
	}
}

type sseData struct {
	Job   model.JobView `json:"job"`
	Stage string        `json:"stage,omitempty"`
	At    time.Time     `json:"at"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	setRequestID(r, req.RequestID)

	p := authorize(w, r, scope.ActionPublish)
	if p == nil {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, validationMessage(err))
		return
	}
	identity, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil || identity == "" {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "identity: is invalid")
		return
	}
	if !s.checkReplay(w, r, p.Actor, req.RequestID) {
		return
	}
	if s.publisher == nil {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "no publish channels configured")
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyKeyHeader)
	}
	res, err := s.publisher.Publish(r.Context(), req.Channel, identity, key)
	switch {
	case errors.Is(err, publish.ErrUnknownChannel):
		respondError(w, r, http.StatusNotFound, CodeNotFound, "unknown channel "+req.Channel)
		return
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, CodeNotFound, "product not found")
		return
	case err != nil:
		zap.L().Error("api: publish", zap.Error(err), zap.String("channel", req.Channel), zap.String("identity", identity))
		respondError(w, r, http.StatusBadGateway, CodeInternal, "publish failed")
		return
	}

	switch res.Kind {
	case idempotency.InProgress:
		respond(w, r, http.StatusAccepted, CodeInProgress, "publish already in progress", res)
	case idempotency.Cached:
		respond(w, r, http.StatusOK, CodeDuplicate, "already published", res)
	default:
		respond(w, r, http.StatusOK, CodeOK, "published", res)
	}
}
