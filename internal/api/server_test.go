package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-import/internal/events"
	"github.com/sells-group/catalog-import/internal/extract"
	"github.com/sells-group/catalog-import/internal/idempotency"
	"github.com/sells-group/catalog-import/internal/job"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/publish"
	"github.com/sells-group/catalog-import/internal/replay"
	"github.com/sells-group/catalog-import/internal/resilience"
	"github.com/sells-group/catalog-import/internal/store"
)

const (
	testSecret = "test-secret"
	mugURL     = "https://shop.example.com/products/mug"
	mugID      = "shop.example.com/products/mug"
)

type staticExtractor struct {
	gate chan struct{}
}

func (s staticExtractor) Run(ctx context.Context, _ model.Path, _ extract.Target, _ model.Hints) extract.Result {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return extract.Result{}
		}
	}
	src := model.SourceStructuredAPI
	return extract.Result{
		Fields: []model.ExtractedField{
			model.NewField(model.FieldTitle, "Blue Mug", src, 0.95),
			model.NewField(model.FieldPrice, "12.50", src, 0.95),
			model.NewField(model.FieldCurrency, "EUR", src, 0.95),
			model.NewField(model.FieldImage, "https://cdn.example.com/mug.jpg", src, 0.9),
			model.NewField(model.FieldDescription, "A sturdy mug.", src, 0.9),
		},
		Attempts: []extract.Attempt{{Strategy: src, Fields: 5, Duration: time.Millisecond}},
	}
}

type harness struct {
	handler http.Handler
	orch    *job.Orchestrator
	store   *store.MemoryStore
}

func newHarness(t *testing.T, ex job.Extractor, cfg Config) *harness {
	t.Helper()
	st := store.NewMemory()
	idem := idempotency.New(st)
	orch := job.New(job.Deps{
		Jobs:        st,
		Products:    st,
		Idempotency: idem,
		Extractor:   ex,
		Bus:         events.NewBus(0),
	}, job.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Drain(ctx)
	})

	registry, err := publish.NewRegistry(
		[]publish.ChannelConfig{{Name: "audit", Type: "log"}},
		resilience.DefaultRetryConfig(),
		resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
	)
	require.NoError(t, err)

	if cfg.Version == "" {
		cfg.Version = "test"
	}
	srv := NewServer(cfg,
		NewAuthenticator(AuthConfig{Secret: testSecret}),
		orch,
		replay.NewGuard(st),
		publish.NewService(st, idem, registry),
	)
	return &harness{handler: srv.Handler(), orch: orch, store: st}
}

func token(t *testing.T, actor, scopes string) string {
	t.Helper()
	claims := Claims{
		Scope: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type envelope struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    Meta            `json:"meta"`
}

func (h *harness) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var payload string
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		payload = string(b)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func jobView(t *testing.T, env envelope) model.JobView {
	t.Helper()
	var v model.JobView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func importBody(target string) map[string]any {
	return map[string]any{"request_id": uuid.NewString(), "target_url": target}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})

	rec, env := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
	assert.Equal(t, CodeOK, env.Code)
	assert.Equal(t, "test", env.Meta.Version)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestHealth_Degraded(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{Health: func(context.Context) error {
		return store.ErrNotFound
	}})

	rec, env := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.OK)
	assert.Equal(t, CodeInternal, env.Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})

	rec, env := h.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)

	rec, env = h.do(t, http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, CodeInvalidRequest, env.Code)
}

func TestCreateImport_Unauthorized(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})

	rec, env := h.do(t, http.MethodPost, "/v1/imports", "", importBody(mugURL))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, env.Code)

	rec, env = h.do(t, http.MethodPost, "/v1/imports", "garbage", importBody(mugURL))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, env.Code)
}

func TestCreateImport_ScopeChecks(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})

	tests := []struct {
		name   string
		scopes string
		action string
	}{
		{"read only cannot import", "product:read", ""},
		{"unknown action", "admin", "product.delete"},
		{"publish action not allowed here", "admin", "product.publish"},
		{"preview needs product read", "job:read", "product.preview"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := importBody(mugURL)
			if tt.action != "" {
				body["action"] = tt.action
			}
			rec, env := h.do(t, http.MethodPost, "/v1/imports", token(t, "alice", tt.scopes), body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, CodeForbidden, env.Code)
		})
	}
}

func TestCreateImport_InvalidRequest(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})
	tok := token(t, "alice", "product:write")

	rec, env := h.do(t, http.MethodPost, "/v1/imports", tok, importBody("ftp://shop.example.com/mug"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, env.Code)
	assert.Contains(t, env.Message, "target_url")

	rec, env = h.do(t, http.MethodPost, "/v1/imports", tok, map[string]any{"target_url": mugURL})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "request_id")

	id := uuid.NewString()
	for _, requestID := range []string{"not-a-uuid", strings.ToUpper(id), "{" + id + "}", "urn:uuid:" + id} {
		body := importBody(mugURL)
		body["request_id"] = requestID
		rec, env = h.do(t, http.MethodPost, "/v1/imports", tok, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, requestID)
		assert.Equal(t, CodeInvalidRequest, env.Code, requestID)
		assert.Contains(t, env.Message, "request_id: must be a UUID", requestID)
	}

	body := importBody(mugURL)
	body["hints"] = map[string]any{"pipeline": "turbo"}
	rec, env = h.do(t, http.MethodPost, "/v1/imports", tok, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "hints.pipeline")

	req := httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rw := httptest.NewRecorder()
	h.handler.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestCreateImport_ReplayRejected(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})
	tok := token(t, "alice", "product:write")
	body := importBody(mugURL)

	rec, _ := h.do(t, http.MethodPost, "/v1/imports", tok, body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, env := h.do(t, http.MethodPost, "/v1/imports", tok, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeReplayed, env.Code)
	assert.Equal(t, body["request_id"], env.Meta.RequestID)
}

func TestCreateImport_AcceptedThenDuplicate(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})
	tok := token(t, "alice", "write")

	rec, env := h.do(t, http.MethodPost, "/v1/imports", tok, importBody(mugURL))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, CodeAccepted, env.Code)
	first := jobView(t, env)
	assert.Equal(t, model.JobStatusReceived, first.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.orch.Wait(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusReady, done.Status)

	rec, env = h.do(t, http.MethodPost, "/v1/imports", tok, importBody(mugURL+"?utm_source=mail"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CodeDuplicate, env.Code)
	assert.Equal(t, first.JobID, jobView(t, env).JobID)

	rec, env = h.do(t, http.MethodGet, "/v1/imports/"+first.JobID, tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	v := jobView(t, env)
	assert.Equal(t, model.JobStatusReady, v.Status)
	assert.Equal(t, mugID+"@v1", v.ResultRef)
	require.NotNil(t, v.Product)
	assert.Equal(t, "Blue Mug", v.Product.Title)
}

func TestCreateImport_InProgressDuplicate(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, staticExtractor{gate: gate}, Config{})
	defer close(gate)
	tok := token(t, "alice", "product:write")

	body := importBody(mugURL)
	body["idempotency_key"] = "order-42"
	rec, env := h.do(t, http.MethodPost, "/v1/imports", tok, body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := jobView(t, env)

	again := importBody(mugURL)
	req := httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(mustJSON(t, again)))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(IdempotencyKeyHeader, "order-42")
	rw := httptest.NewRecorder()
	h.handler.ServeHTTP(rw, req)

	var dup envelope
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &dup))
	assert.Equal(t, http.StatusAccepted, rw.Code)
	assert.Equal(t, CodeInProgress, dup.Code)
	assert.Equal(t, first.JobID, jobView(t, dup).JobID)
}

func TestCreateImport_Preview(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})
	tok := token(t, "bob", "product:read")

	body := importBody(mugURL)
	body["action"] = "product.preview"
	rec, env := h.do(t, http.MethodPost, "/v1/imports", tok, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CodeOK, env.Code)
	v := jobView(t, env)
	assert.Equal(t, model.JobStatusReady, v.Status)
	assert.Empty(t, v.ResultRef)

	_, err := h.store.LatestProductVersion(context.Background(), mugID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateImport_PreviewStillRunning(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, staticExtractor{gate: gate}, Config{PreviewWait: 20 * time.Millisecond})
	defer close(gate)

	body := importBody(mugURL)
	body["action"] = "product.preview"
	rec, env := h.do(t, http.MethodPost, "/v1/imports", token(t, "bob", "read"), body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, CodeAccepted, env.Code)
}

func TestGetImport(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})

	rec, env := h.do(t, http.MethodGet, "/v1/imports/missing", token(t, "alice", "job:read"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)

	rec, env = h.do(t, http.MethodGet, "/v1/imports/missing", token(t, "alice", "product:write"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, env.Code)
}

func readEvents(t *testing.T, resp *http.Response) []model.JobView {
	t.Helper()
	var out []model.JobView
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var env struct {
			Data sseData `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &env))
		out = append(out, env.Data.Job)
	}
	return out
}

func TestImportEvents_StreamsUntilTerminal(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, staticExtractor{gate: gate}, Config{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()
	tok := token(t, "alice", "admin")

	rec, env := h.do(t, http.MethodPost, "/v1/imports", tok, importBody(mugURL))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := jobView(t, env).JobID

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/imports/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(gate)
	views := readEvents(t, resp)
	require.GreaterOrEqual(t, len(views), 2)
	assert.Equal(t, id, views[0].JobID)
	assert.Equal(t, model.JobStatusReady, views[len(views)-1].Status)
}

func TestImportEvents_TerminalJobSendsOneEvent(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()
	tok := token(t, "alice", "admin")

	_, env := h.do(t, http.MethodPost, "/v1/imports", tok, importBody(mugURL))
	id := jobView(t, env).JobID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/imports/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	views := readEvents(t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, model.JobStatusReady, views[0].Status)
}

func TestPublish(t *testing.T) {
	h := newHarness(t, staticExtractor{}, Config{})
	tok := token(t, "alice", "admin")

	_, env := h.do(t, http.MethodPost, "/v1/imports", tok, importBody(mugURL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.orch.Wait(ctx, jobView(t, env).JobID)
	require.NoError(t, err)

	path := "/v1/products/" + url.PathEscape(mugID) + "/publish"
	body := func(channel string) map[string]any {
		return map[string]any{"request_id": uuid.NewString(), "channel": channel}
	}

	rec, env := h.do(t, http.MethodPost, path, tok, body("audit"))
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	assert.Equal(t, CodeOK, env.Code)
	var res publish.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "log:"+publish.DefaultKey(mugID, 1), res.ExternalID)
	assert.Equal(t, 1, res.Version)

	rec, env = h.do(t, http.MethodPost, path, tok, body("audit"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CodeDuplicate, env.Code)

	rec, env = h.do(t, http.MethodPost, path, tok, body("shopify"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)

	rec, env = h.do(t, http.MethodPost, "/v1/products/"+url.PathEscape("shop.example.com/products/none")+"/publish", tok, body("audit"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, env.Code)

	rec, env = h.do(t, http.MethodPost, path, token(t, "alice", "write"), body("audit"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, env.Code)

	rec, env = h.do(t, http.MethodPost, path, tok, map[string]any{"request_id": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Message, "channel")
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
