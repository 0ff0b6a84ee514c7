package wakatime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/ratelimit"
	"github.com/vinayprograms/activitykit/telemetry"
)

const testKey = "waka_0123456789abcdef"

// --- Test helpers ---

type recorded struct {
	method, path, query string
	auth, agent         string
	body                []byte
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	body     string
	header   http.Header
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		auth:   r.Header.Get("Authorization"),
		agent:  r.Header.Get("User-Agent"),
		body:   body,
	})
	status, respBody, header := f.status, f.body, f.header
	f.mu.Unlock()

	for k, v := range header {
		w.Header()[k] = v
	}
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	io.WriteString(w, respBody)
}

func (f *fakeAPI) respond(status int, body string) {
	f.mu.Lock()
	f.status, f.body = status, body
	f.mu.Unlock()
}

func (f *fakeAPI) calls() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/api/v1"
	if cfg.APIKey == "" {
		cfg.APIKey = testKey
	}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, api
}

func hb(entity string) heartbeat.Heartbeat {
	h := heartbeat.New(entity, time.Unix(1700000000, 0))
	h.Category = "coding"
	h.Language = "Go"
	return h
}

// --- Delivery ---

func TestSendOne(t *testing.T) {
	c, api := newTestClient(t, Config{UserAgent: "test-agent/1.0"})

	if err := c.SendOne(context.Background(), hb("/src/main.go")); err != nil {
		t.Fatalf("SendOne error: %v", err)
	}

	calls := api.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 request, got %d", len(calls))
	}
	req := calls[0]
	if req.method != http.MethodPost || req.path != "/api/v1/users/current/heartbeats" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.auth != "Bearer "+testKey {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.agent != "test-agent/1.0" {
		t.Errorf("User-Agent = %q", req.agent)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(req.body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["entity"] != "/src/main.go" || body["type"] != "file" || body["entity_type"] != "file" {
		t.Errorf("body = %v", body)
	}
	if body["time"] != float64(1700000000) {
		t.Errorf("time = %v", body["time"])
	}
}

func TestSendMany_PreservesOrder(t *testing.T) {
	c, api := newTestClient(t, Config{})
	api.respond(http.StatusAccepted, `{"responses":[]}`)

	batch := []heartbeat.Heartbeat{hb("a.go"), hb("b.go"), hb("c.go")}
	if err := c.SendMany(context.Background(), batch); err != nil {
		t.Fatalf("SendMany error: %v", err)
	}

	req := api.calls()[0]
	if req.path != "/api/v1/users/current/heartbeats.bulk" {
		t.Errorf("path = %s", req.path)
	}
	var got []struct {
		Entity     string `json:"entity"`
		EntityType string `json:"entity_type"`
	}
	if err := json.Unmarshal(req.body, &got); err != nil {
		t.Fatalf("body is not a JSON array: %v", err)
	}
	if len(got) != 3 || got[0].Entity != "a.go" || got[1].Entity != "b.go" || got[2].Entity != "c.go" {
		t.Errorf("bulk body = %+v", got)
	}
	if got[0].EntityType != "file" {
		t.Errorf("entity_type = %q", got[0].EntityType)
	}

	if err := c.SendMany(context.Background(), nil); err != nil {
		t.Errorf("SendMany(nil) error: %v", err)
	}
	if n := len(api.calls()); n != 1 {
		t.Errorf("empty batch made a request; calls = %d", n)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   aerrors.ErrorCode
	}{
		{http.StatusUnauthorized, `{"error":"Invalid api key"}`, aerrors.ErrCodeUnauthorized},
		{http.StatusForbidden, "", aerrors.ErrCodeForbidden},
		{http.StatusBadRequest, `{"errors":{"entity":"required"}}`, aerrors.ErrCodeInvalidInput},
		{http.StatusNotFound, "", aerrors.ErrCodeNotFound},
		{http.StatusTooManyRequests, "", aerrors.ErrCodeRateLimit},
		{http.StatusInternalServerError, "", aerrors.ErrCodeUnavailable},
		{http.StatusServiceUnavailable, "", aerrors.ErrCodeUnavailable},
		{http.StatusRequestEntityTooLarge, "", aerrors.ErrCodeInvalidInput},
		{http.StatusUnprocessableEntity, "", aerrors.ErrCodeInvalidInput},
		{http.StatusRequestTimeout, "", aerrors.ErrCodeTimeout},
		{http.StatusTooEarly, "", aerrors.ErrCodeRetryLater},
		{http.StatusConflict, "", aerrors.ErrCodeRetryLater},
		{http.StatusTeapot, "", aerrors.ErrCodeRetryLater},
		{http.StatusOK, "", aerrors.ErrCodeRetryLater},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, api := newTestClient(t, Config{})
			api.respond(tt.status, tt.body)

			err := c.SendOne(context.Background(), hb("a.go"))
			if !aerrors.Is(err, tt.code) {
				t.Fatalf("SendOne error = %v, want %s", err, tt.code)
			}
			meta := aerrors.AsActivityError(err).Metadata()
			if meta["status"] == "" {
				t.Errorf("status metadata missing: %v", meta)
			}
		})
	}
}

func TestStatusMapping_APIMessage(t *testing.T) {
	c, api := newTestClient(t, Config{})
	api.respond(http.StatusUnauthorized, `{"error":"Invalid api key"}`)

	err := c.SendOne(context.Background(), hb("a.go"))
	if err == nil || !strings.Contains(err.Error(), "Invalid api key") {
		t.Errorf("error = %v, want API message", err)
	}
	if !aerrors.IsConfiguration(err) {
		t.Error("401 should be a configuration error")
	}
}

func TestMissingAPIKey(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()
	mirror := &fakeAPI{}
	mirrorSrv := httptest.NewServer(mirror)
	defer mirrorSrv.Close()

	c, err := New(Config{BaseURL: srv.URL, MirrorURL: mirrorSrv.URL}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	err = c.SendMany(context.Background(), []heartbeat.Heartbeat{hb("a.go"), hb("b.go")})
	if !aerrors.Is(err, aerrors.ErrCodeUnauthorized) {
		t.Errorf("SendMany error = %v, want UNAUTHORIZED", err)
	}
	if _, err := c.CurrentUser(context.Background()); !aerrors.Is(err, aerrors.ErrCodeUnauthorized) {
		t.Errorf("CurrentUser error = %v, want UNAUTHORIZED", err)
	}
	if n := len(api.calls()) + len(mirror.calls()); n != 0 {
		t.Errorf("expected no requests without a key, got %d", n)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{APIKey: testKey, BaseURL: url}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := c.SendOne(context.Background(), hb("a.go")); !aerrors.Is(err, aerrors.ErrCodeNetworkErr) {
		t.Errorf("SendOne error = %v, want NETWORK_ERR", err)
	}
}

func TestContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{APIKey: testKey, BaseURL: srv.URL}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.SendOne(ctx, hb("a.go"))
	if !aerrors.Is(err, aerrors.ErrCodeTimeout) {
		t.Errorf("SendOne error = %v, want TIMEOUT", err)
	}
	if !aerrors.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestRateLimited_ReducesLimiter(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(quartz.NewMock(t))
	defer limiter.Close()

	c, api := newTestClient(t, Config{RequestsPerMinute: 60}, WithLimiter(limiter))
	api.mu.Lock()
	api.status = http.StatusTooManyRequests
	api.header = http.Header{"Retry-After": {"30"}}
	api.mu.Unlock()

	err := c.SendOne(context.Background(), hb("a.go"))
	if !aerrors.Is(err, aerrors.ErrCodeRateLimit) {
		t.Fatalf("SendOne error = %v, want RATE_LIMITED", err)
	}
	if got := aerrors.AsActivityError(err).Metadata()["retry_after"]; got != "30" {
		t.Errorf("retry_after = %q, want 30", got)
	}

	cap := limiter.GetCapacity(RateLimitResource)
	if cap.Total != 30 {
		t.Errorf("capacity after 429 = %d, want 30", cap.Total)
	}
}

func TestRateLimit_BudgetsRequests(t *testing.T) {
	mClock := quartz.NewMock(t)
	c, api := newTestClient(t, Config{RequestsPerMinute: 2}, WithClock(mClock))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.SendOne(ctx, hb("a.go"))
	c.SendOne(ctx, hb("b.go"))

	err := c.SendOne(ctx, hb("c.go"))
	if !aerrors.Is(err, aerrors.ErrCodeTimeout) {
		t.Errorf("third SendOne error = %v, want TIMEOUT while waiting for budget", err)
	}
	if n := len(api.calls()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestMirror(t *testing.T) {
	mirror := &fakeAPI{}
	mirrorSrv := httptest.NewServer(mirror)
	defer mirrorSrv.Close()

	c, api := newTestClient(t, Config{MirrorURL: mirrorSrv.URL + "/api/hackatime"})

	if err := c.SendOne(context.Background(), hb("a.go")); err != nil {
		t.Fatalf("SendOne error: %v", err)
	}
	if err := c.SendMany(context.Background(), []heartbeat.Heartbeat{hb("a.go"), hb("b.go")}); err != nil {
		t.Fatalf("SendMany error: %v", err)
	}

	calls := mirror.calls()
	if len(calls) != 2 {
		t.Fatalf("mirror requests = %d, want 2", len(calls))
	}
	paths := map[string]bool{calls[0].path: true, calls[1].path: true}
	if !paths["/api/hackatime/heartbeat"] || !paths["/api/hackatime/heartbeats"] {
		t.Errorf("mirror paths = %v", paths)
	}
	for _, r := range calls {
		if r.auth != "" {
			t.Errorf("mirror received Authorization header %q", r.auth)
		}
	}

	// Mirror failures never fail the delivery.
	mirror.respond(http.StatusBadGateway, "")
	if err := c.SendOne(context.Background(), hb("a.go")); err != nil {
		t.Errorf("SendOne with failing mirror error: %v", err)
	}

	// Primary failures are reported even when the mirror succeeds.
	mirror.respond(http.StatusCreated, "")
	api.respond(http.StatusServiceUnavailable, "")
	if err := c.SendOne(context.Background(), hb("a.go")); !aerrors.Is(err, aerrors.ErrCodeUnavailable) {
		t.Errorf("SendOne error = %v, want UNAVAILABLE", err)
	}
}

func TestSendSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := telemetry.NewTracerFromProvider(tp, "test", false)

	c, _ := newTestClient(t, Config{}, WithTracer(tracer))
	if err := c.SendMany(context.Background(), []heartbeat.Heartbeat{hb("a.go"), hb("b.go")}); err != nil {
		t.Fatalf("SendMany error: %v", err)
	}

	var found bool
	for _, s := range rec.Ended() {
		if s.Name() == "sink.wakatime.bulk" {
			found = true
			for _, kv := range s.Attributes() {
				if string(kv.Key) == "http.response.status_code" && kv.Value.AsInt64() != 201 {
					t.Errorf("status attribute = %d", kv.Value.AsInt64())
				}
			}
		}
	}
	if !found {
		t.Error("expected sink.wakatime.bulk span")
	}
}

// --- Read endpoints ---

func TestToday(t *testing.T) {
	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))

	c, api := newTestClient(t, Config{}, WithClock(mClock))
	api.respond(http.StatusOK, `{"data":[{"grand_total":{"total_seconds":3900,"digital":"1:05","text":"1 hr 5 mins"},
		"languages":[{"name":"Go","total_seconds":3900,"percent":100}]}]}`)

	s, err := c.Today(context.Background())
	if err != nil {
		t.Fatalf("Today error: %v", err)
	}
	if s.Total() != 65*time.Minute {
		t.Errorf("Total = %v, want 1h5m", s.Total())
	}
	if len(s.Languages) != 1 || s.Languages[0].Name != "Go" {
		t.Errorf("Languages = %+v", s.Languages)
	}

	req := api.calls()[0]
	if req.method != http.MethodGet || req.path != "/api/v1/users/current/summaries" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.query != "end=2025-03-14&start=2025-03-14" {
		t.Errorf("query = %q", req.query)
	}
}

func TestToday_Empty(t *testing.T) {
	c, api := newTestClient(t, Config{})
	api.respond(http.StatusOK, `{"data":[]}`)

	s, err := c.Today(context.Background())
	if err != nil {
		t.Fatalf("Today error: %v", err)
	}
	if s.Total() != 0 {
		t.Errorf("Total = %v, want 0", s.Total())
	}
}

func TestStats(t *testing.T) {
	c, api := newTestClient(t, Config{})
	api.respond(http.StatusOK, `{"data":{"range":"last_30_days","total_seconds":7200,"human_readable_total":"2 hrs"}}`)

	s, err := c.Stats(context.Background(), Last30Days)
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if s.TotalSeconds != 7200 || s.HumanReadableTotal != "2 hrs" {
		t.Errorf("Stats = %+v", s)
	}
	if p := api.calls()[0].path; p != "/api/v1/users/current/stats/last_30_days" {
		t.Errorf("path = %s", p)
	}

	if _, err := c.Stats(context.Background(), "forever"); !aerrors.Is(err, aerrors.ErrCodeInvalidInput) {
		t.Errorf("Stats(forever) error = %v, want INVALID_INPUT", err)
	}
	if n := len(api.calls()); n != 1 {
		t.Errorf("invalid range made a request; calls = %d", n)
	}
}

func TestReadEndpoints(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users/current/projects", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"data":[{"id":"p1","name":"shop"},{"id":"p2","name":"blog"}]}`)
	})
	mux.HandleFunc("/users/current", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"data":{"id":"u1","username":"dev","timezone":"UTC"}}`)
	})
	mux.HandleFunc("/users/current/goals", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"data":[{"id":"g1","title":"Code 2 hrs daily","status":"success"}]}`)
	})
	mux.HandleFunc("/leaders", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"data":[{"rank":1,"running_total":{"total_seconds":100},"user":{"username":"top"}}],"page":1,"total_pages":5}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(Config{APIKey: testKey, BaseURL: srv.URL}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx := context.Background()

	projects, err := c.Projects(ctx)
	if err != nil || len(projects) != 2 || projects[1].Name != "blog" {
		t.Errorf("Projects = %+v, %v", projects, err)
	}
	user, err := c.CurrentUser(ctx)
	if err != nil || user.Username != "dev" {
		t.Errorf("CurrentUser = %+v, %v", user, err)
	}
	goals, err := c.Goals(ctx)
	if err != nil || len(goals) != 1 || goals[0].Status != "success" {
		t.Errorf("Goals = %+v, %v", goals, err)
	}
	leaders, err := c.Leaders(ctx)
	if err != nil || len(leaders.Data) != 1 || leaders.Data[0].User.Username != "top" || leaders.TotalPages != 5 {
		t.Errorf("Leaders = %+v, %v", leaders, err)
	}
	if hits.Load() != 4 {
		t.Errorf("hits = %d, want 4", hits.Load())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"full", Config{BaseURL: "https://api.example.com/v1", Proxy: "http://proxy:3128", MirrorURL: "http://localhost:5000/api/hackatime"}, false},
		{"bad scheme", Config{BaseURL: "ftp://x"}, true},
		{"no host", Config{MirrorURL: "http://"}, true},
		{"negative timeout", Config{Timeout: -time.Second}, true},
		{"negative budget", Config{RequestsPerMinute: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Ensure the client drives a real emitter end to end.
func TestClientAsEmitterSink(t *testing.T) {
	c, api := newTestClient(t, Config{})
	em, err := heartbeat.NewEmitter(heartbeat.Config{}, c, heartbeat.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewEmitter error: %v", err)
	}
	em.Record(hb("a.go"))
	em.Record(hb("b.go"))
	if err := em.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	calls := api.calls()
	if len(calls) != 1 || !strings.HasSuffix(calls[0].path, "heartbeats.bulk") {
		t.Errorf("calls = %+v", calls)
	}
}

type parkRecorder struct {
	mu      sync.Mutex
	batches [][]heartbeat.Heartbeat
}

func (p *parkRecorder) Park(ctx context.Context, reason error, batch []heartbeat.Heartbeat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return nil
}

func (p *parkRecorder) parked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

// Transient 4xx responses must leave the batch buffered for the next flush;
// only request-body rejections are dead-lettered.
func TestEmitterRebuffersTransientClientErrors(t *testing.T) {
	tests := []struct {
		status int
		parked bool
	}{
		{http.StatusRequestTimeout, false},
		{http.StatusTooEarly, false},
		{http.StatusConflict, false},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, api := newTestClient(t, Config{})
			dead := &parkRecorder{}
			em, err := heartbeat.NewEmitter(heartbeat.Config{}, c,
				heartbeat.WithLogger(logging.Discard()), heartbeat.WithDeadLetter(dead))
			if err != nil {
				t.Fatalf("NewEmitter error: %v", err)
			}
			api.respond(tt.status, "")
			for _, name := range []string{"a.go", "b.go", "c.go"} {
				em.Record(hb(name))
			}

			if err := em.Flush(context.Background()); err == nil {
				t.Fatal("Flush error = nil, want failure")
			}

			wantPending, wantParked := 3, 0
			if tt.parked {
				wantPending, wantParked = 0, 3
			}
			if got := len(em.Pending()); got != wantPending {
				t.Errorf("pending = %d, want %d", got, wantPending)
			}
			if got := dead.parked(); got != wantParked {
				t.Errorf("dead-lettered = %d, want %d", got, wantParked)
			}
		})
	}
}
