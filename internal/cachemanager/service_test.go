package cachemanager

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fedssr/internal/fingerprint"
	"fedssr/internal/prerenderstore"
	"fedssr/internal/prerenderstore/storetest"
)

const navPayload = `["/nav.css","/nav.js"]␟<div>hi</div>␟NO STATE`

type renderCall struct {
	path   string
	header http.Header
	body   string
}

type fakeRenderer struct {
	calls atomic.Int32

	mu     sync.Mutex
	seen   []renderCall
	status int
	reply  string

	// gate, when set, holds every render until it is closed.
	gate chan struct{}
}

func newFakeRenderer(t *testing.T, reply string) (*fakeRenderer, *httptest.Server) {
	t.Helper()
	f := &fakeRenderer{status: http.StatusOK, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.seen = append(f.seen, renderCall{path: r.URL.Path, header: r.Header.Clone(), body: string(b)})
		status, reply, gate := f.status, f.reply, f.gate
		f.mu.Unlock()
		f.calls.Add(1)

		if gate != nil {
			<-gate
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRenderer) setStatus(code int) {
	f.mu.Lock()
	f.status = code
	f.mu.Unlock()
}

func (f *fakeRenderer) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeRenderer) last() renderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

// spyStore wraps a real store to count calls and inject failures.
type spyStore struct {
	prerenderstore.Store

	getErr    error
	deleteErr error
	afterGet  func()

	// insertGate, when set, holds every insert until it is closed.
	insertGate chan struct{}

	gets    atomic.Int32
	inserts atomic.Int32
	deletes atomic.Int32
}

func (s *spyStore) Get(ctx context.Context, pk, rk string) (prerenderstore.Entry, error) {
	s.gets.Add(1)
	if s.afterGet != nil {
		defer s.afterGet()
	}
	if s.getErr != nil {
		return prerenderstore.Entry{}, s.getErr
	}
	return s.Store.Get(ctx, pk, rk)
}

func (s *spyStore) Insert(ctx context.Context, pk, rk, value string) error {
	if s.insertGate != nil {
		<-s.insertGate
	}
	s.inserts.Add(1)
	return s.Store.Insert(ctx, pk, rk, value)
}

func (s *spyStore) Delete(ctx context.Context, pk, rk string) error {
	s.deletes.Add(1)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.Delete(ctx, pk, rk)
}

type fixture struct {
	svc   *Service
	store *spyStore
	mem   *prerenderstore.Memory
	clock *storetest.Clock
}

func newFixture(t *testing.T, rendererURL, extraYAML string) *fixture {
	t.Helper()
	clk := storetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := prerenderstore.NewMemory(prerenderstore.Options{TTL: 10 * time.Minute, Clock: clk})
	spy := &spyStore{Store: mem}

	cfg, err := ParseConfig([]byte("renderer:\n  url: " + rendererURL + "/{port}/prerender\n" + extraYAML))
	if err != nil {
		t.Fatalf("ParseConfig() err=%v", err)
	}
	svc, err := NewService(cfg, WithStore(spy), WithClock(clk))
	if err != nil {
		t.Fatalf("NewService() err=%v", err)
	}
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: spy, mem: mem, clock: clk}
}

// waitInserts blocks until background inserts are done. Tests never start the
// stats or warmup loops, so the wait group only tracks inserts.
func (f *fixture) waitInserts() { f.svc.wg.Wait() }

func post(t *testing.T, h http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPrerender_MissHitExpired(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "")
	h := f.svc.Handler()
	hdr := map[string]string{"remote-name": "mfe_header"}
	body := `{"module":"Nav","props":{}}`

	rec := post(t, h, "/3001/prerender", body, hdr)
	if rec.Code != http.StatusOK || rec.Body.String() != navPayload {
		t.Fatalf("miss: code=%d body=%q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(cacheHeader); got != "miss" {
		t.Fatalf("miss: %s=%q", cacheHeader, got)
	}
	f.waitInserts()
	if r.calls.Load() != 1 || f.store.inserts.Load() != 1 || f.mem.Len() != 1 {
		t.Fatalf("miss: renders=%d inserts=%d rows=%d", r.calls.Load(), f.store.inserts.Load(), f.mem.Len())
	}

	rec = post(t, h, "/3001/prerender", body, hdr)
	if rec.Body.String() != navPayload || rec.Header().Get(cacheHeader) != "hit" {
		t.Fatalf("hit: body=%q outcome=%q", rec.Body.String(), rec.Header().Get(cacheHeader))
	}
	if r.calls.Load() != 1 {
		t.Fatalf("hit must not render, renders=%d", r.calls.Load())
	}

	f.clock.Advance(10 * time.Minute)
	rec = post(t, h, "/3001/prerender", body, hdr)
	if rec.Body.String() != navPayload || rec.Header().Get(cacheHeader) != "expired" {
		t.Fatalf("expired: body=%q outcome=%q", rec.Body.String(), rec.Header().Get(cacheHeader))
	}
	f.waitInserts()
	if r.calls.Load() != 2 || f.store.deletes.Load() != 1 || f.store.inserts.Load() != 2 {
		t.Fatalf("expired: renders=%d deletes=%d inserts=%d", r.calls.Load(), f.store.deletes.Load(), f.store.inserts.Load())
	}

	rk, _ := fingerprint.RowKey([]byte(body), DefaultLanguage)
	ent, err := f.mem.Get(context.Background(), "mfe_header", rk)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if want := f.clock.Now().Add(10 * time.Minute); !ent.ExpiryDate.Equal(want) {
		t.Fatalf("expiry=%s, want %s", ent.ExpiryDate, want)
	}

	ss := f.svc.stats.Snapshot()
	if ss.Misses != 1 || ss.Hits != 1 || ss.Expired != 1 {
		t.Fatalf("stats=%+v", ss)
	}
}

func TestPrerender_HeadersAndForwarding(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "")
	h := f.svc.Handler()

	rec := post(t, h, "/3002/prerender", `{"module":"Nav","props":{"a":1}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	got := rec.Header()
	if got.Get("Content-Language") != "en-GB" || got.Get("remote-name") != "" {
		t.Fatalf("headers=%v", got)
	}
	if got.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type=%q", got.Get("Content-Type"))
	}
	if exp := got.Get("Access-Control-Expose-Headers"); !strings.Contains(exp, cacheHeader) || !strings.Contains(exp, "remote-name") {
		t.Fatalf("Access-Control-Expose-Headers=%q", exp)
	}

	call := r.last()
	if call.path != "/3002/prerender" {
		t.Fatalf("renderer path=%q", call.path)
	}
	if call.body != `{"module":"Nav","props":{"a":1}}` {
		t.Fatalf("renderer body=%q, want request body verbatim", call.body)
	}
	if call.header.Get("Content-Type") != "application/json" || call.header.Get("X-Request-Id") == "" {
		t.Fatalf("renderer headers=%v", call.header)
	}

	rec = post(t, h, "/3002/prerender", `{"module":"Nav","props":{"a":1}}`, map[string]string{
		"remote-name":      "mfe_footer",
		"Content-Language": "fr-FR",
	})
	if rec.Header().Get("Content-Language") != "fr-FR" || rec.Header().Get("remote-name") != "mfe_footer" {
		t.Fatalf("headers=%v", rec.Header())
	}
	if rec.Header().Get(cacheHeader) != "miss" {
		t.Fatalf("another language or remote must not share an entry")
	}
	if call := r.last(); call.header.Get("remote-name") != "mfe_footer" || call.header.Get("Content-Language") != "fr-FR" {
		t.Fatalf("renderer headers=%v", call.header)
	}
}

func TestPrerender_StoreGetFailureFallsBack(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "")
	f.store.getErr = errors.New("table service timeout")

	rec := post(t, f.svc.Handler(), "/3001/prerender", `{"module":"Nav","props":{}}`, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != navPayload {
		t.Fatalf("code=%d body=%q, want the direct render", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(cacheHeader) != "fallback" {
		t.Fatalf("outcome=%q", rec.Header().Get(cacheHeader))
	}
	f.waitInserts()
	if r.calls.Load() != 1 || f.store.inserts.Load() != 0 {
		t.Fatalf("renders=%d inserts=%d", r.calls.Load(), f.store.inserts.Load())
	}
}

func TestPrerender_DeleteFailureFallsBackWithoutInsert(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "")
	ctx := context.Background()
	req := Request{Port: 3001, RemoteName: "mfe_header", Body: []byte(`{"module":"Nav"}`)}

	if _, err := f.svc.Prerender(ctx, req); err != nil {
		t.Fatalf("Prerender() err=%v", err)
	}
	f.waitInserts()
	f.clock.Advance(time.Hour)
	f.store.deleteErr = errors.New("forbidden")

	res, err := f.svc.Prerender(ctx, req)
	if err != nil {
		t.Fatalf("Prerender() err=%v", err)
	}
	f.waitInserts()
	if res.Outcome != OutcomeFallback || res.Body != navPayload {
		t.Fatalf("res=%+v", res)
	}
	if r.calls.Load() != 2 || f.store.inserts.Load() != 1 {
		t.Fatalf("renders=%d inserts=%d", r.calls.Load(), f.store.inserts.Load())
	}
}

func TestPrerender_ConnectFailureRetriesLater(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	cfg, err := ParseConfig([]byte("renderer:\n  url: " + srv.URL + "/{port}/prerender\n"))
	if err != nil {
		t.Fatalf("ParseConfig() err=%v", err)
	}
	var attempts atomic.Int32
	svc, err := NewService(cfg, WithConnector(func(context.Context) (prerenderstore.Store, error) {
		attempts.Add(1)
		return nil, &prerenderstore.ConnectionError{Backend: "postgres", Err: errors.New("password authentication failed")}
	}))
	if err != nil {
		t.Fatalf("NewService() err=%v", err)
	}
	t.Cleanup(svc.Close)

	for i := 0; i < 3; i++ {
		res, err := svc.Prerender(context.Background(), Request{Port: 3001, Body: []byte(`{}`)})
		if err != nil || res.Outcome != OutcomeFallback || res.Body != navPayload {
			t.Fatalf("request %d: res=%+v err=%v", i, res, err)
		}
	}
	if attempts.Load() != 1 || r.calls.Load() != 3 {
		t.Fatalf("connect attempts=%d renders=%d", attempts.Load(), r.calls.Load())
	}
}

func TestPrerender_RendererFailureIs500(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, "boom")
	r.setStatus(http.StatusBadGateway)
	f := newFixture(t, srv.URL, "")

	rec := post(t, f.svc.Handler(), "/3001/prerender", `{"module":"Nav"}`, map[string]string{"remote-name": "mfe_header"})
	if rec.Code != http.StatusInternalServerError || rec.Body.Len() != 0 {
		t.Fatalf("code=%d body=%q, want 500 with no body", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("remote-name") != "mfe_header" || rec.Header().Get("Content-Language") != "en-GB" {
		t.Fatalf("headers=%v", rec.Header())
	}
	f.waitInserts()
	if f.store.inserts.Load() != 0 || f.mem.Len() != 0 {
		t.Fatalf("a failed render must not be stored")
	}
	if ss := f.svc.stats.Snapshot(); ss.RenderErrors != 1 {
		t.Fatalf("stats=%+v", ss)
	}
}

func TestPrerender_InvalidBodyBypassesCache(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "")

	rec := post(t, f.svc.Handler(), "/3001/prerender", `not json`, nil)
	if rec.Code != http.StatusOK || rec.Header().Get(cacheHeader) != "bypass" {
		t.Fatalf("code=%d outcome=%q", rec.Code, rec.Header().Get(cacheHeader))
	}
	f.waitInserts()
	if f.store.gets.Load() != 0 || f.store.inserts.Load() != 0 {
		t.Fatalf("store touched: gets=%d inserts=%d", f.store.gets.Load(), f.store.inserts.Load())
	}
	if r.last().body != "not json" {
		t.Fatalf("renderer body=%q", r.last().body)
	}
}

func TestPrerender_EmptyBodyRendersEmptyObject(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "")

	rec := post(t, f.svc.Handler(), "/3001/prerender", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get(cacheHeader) != "miss" {
		t.Fatalf("code=%d outcome=%q", rec.Code, rec.Header().Get(cacheHeader))
	}
	if r.last().body != "{}" {
		t.Fatalf("renderer body=%q", r.last().body)
	}
}

func TestHandler_RequestLimits(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "server:\n  maxBodySize: 1kb\n")
	h := f.svc.Handler()

	big := `{"pad":"` + strings.Repeat("x", 2048) + `"}`
	if rec := post(t, h, "/3001/prerender", big, nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: code=%d", rec.Code)
	}
	for _, path := range []string{"/abc/prerender", "/0/prerender", "/70000/prerender"} {
		if rec := post(t, h, path, `{}`, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: code=%d", path, rec.Code)
		}
	}
	if r.calls.Load() != 0 {
		t.Fatalf("renders=%d, want none", r.calls.Load())
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("healthz code=%d", rec.Code)
	}
}

func TestPrerender_ConcurrentMissesWithoutDedupe(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	gate := r.hold()
	f := newFixture(t, srv.URL, "")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Prerender(context.Background(), Request{Port: 3001, RemoteName: "mfe_header", Body: []byte(`{}`)})
		}()
	}
	waitFor(t, func() bool { return r.calls.Load() == 2 })
	close(gate)
	wg.Wait()
	f.waitInserts()

	if f.store.inserts.Load() != 2 || f.mem.Len() != 1 {
		t.Fatalf("inserts=%d rows=%d, want both inserts on one row", f.store.inserts.Load(), f.mem.Len())
	}
}

func TestPrerender_DedupeInflight(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	gate := r.hold()
	f := newFixture(t, srv.URL, "cache:\n  dedupeInflight: true\n")

	const n = 5
	var looked sync.WaitGroup
	looked.Add(n)
	f.store.afterGet = looked.Done

	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := f.svc.Prerender(context.Background(), Request{Port: 3001, RemoteName: "mfe_header", Body: []byte(`{}`)})
			if err != nil {
				t.Errorf("Prerender() err=%v", err)
			}
			results <- res
		}()
	}
	looked.Wait()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < n; i++ {
		if res := <-results; res.Body != navPayload {
			t.Fatalf("res=%+v", res)
		}
	}
	f.waitInserts()
	if r.calls.Load() != 1 || f.store.inserts.Load() != 1 {
		t.Fatalf("renders=%d inserts=%d, want one each", r.calls.Load(), f.store.inserts.Load())
	}
}

func TestPrerender_InsertOverflowIsDropped(t *testing.T) {
	t.Parallel()

	_, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, "cache:\n  backgroundInserts: 1\n")
	f.store.insertGate = make(chan struct{})

	for _, body := range []string{`{"module":"A"}`, `{"module":"B"}`} {
		res, err := f.svc.Prerender(context.Background(), Request{Port: 3001, Body: []byte(body)})
		if err != nil || res.Outcome != OutcomeMiss {
			t.Fatalf("res=%+v err=%v", res, err)
		}
	}
	close(f.store.insertGate)
	f.waitInserts()
	if f.store.inserts.Load() != 1 {
		t.Fatalf("inserts=%d, want the second one dropped", f.store.inserts.Load())
	}
}

func TestWarmAll(t *testing.T) {
	t.Parallel()

	r, srv := newFakeRenderer(t, navPayload)
	f := newFixture(t, srv.URL, `
warmup:
  requests:
    - port: 3001
      remoteName: mfe_header
      body:
        module: Nav
        props: {}
`)

	f.svc.warmAll()
	f.waitInserts()
	if r.calls.Load() != 1 || f.mem.Len() != 1 {
		t.Fatalf("renders=%d rows=%d", r.calls.Load(), f.mem.Len())
	}

	// The warmed entry is what a user request for the same props hits.
	rec := post(t, f.svc.Handler(), "/3001/prerender", `{"props":{},"module":"Nav"}`, map[string]string{"remote-name": "mfe_header"})
	if rec.Header().Get(cacheHeader) != "hit" || r.calls.Load() != 1 {
		t.Fatalf("outcome=%q renders=%d", rec.Header().Get(cacheHeader), r.calls.Load())
	}
	if !strings.HasPrefix(r.last().header.Get("X-Request-Id"), "warmup-") {
		t.Fatalf("request id=%q", r.last().header.Get("X-Request-Id"))
	}

	f.clock.Advance(time.Hour)
	f.svc.warmAll()
	if r.calls.Load() != 2 {
		t.Fatalf("expired entry not refreshed, renders=%d", r.calls.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
