package cachemanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/singleflight"

	"fedssr/internal/fingerprint"
	"fedssr/internal/prerenderstore"
	"fedssr/internal/renderer"
)

const (
	cacheHeader  = "X-Prerender-Cache"
	connectRetry = 5 * time.Second
)

// Connector opens the prerender store. It is called lazily and again after a
// failed attempt once connectRetry has passed.
type Connector func(ctx context.Context) (prerenderstore.Store, error)

type Option func(*Service)

func WithClock(c prerenderstore.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithStore uses an already connected store instead of the configured one.
func WithStore(st prerenderstore.Store) Option {
	return func(s *Service) {
		s.connect = func(context.Context) (prerenderstore.Store, error) { return st, nil }
	}
}

func WithConnector(fn Connector) Option {
	return func(s *Service) { s.connect = fn }
}

func WithRendererClient(c *renderer.Client) Option {
	return func(s *Service) { s.renderer = c }
}

// Request is one inbound prerender request.
type Request struct {
	Port       int
	RemoteName string
	Language   string
	Body       []byte
	RequestID  string
}

type Result struct {
	Body    string
	Outcome Outcome
}

type Service struct {
	cfg Config

	clock    prerenderstore.Clock
	renderer *renderer.Client
	connect  Connector

	storeMu     sync.Mutex
	store       prerenderstore.Store
	nextConnect time.Time

	inflight singleflight.Group
	bgSem    chan struct{}

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	storeLog    *rateLimitedLogger
	overflowLog *rateLimitedLogger

	stats *statsCollector
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Server.maxBody <= 0 || cfg.Cache.BackgroundInserts <= 0 {
		return nil, errors.New("cachemanager: config must come from LoadConfig or ParseConfig")
	}

	s := &Service{
		cfg:         cfg,
		clock:       prerenderstore.SystemClock{},
		bgSem:       make(chan struct{}, cfg.Cache.BackgroundInserts),
		stopCh:      make(chan struct{}),
		storeLog:    newRateLimitedLogger(1 * time.Minute),
		overflowLog: newRateLimitedLogger(1 * time.Minute),
		stats:       newStatsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.renderer == nil {
		s.renderer = renderer.NewClient(cfg.Renderer.timeoutDur)
	}
	if s.connect == nil {
		storeOpts := prerenderstore.Options{TTL: cfg.Store.ttlDur, Clock: s.clock}
		s.connect = func(ctx context.Context) (prerenderstore.Store, error) {
			return prerenderstore.Connect(ctx, cfg.Store.ConnectionString, cfg.Store.TableName, storeOpts)
		}
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	if cfg.Warmup.everyDur > 0 && len(cfg.Warmup.Requests) > 0 {
		log.Printf("warmup tick interval: %s (%d requests)", cfg.Warmup.everyDur, len(cfg.Warmup.Requests))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(cfg.Warmup.everyDur)
		}()
	}

	return s, nil
}

// Close stops the background loops, waits for pending inserts and closes the
// store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		s.storeMu.Lock()
		defer s.storeMu.Unlock()
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("close store: %v", err)
			}
			s.store = nil
		}
	})
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/{port}/prerender", s.handlePrerender)
	return r
}

func (s *Service) handlePrerender(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || !validPort(port) {
		http.NotFound(w, r)
		return
	}

	remoteName := r.Header.Get("remote-name")
	lang := r.Header.Get("Content-Language")
	if lang == "" {
		lang = DefaultLanguage
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// A client that goes away must not abort a render or insert half way.
	ctx := context.WithoutCancel(r.Context())
	res, err := s.Prerender(ctx, Request{
		Port:       port,
		RemoteName: remoteName,
		Language:   lang,
		Body:       body,
		RequestID:  middleware.GetReqID(r.Context()),
	})

	h := w.Header()
	h.Set("Content-Language", lang)
	h.Set("remote-name", remoteName)
	setCacheHeaders(h, res.Outcome)

	if err != nil {
		log.Printf("prerender %q port %d: %v", remoteName, port, err)
		s.stats.Observe(OutcomeError, 0)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.Body)
	s.stats.Observe(res.Outcome, len(res.Body))
}

// Prerender answers req from the store when a fresh entry exists and renders
// it otherwise. Store failures never fail the request: they fall back to a
// direct render. Only a renderer failure is returned as an error.
func (s *Service) Prerender(ctx context.Context, req Request) (Result, error) {
	if req.Language == "" {
		req.Language = DefaultLanguage
	}

	rk, err := fingerprint.RowKey(req.Body, req.Language)
	if err != nil {
		return s.direct(ctx, req, OutcomeBypass)
	}

	store, err := s.getStore(ctx)
	if err != nil {
		s.storeLog.Printf("prerender store unavailable: %v", err)
		return s.direct(ctx, req, OutcomeFallback)
	}

	ent, err := store.Get(ctx, req.RemoteName, rk)
	switch {
	case errors.Is(err, prerenderstore.ErrNotFound):
		return s.fill(ctx, store, req, rk, OutcomeMiss)
	case err != nil:
		s.storeLog.Printf("prerender store get %q: %v", req.RemoteName, err)
		return s.direct(ctx, req, OutcomeFallback)
	case ent.Expired(s.clock.Now()):
		if err := store.Delete(ctx, req.RemoteName, rk); err != nil {
			s.storeLog.Printf("prerender store delete %q: %v", req.RemoteName, err)
			return s.direct(ctx, req, OutcomeFallback)
		}
		return s.fill(ctx, store, req, rk, OutcomeExpired)
	default:
		return Result{Body: ent.Value, Outcome: OutcomeHit}, nil
	}
}

func (s *Service) direct(ctx context.Context, req Request, o Outcome) (Result, error) {
	body, err := s.render(ctx, req)
	if err != nil {
		return Result{Outcome: OutcomeError}, err
	}
	return Result{Body: body, Outcome: o}, nil
}

// fill renders a missing or expired entry and stores it in the background.
func (s *Service) fill(ctx context.Context, store prerenderstore.Store, req Request, rk string, o Outcome) (Result, error) {
	fetch := func() (any, error) {
		body, err := s.render(ctx, req)
		if err != nil {
			return "", err
		}
		s.insertAsync(store, req.RemoteName, rk, body)
		return body, nil
	}

	var (
		v   any
		err error
	)
	if s.cfg.Cache.DedupeInflight {
		v, err, _ = s.inflight.Do(strconv.Itoa(req.Port)+"\x00"+req.RemoteName+"\x00"+rk, fetch)
	} else {
		v, err = fetch()
	}
	if err != nil {
		return Result{Outcome: OutcomeError}, err
	}
	return Result{Body: v.(string), Outcome: o}, nil
}

func (s *Service) render(ctx context.Context, req Request) (string, error) {
	if !validPort(req.Port) {
		return "", fmt.Errorf("render: invalid port %d", req.Port)
	}
	url := strings.ReplaceAll(s.cfg.Renderer.URL, portPlaceholder, strconv.Itoa(req.Port))

	body := req.Body
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	hdr := http.Header{}
	hdr.Set("remote-name", req.RemoteName)
	hdr.Set("Content-Language", req.Language)
	if req.RequestID != "" {
		hdr.Set(renderer.RequestIDHeader, req.RequestID)
	}
	return s.renderer.Post(ctx, url, body, hdr)
}

func (s *Service) getStore(ctx context.Context) (prerenderstore.Store, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.store != nil {
		return s.store, nil
	}
	now := time.Now()
	if now.Before(s.nextConnect) {
		return nil, &prerenderstore.ConnectionError{
			Backend: "retry",
			Err:     fmt.Errorf("last connect failed, next attempt in %s", s.nextConnect.Sub(now).Round(time.Millisecond)),
		}
	}

	st, err := s.connect(ctx)
	if err != nil {
		s.nextConnect = now.Add(connectRetry)
		return nil, err
	}
	s.store = st
	return st, nil
}

func (s *Service) insertAsync(store prerenderstore.Store, partitionKey, rowKey, value string) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.overflowLog.Printf("prerender insert dropped for %q: %d inserts already in flight", partitionKey, cap(s.bgSem))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Insert(ctx, partitionKey, rowKey, value); err != nil {
			s.storeLog.Printf("prerender store insert %q: %v", partitionKey, err)
		}
	}()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			rss := "n/a"
			if n, ok := processRSSBytes(); ok {
				rss = formatBytes(n)
			}
			log.Printf(
				"Prerender: hit %d, miss %d, expired %d, fallback %d, bypass %d, errors %d, Resp min/avg/max %s/%s/%s, RSS %s",
				ss.Hits, ss.Misses, ss.Expired, ss.Fallbacks, ss.Bypasses, ss.RenderErrors,
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
				rss,
			)
		}
	}
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func setCacheHeaders(h http.Header, o Outcome) {
	if o != "" {
		h.Set(cacheHeader, string(o))
	}
	// Browsers only let scripts read custom headers that are exposed.
	ensureExposedHeader(h, cacheHeader)
	ensureExposedHeader(h, "remote-name")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
