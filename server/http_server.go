package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Mokpell/internal/inferbench"
	"Mokpell/internal/metrics"
	"Mokpell/internal/store"
)

const defaultMaxBodyBytes = 1 << 20

// Options configures the HTTP server.
type Options struct {
	Host         string
	Port         int
	CORSOrigins  []string
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
}

// HTTPServer exposes an Engine over HTTP.
type HTTPServer struct {
	engine    *Engine
	opts      Options
	startTime time.Time

	handlerOnce sync.Once
	handler     http.Handler

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
}

// BenchResponse carries the bench result and its rendered table.
type BenchResponse struct {
	Result inferbench.Result `json:"result"`
	Table  string            `json:"table"`
}

// HistoryResponse lists stored bench runs.
type HistoryResponse struct {
	Runs []store.Run `json:"runs"`
}

// NewHTTPServer creates a new HTTP server instance.
func NewHTTPServer(engine *Engine, opts Options) *HTTPServer {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPServer{engine: engine, opts: opts, startTime: time.Now()}
}

// Handler returns the router. It is built once.
func (s *HTTPServer) Handler() http.Handler {
	s.handlerOnce.Do(func() { s.handler = s.routes() })
	return s.handler
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}
	r.Use(s.accessLog)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/context", s.handleInitContext)
		r.Delete("/context", s.handleReleaseContext)
		r.Post("/completion", s.handleCompletion)
		r.Post("/completion/stop", s.handleStop)
		r.Post("/tokenize", s.handleTokenize)
		r.Post("/detokenize", s.handleDetokenize)
		r.Post("/bench", s.handleBench)
		r.Get("/bench/history", s.handleHistory)
		r.Get("/info", s.handleInfo)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status: "ok",
			Loaded: s.engine.Info().Loaded,
			Uptime: time.Since(s.startTime).Round(time.Second).String(),
		})
	})

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	return r
}

// requestID keeps a caller supplied X-Request-ID or assigns a UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

// decodeJSON reads a bounded JSON body into v. An empty body is accepted
// when allowEmpty is set.
func (s *HTTPServer) decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			return invalidRequest("Content-Type must be application/json")
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return invalidRequest("invalid JSON body: %v", err)
	}
	return nil
}

func (s *HTTPServer) handleInitContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.engine.InitContext(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleReleaseContext(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReleaseContext(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, invalidRequest("messages are required"))
		return
	}
	if !req.Stream {
		res, err := s.engine.Complete(r.Context(), req.Messages, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	emit := func(ev CompletionEvent) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	res, err := s.engine.Complete(r.Context(), req.Messages, func(fragment, text string) error {
		return emit(CompletionEvent{
			Function: "completion",
			Result:   &CompletionText{Text: text},
			Token:    fragment,
		})
	})
	if err != nil {
		if !started {
			writeError(w, err)
			return
		}
		body := errorBody(err)
		_ = emit(CompletionEvent{Done: true, Function: "completion", Error: &body})
		return
	}
	_ = emit(CompletionEvent{
		Done:     true,
		Function: "completion",
		Result: &CompletionText{
			Text:            res.Text,
			Reason:          res.Reason,
			PromptTokens:    res.PromptTokens,
			GeneratedTokens: res.GeneratedTokens,
		},
	})
}

func (s *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req TokenizeRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	toks, err := s.engine.Tokenize(req.Text, req.AddBOS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenizeResponse{Tokens: toks})
}

func (s *HTTPServer) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req DetokenizeRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	text, err := s.engine.Detokenize(req.Tokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DetokenizeResponse{Text: text})
}

func (s *HTTPServer) handleBench(w http.ResponseWriter, r *http.Request) {
	var p inferbench.Params
	if err := s.decodeJSON(w, r, &p, true); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Bench(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BenchResponse{Result: res, Table: res.Table()})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, invalidRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := s.engine.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs})
}

func (s *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Info())
}

// Start begins listening. Bind errors are returned; serve errors are logged.
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server: already running")
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer, s.listener = srv, ln

	go func() {
		s.opts.Log.Info().Str("addr", ln.Addr().String()).Msg("http server starting")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Log.Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	s.engine.Stop()
	err := s.httpServer.Shutdown(ctx)
	s.httpServer, s.listener = nil, nil
	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.opts.Log.Info().Msg("http server stopped")
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning returns true if the server is running.
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}
