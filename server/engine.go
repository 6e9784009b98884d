package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"Mokpell/internal/backend"
	"Mokpell/internal/inferbench"
	"Mokpell/internal/session"
	"Mokpell/internal/store"
)

// ErrNoContext is returned when an operation needs a loaded model.
var ErrNoContext = errors.New("server: no context loaded")

// EngineOptions configures an Engine.
type EngineOptions struct {
	Registry       *backend.Registry
	DefaultBackend string
	Session        session.Config
	Model          backend.ModelOptions
	Bench          inferbench.Params
	// Observer receives events from every session the engine creates.
	Observer session.Observer
	// History, when set, records every bench run.
	History *store.History
	Log     zerolog.Logger
}

// Engine owns at most one session at a time, mirroring a single loaded
// context. Loading a new context replaces the previous one. Completions and
// bench runs hold the busy slot from Init through Release, so only one runs
// at a time.
type Engine struct {
	opts EngineOptions
	busy chan struct{}

	mu      sync.RWMutex
	sess    *session.Session
	backend backend.Backend
	model   string
}

// NewEngine creates an engine with no context loaded.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Registry == nil {
		opts.Registry = backend.DefaultRegistry
	}
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = "llama"
	}
	if opts.Session.NCtx == 0 {
		opts.Session = session.DefaultConfig()
	}
	if opts.Bench.NR == 0 {
		opts.Bench = inferbench.DefaultParams()
	}
	return &Engine{opts: opts, busy: make(chan struct{}, 1)}
}

// Completion is the outcome of a finished completion request.
type Completion struct {
	Text            string             `json:"text"`
	Reason          session.StopReason `json:"reason"`
	PromptTokens    int                `json:"prompt_tokens"`
	GeneratedTokens int                `json:"generated_tokens"`
}

// InitContext loads the model described by req and creates a fresh session,
// closing any previous one.
func (e *Engine) InitContext(req ContextRequest) (ContextResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return ContextResponse{}, invalidRequest("model is required")
	}
	name := req.Backend
	if name == "" {
		name = e.opts.DefaultBackend
	}
	b, err := e.opts.Registry.New(name)
	if err != nil {
		return ContextResponse{}, err
	}

	cfg := req.apply(e.opts.Session)
	mopts := e.opts.Model
	if req.GPULayers != nil {
		mopts.GPULayers = *req.GPULayers
	}

	sess, err := session.Open(b, req.Model, mopts, cfg,
		session.WithObserver(e.opts.Observer),
		session.WithLogger(e.opts.Log))
	if err != nil {
		_ = b.Close()
		return ContextResponse{}, err
	}

	e.mu.Lock()
	prevSess, prevBackend := e.sess, e.backend
	e.sess, e.backend, e.model = sess, b, req.Model
	e.mu.Unlock()
	closeQuietly(prevSess, prevBackend, e.opts.Log)

	e.opts.Log.Info().
		Str("session", sess.ID()).
		Str("backend", b.Name()).
		Str("model", req.Model).
		Msg("context loaded")

	return ContextResponse{
		ID:      sess.ID(),
		Model:   sess.ModelDescription(),
		Backend: b.Name(),
		Device:  b.Device(),
		NCtx:    cfg.NCtx,
	}, nil
}

func closeQuietly(s *session.Session, b backend.Backend, log zerolog.Logger) {
	if s != nil {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("close session")
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("close backend")
		}
	}
}

// ReleaseContext unloads the current context.
func (e *Engine) ReleaseContext() error {
	e.mu.Lock()
	s, b := e.sess, e.backend
	e.sess, e.backend, e.model = nil, nil, ""
	e.mu.Unlock()
	if s == nil {
		return ErrNoContext
	}
	closeQuietly(s, b, e.opts.Log)
	return nil
}

// Close unloads any context.
func (e *Engine) Close() {
	_ = e.ReleaseContext()
}

func (e *Engine) current() (*session.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sess == nil {
		return nil, ErrNoContext
	}
	return e.sess, nil
}

// Complete runs one generation over msgs. onToken, when set, receives every
// fragment together with the accumulated text; an error from it cancels the
// generation. The session is released afterwards so the next request starts
// clean.
func (e *Engine) Complete(ctx context.Context, msgs []session.Message, onToken func(fragment, text string) error) (Completion, error) {
	s, err := e.current()
	if err != nil {
		return Completion{}, err
	}
	if !e.acquire() {
		return Completion{}, session.ErrAlreadyRunning
	}
	defer e.release()
	if err := s.Init(ctx, msgs); err != nil {
		if !errors.Is(err, session.ErrAlreadyRunning) {
			s.Release()
		}
		return Completion{}, err
	}
	defer s.Release()

	var sb strings.Builder
	for {
		out, err := s.Step(ctx)
		sb.WriteString(out.Text)
		if err != nil {
			if errors.Is(err, session.ErrCancelled) {
				return e.completion(s, sb.String(), session.ReasonCancelled), nil
			}
			return Completion{}, err
		}
		if onToken != nil && out.Text != "" {
			if cbErr := onToken(out.Text, sb.String()); cbErr != nil {
				s.Cancel()
				return Completion{}, cbErr
			}
		}
		if out.Finished {
			return e.completion(s, sb.String(), out.Reason), nil
		}
	}
}

func (e *Engine) acquire() bool {
	select {
	case e.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) release() { <-e.busy }

func (e *Engine) completion(s *session.Session, text string, reason session.StopReason) Completion {
	st := s.Stats()
	return Completion{
		Text:            text,
		Reason:          reason,
		PromptTokens:    st.PromptTokens,
		GeneratedTokens: st.GeneratedTokens,
	}
}

// Stop cancels the running completion, if any.
func (e *Engine) Stop() error {
	s, err := e.current()
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Tokenize converts text with the loaded vocabulary.
func (e *Engine) Tokenize(text string, addBOS bool) ([]backend.Token, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	return s.Tokenize(text, addBOS)
}

// Detokenize converts tokens to text with the loaded vocabulary.
func (e *Engine) Detokenize(tokens []backend.Token) (string, error) {
	s, err := e.current()
	if err != nil {
		return "", err
	}
	return s.Detokenize(tokens), nil
}

// Bench runs the throughput benchmark on the loaded context. Zero fields of
// p take the configured defaults.
func (e *Engine) Bench(ctx context.Context, p inferbench.Params) (inferbench.Result, error) {
	s, err := e.current()
	if err != nil {
		return inferbench.Result{}, err
	}
	if !e.acquire() {
		return inferbench.Result{}, session.ErrAlreadyRunning
	}
	defer e.release()
	d := e.opts.Bench
	if p.PP == 0 {
		p.PP = d.PP
	}
	if p.TG == 0 {
		p.TG = d.TG
	}
	if p.PL == 0 {
		p.PL = d.PL
	}
	if p.NR == 0 {
		p.NR = d.NR
	}
	res, err := s.Bench(ctx, p)
	if err != nil {
		return res, err
	}
	if e.opts.History != nil {
		if err := e.opts.History.Save(ctx, res); err != nil {
			e.opts.Log.Warn().Err(err).Str("run", res.ID).Msg("bench history not saved")
		}
	}
	return res, nil
}

// History returns the most recent bench runs.
func (e *Engine) History(ctx context.Context, limit int) ([]store.Run, error) {
	if e.opts.History == nil {
		return nil, invalidRequest("bench history is not configured")
	}
	return e.opts.History.Recent(ctx, limit)
}

// Info describes the loaded context.
func (e *Engine) Info() InfoResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sess == nil {
		return InfoResponse{Loaded: false, Backends: e.opts.Registry.Names()}
	}
	st := e.sess.Stats()
	return InfoResponse{
		Loaded:          true,
		ID:              e.sess.ID(),
		Model:           e.sess.ModelDescription(),
		ModelPath:       e.model,
		Backend:         e.backend.Name(),
		Device:          e.backend.Device(),
		State:           e.sess.State().String(),
		BatchTokens:     e.sess.TokenCountInCurrentBatch(),
		PromptTokens:    st.PromptTokens,
		GeneratedTokens: st.GeneratedTokens,
		Backends:        e.opts.Registry.Names(),
	}
}

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func invalidRequest(format string, args ...any) error {
	return requestError{msg: fmt.Sprintf(format, args...)}
}
