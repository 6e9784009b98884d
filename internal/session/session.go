// Package session runs one autoregressive generation at a time against a
// backend context: chat messages are templated, tokenized and prefilled, then
// Step samples, decodes and detokenizes one token per call until a stop
// condition holds.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Mokpell/internal/backend"
	"Mokpell/internal/batch"
	"Mokpell/internal/sampling"
	"Mokpell/internal/tokenizer"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stats describes the current or most recent generation.
type Stats struct {
	PromptTokens    int
	GeneratedTokens int
	Budget          int
	Prefill         time.Duration
	Generate        time.Duration
	Reason          StopReason
}

var seq0 = []batch.SeqID{0}

// Session owns one backend context and everything mutated during
// generation. Init, Step, Bench and Release are serialized by mu; Init, Step
// and Bench return ErrAlreadyRunning instead of waiting.
type Session struct {
	id        string
	backend   backend.Backend
	model     backend.Model
	ownsModel bool
	cfg       Config
	obs       Observer
	log       zerolog.Logger

	mu      sync.Mutex
	bctx    backend.Context
	tok     *tokenizer.Adapter
	chain   *sampling.Chain
	batch   *batch.Batch
	tokens  []backend.Token
	partial tokenizer.PartialUTF8
	nCur    int
	nDecode int
	budget  int
	genAt   time.Time
	closed  bool

	cancel      atomic.Bool
	batchTokens atomic.Int32

	statusMu sync.RWMutex
	state    State
	err      error
	stats    Stats
}

// Option customises a Session.
type Option func(*Session)

// WithObserver installs an event sink.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// New creates a session over an already loaded model. The model stays owned
// by the caller and may be shared with other sessions.
func New(b backend.Backend, m backend.Model, cfg Config, opts ...Option) (*Session, error) {
	if b == nil || m == nil {
		return nil, &InitError{Op: "create session", Err: errors.New("backend and model are required")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Op: "validate config", Err: err}
	}
	cfg = cfg.withDefaults()

	s := &Session{
		id:      uuid.NewString(),
		backend: b,
		model:   m,
		cfg:     cfg,
		obs:     nopObserver{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("session", s.id).Logger()

	bctx, err := b.NewContext(m, backend.ContextParams{
		NCtx:          cfg.NCtx,
		NBatch:        cfg.NBatch,
		NSeqMax:       cfg.NSeqMax,
		NThreads:      cfg.Threads,
		NThreadsBatch: cfg.ThreadsBatch,
		Seed:          cfg.Sampling.Seed,
	})
	if err != nil {
		return nil, &InitError{Op: "create context", Err: err}
	}

	s.bctx = bctx
	s.tok = tokenizer.New(m.Vocab(), tokenizer.WithLogger(s.log))
	s.chain = sampling.FromParams(cfg.Sampling)
	s.batch = batch.New(cfg.NBatch, 1)

	s.log.Debug().
		Str("backend", b.Name()).
		Int("n_ctx", bctx.NCtx()).
		Int("n_batch", cfg.NBatch).
		Int("threads", cfg.Threads).
		Strs("sampler", s.chain.Names()).
		Msg("session created")
	return s, nil
}

// Open loads the model at path and creates a session that owns it.
func Open(b backend.Backend, path string, mopts backend.ModelOptions, cfg Config, opts ...Option) (*Session, error) {
	if b == nil {
		return nil, &InitError{Op: "load model", Path: path, Err: errors.New("no backend")}
	}
	m, err := b.LoadModel(path, mopts)
	if err != nil {
		return nil, &InitError{Op: "load model", Path: path, Err: err}
	}
	s, err := New(b, m, cfg, opts...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	s.ownsModel = true
	return s, nil
}

// ID identifies the session in events and logs.
func (s *Session) ID() string { return s.id }

// Config returns the construction-time configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state. It never blocks on a running
// Step.
func (s *Session) State() State {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.state
}

// Err returns the failure that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.err
}

// Stats returns counters of the current or most recent generation.
func (s *Session) Stats() Stats {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.stats
}

// TokenCountInCurrentBatch is the number of rows in the batch last
// submitted for decode.
func (s *Session) TokenCountInCurrentBatch() int {
	return int(s.batchTokens.Load())
}

// ModelDescription describes the loaded model.
func (s *Session) ModelDescription() string {
	return s.model.Description()
}

// Model exposes the loaded model.
func (s *Session) Model() backend.Model { return s.model }

// Backend exposes the runtime the session was created with.
func (s *Session) Backend() backend.Backend { return s.backend }

// Tokenize converts text with the model vocabulary. It does not touch
// generation state.
func (s *Session) Tokenize(text string, addBOS bool) ([]backend.Token, error) {
	return s.tok.Tokenize(text, addBOS)
}

// Detokenize converts tokens to text in one shot.
func (s *Session) Detokenize(tokens []backend.Token) string {
	return s.tok.Detokenize(tokens)
}

// Init formats messages with the chat template, tokenizes them and prefills
// the context. On success the session is Generating.
func (s *Session) Init(ctx context.Context, msgs []Message) error {
	if !s.mu.TryLock() {
		return ErrAlreadyRunning
	}
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	switch st := s.State(); {
	case st == StateFailed:
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.Err())
	case !st.canInit():
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cancel.Store(false)
	s.resetLocked()
	s.chain.Reset()
	s.setState(StatePrefilling, nil)
	s.emit(Event{Kind: EventInit})

	prompt, err := s.formatLocked(msgs)
	if err != nil {
		s.setState(StateIdle, nil)
		return err
	}
	toks, err := s.tok.Tokenize(prompt, s.cfg.AddBOS)
	if err != nil {
		s.setState(StateIdle, nil)
		return err
	}
	if len(toks) == 0 {
		s.setState(StateIdle, nil)
		return ErrEmptyPrompt
	}

	nCtx := s.bctx.NCtx()
	budget := s.cfg.MaxTokens
	if len(toks)+budget > nCtx {
		overflow := &OverflowError{PromptTokens: len(toks), MaxTokens: budget, NCtx: nCtx}
		if s.cfg.Overflow != OverflowClamp || len(toks) >= nCtx {
			s.failLocked(overflow)
			return overflow
		}
		budget = nCtx - len(toks)
		s.log.Warn().Err(overflow).Int("budget", budget).Msg("generation budget clamped")
	}

	start := time.Now()
	if err := s.prefillLocked(ctx, toks); err != nil {
		if errors.Is(err, ErrCancelled) {
			s.cancelLocked()
			return err
		}
		err = fmt.Errorf("%w: prefill: %w", ErrDecodeFailed, err)
		s.failLocked(err)
		return err
	}

	s.tokens = append(s.tokens[:0], toks...)
	s.nCur = len(toks)
	s.budget = budget
	s.genAt = time.Now()
	took := s.genAt.Sub(start)

	s.statusMu.Lock()
	s.state = StateGenerating
	s.err = nil
	s.stats = Stats{PromptTokens: len(toks), Budget: budget, Prefill: took}
	s.statusMu.Unlock()

	s.emit(Event{Kind: EventPrefill, Tokens: len(toks), Duration: took})
	return nil
}

// formatLocked renders msgs with the chat template, growing the buffer once
// if the first guess is too small.
func (s *Session) formatLocked(msgs []Message) (string, error) {
	if len(msgs) == 0 {
		return "", ErrEmptyPrompt
	}
	chat := make([]backend.ChatMessage, len(msgs))
	size := 0
	for i, m := range msgs {
		chat[i] = backend.ChatMessage{Role: m.Role, Content: m.Content}
		size += len(m.Role) + len(m.Content)
	}

	tmpl := s.cfg.ChatTemplate
	if tmpl == "" {
		tmpl = s.model.ChatTemplate()
	}

	buf := make([]byte, 2*size+1024)
	n := s.model.ApplyChatTemplate(tmpl, chat, true, buf)
	if n < 0 {
		return "", fmt.Errorf("%w: template %q not supported", ErrTemplate, tmpl)
	}
	if int(n) > len(buf) {
		buf = make([]byte, n)
		n = s.model.ApplyChatTemplate(tmpl, chat, true, buf)
		if n < 0 || int(n) > len(buf) {
			return "", fmt.Errorf("%w: template length changed between passes", ErrTemplate)
		}
	}
	return string(buf[:n]), nil
}

// prefillLocked decodes the prompt in chunks of at most NBatch rows. Only the
// final row of the final chunk requests logits. Cancel and ctx are checked
// between chunks.
func (s *Session) prefillLocked(ctx context.Context, toks []backend.Token) error {
	capacity := s.batch.Cap()
	for start := 0; start < len(toks); start += capacity {
		if start > 0 {
			if s.cancel.Load() {
				return ErrCancelled
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, err)
			}
		}
		end := min(start+capacity, len(toks))
		s.batch.Clear()
		for i := start; i < end; i++ {
			s.batch.Add(toks[i], int32(i), seq0, i == len(toks)-1)
		}
		s.batchTokens.Store(int32(s.batch.Len()))
		if err := s.bctx.Decode(s.batch); err != nil {
			return err
		}
	}
	return nil
}

// Step produces at most one token. Finished is set when generation ended
// during this call; the terminal Text carries any buffered partial bytes.
func (s *Session) Step(ctx context.Context) (StepOutcome, error) {
	if !s.mu.TryLock() {
		return StepOutcome{}, ErrAlreadyRunning
	}
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateGenerating:
	case StateCancelled:
		return StepOutcome{}, ErrCancelled
	case StateFailed:
		return StepOutcome{}, fmt.Errorf("%w: %w", ErrSessionFailed, s.Err())
	default:
		return StepOutcome{}, fmt.Errorf("%w: state %s", ErrNotGenerating, st)
	}

	if s.cancel.Load() {
		s.cancelLocked()
		return StepOutcome{Finished: true, Reason: ReasonCancelled}, ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		s.cancelLocked()
		return StepOutcome{Finished: true, Reason: ReasonCancelled}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	if s.nDecode >= s.budget {
		return s.finishLocked("", ReasonMaxTokens), nil
	}
	if s.nCur >= s.bctx.NCtx() {
		return s.finishLocked("", ReasonContextFull), nil
	}

	tok, err := s.chain.Sample(s.bctx.Logits(-1))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		s.failLocked(err)
		return StepOutcome{}, err
	}
	s.chain.Accept(tok)

	if s.tok.Vocab().IsEOG(tok) {
		return s.finishLocked("", ReasonEOG), nil
	}

	s.tokens = append(s.tokens, tok)
	s.nDecode++
	frag, _ := s.tok.DetokenizeIncremental(tok, &s.partial)
	s.emit(Event{Kind: EventToken, Token: tok, Fragment: frag, Tokens: s.nDecode})

	// nCur < NCtx holds here, so the decode below has a free cell.
	if s.nDecode >= s.budget {
		return s.finishLocked(frag, ReasonMaxTokens), nil
	}

	s.batch.Clear()
	s.batch.Add(tok, int32(s.nCur), seq0, true)
	s.batchTokens.Store(1)
	if err := s.bctx.Decode(s.batch); err != nil {
		err = fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		s.failLocked(err)
		return StepOutcome{Text: frag}, err
	}
	s.nCur++

	s.statusMu.Lock()
	s.stats.GeneratedTokens = s.nDecode
	s.stats.Generate = time.Since(s.genAt)
	s.statusMu.Unlock()

	if s.cancel.Load() {
		s.cancelLocked()
		return StepOutcome{Text: frag, Finished: true, Reason: ReasonCancelled}, nil
	}
	return StepOutcome{Text: frag}, nil
}

func (s *Session) finishLocked(frag string, reason StopReason) StepOutcome {
	text := frag + s.partial.Flush()

	s.statusMu.Lock()
	s.state = StateDone
	s.stats.GeneratedTokens = s.nDecode
	s.stats.Generate = time.Since(s.genAt)
	s.stats.Reason = reason
	s.statusMu.Unlock()

	s.emit(Event{Kind: EventDone, Tokens: s.nDecode, Reason: reason})
	s.nDecode = 0
	return StepOutcome{Text: text, Finished: true, Reason: reason}
}

func (s *Session) cancelLocked() {
	s.partial.Reset()

	s.statusMu.Lock()
	s.state = StateCancelled
	s.stats.GeneratedTokens = s.nDecode
	s.stats.Reason = ReasonCancelled
	s.statusMu.Unlock()

	s.emit(Event{Kind: EventCancelled, Tokens: s.nDecode, Reason: ReasonCancelled})
	s.nDecode = 0
	s.cancel.Store(false)
}

func (s *Session) failLocked(err error) {
	s.setState(StateFailed, err)
	s.log.Error().Err(err).Msg("session failed")
	s.emit(Event{Kind: EventFailed, Err: err})
}

// Cancel asks the running generation to stop. It never blocks: when a Step
// is in flight the request is observed at its end, otherwise it applies
// immediately. Calling it outside Prefilling or Generating has no effect.
func (s *Session) Cancel() {
	switch s.State() {
	case StatePrefilling, StateGenerating:
	default:
		return
	}
	s.cancel.Store(true)
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	if s.State() == StateGenerating && s.cancel.Load() {
		s.cancelLocked()
	}
}

// Release waits for any in-flight call, then clears the token history,
// partial bytes, counters and KV memory. The session is Idle afterwards.
func (s *Session) Release() {
	s.cancel.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Session) releaseLocked() {
	s.resetLocked()
	s.cancel.Store(false)
	s.statusMu.Lock()
	s.state = StateIdle
	s.err = nil
	s.statusMu.Unlock()
	s.emit(Event{Kind: EventReleased})
}

func (s *Session) resetLocked() {
	s.tokens = s.tokens[:0]
	s.partial.Reset()
	s.nCur = 0
	s.nDecode = 0
	s.budget = 0
	s.batch.Clear()
	s.batchTokens.Store(0)
	if !s.closed {
		s.bctx.MemoryClear(true)
	}
}

// Close releases the session and frees its context. A model loaded by Open
// is closed too.
func (s *Session) Close() error {
	s.cancel.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.releaseLocked()
	s.closed = true

	var errs []error
	if err := s.bctx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close context: %w", err))
	}
	if s.ownsModel {
		if err := s.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tokens returns a copy of the prompt and generated tokens so far.
func (s *Session) Tokens() ([]backend.Token, error) {
	if !s.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.mu.Unlock()
	out := make([]backend.Token, len(s.tokens))
	copy(out, s.tokens)
	return out, nil
}

func (s *Session) setState(st State, err error) {
	s.statusMu.Lock()
	s.state = st
	s.err = err
	s.statusMu.Unlock()
}

func (s *Session) emit(e Event) {
	e.SessionID = s.id
	e.State = s.State()
	s.obs.Observe(e)
}
