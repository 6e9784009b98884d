package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/backend"
	"Mokpell/internal/backend/ngram"
	"Mokpell/internal/batch"
	"Mokpell/internal/inferbench"
)

// After "<|im_start|>assistant\n" greedy decoding of this corpus yields
// "hé✓ ok" one byte per token, then <|im_end|>.
const testCorpus = "<|im_start|>assistant\nhé✓ ok<|im_end|>"

const wantReply = "hé✓ ok"

// BOS + "<|im_start|>user\nHi<|im_end|>\n<|im_start|>assistant\n"
const promptTokens = 22

var hi = []Message{{Role: "user", Content: "Hi"}}

type testBackend struct {
	ngram.Backend
	wrap func(backend.Context) backend.Context
}

func (b testBackend) NewContext(m backend.Model, p backend.ContextParams) (backend.Context, error) {
	c, err := b.Backend.NewContext(m, p)
	if err != nil {
		return nil, err
	}
	if b.wrap != nil {
		return b.wrap(c), nil
	}
	return c, nil
}

// failAfter lets n decodes through and fails every later one.
type failAfter struct {
	backend.Context
	n     int
	calls int
}

func (f *failAfter) Decode(b *batch.Batch) error {
	f.calls++
	if f.calls > f.n {
		return &backend.DecodeError{Code: backend.DecodeAborted, Reason: "injected"}
	}
	return f.Context.Decode(b)
}

// blockingContext parks Decode until released while block is set.
type blockingContext struct {
	backend.Context
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingContext) Decode(x *batch.Batch) error {
	if b.block.Load() {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.Context.Decode(x)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NCtx = 128
	cfg.NBatch = 16
	cfg.MaxTokens = 32
	cfg.Sampling.Temperature = 0
	return cfg
}

func newSession(t *testing.T, cfg Config, wrap func(backend.Context) backend.Context, opts ...Option) *Session {
	t.Helper()
	m, err := ngram.NewModel(ngram.Card{Name: "test", Corpus: testCorpus})
	require.NoError(t, err)
	s, err := New(testBackend{wrap: wrap}, m, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func generate(t *testing.T, s *Session) (string, []StepOutcome) {
	t.Helper()
	var sb strings.Builder
	var outs []StepOutcome
	for i := 0; i < 256; i++ {
		out, err := s.Step(context.Background())
		require.NoError(t, err)
		outs = append(outs, out)
		sb.WriteString(out.Text)
		if out.Finished {
			return sb.String(), outs
		}
	}
	t.Fatal("generation did not finish")
	return "", nil
}

func TestFullGeneration(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	require.NoError(t, s.Init(context.Background(), hi))
	assert.Equal(t, StateGenerating, s.State())
	assert.Equal(t, promptTokens-16, s.TokenCountInCurrentBatch(), "last prefill chunk")

	text, outs := generate(t, s)
	assert.Equal(t, wantReply, text)
	assert.Equal(t, ReasonEOG, outs[len(outs)-1].Reason)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, 1, s.TokenCountInCurrentBatch())

	toks, err := s.Tokens()
	require.NoError(t, err)
	assert.Equal(t, text, s.Detokenize(toks[promptTokens:]), "fragments match one-shot decode")

	st := s.Stats()
	assert.Equal(t, promptTokens, st.PromptTokens)
	assert.Equal(t, len(wantReply), st.GeneratedTokens)
	assert.Equal(t, ReasonEOG, st.Reason)
}

func TestStopAtMaxTokens(t *testing.T) {
	tests := []struct {
		name      string
		maxTokens int
		want      string
		lastText  string
	}{
		{"single token finishes on first step", 1, "h", "h"},
		{"partial bytes flushed into final fragment", 2, "h�", "�"},
		{"three tokens", 3, "hé", "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxTokens = tt.maxTokens
			s := newSession(t, cfg, nil)
			require.NoError(t, s.Init(context.Background(), hi))

			text, outs := generate(t, s)
			assert.Len(t, outs, tt.maxTokens)
			assert.Equal(t, tt.want, text)
			last := outs[len(outs)-1]
			assert.True(t, last.Finished)
			assert.Equal(t, ReasonMaxTokens, last.Reason)
			assert.Equal(t, tt.lastText, last.Text)
			assert.Equal(t, tt.maxTokens, s.Stats().GeneratedTokens)
		})
	}
}

func TestDoubleInitRejected(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	require.NoError(t, s.Init(context.Background(), hi))
	_, err := s.Step(context.Background())
	require.NoError(t, err)
	before, err := s.Tokens()
	require.NoError(t, err)

	err = s.Init(context.Background(), []Message{{Role: "user", Content: "other"}})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, KindAlreadyRunning, Kind(err))
	assert.Equal(t, StateGenerating, s.State())

	after, err := s.Tokens()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCancelIsIdempotent(t *testing.T) {
	obs := NewMemoryObserver()
	s := newSession(t, testConfig(), nil, WithObserver(obs))
	require.NoError(t, s.Init(context.Background(), hi))
	_, err := s.Step(context.Background())
	require.NoError(t, err)
	_, err = s.Step(context.Background())
	require.NoError(t, err)

	s.Cancel()
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, 2, s.Stats().GeneratedTokens)

	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	cancelled := 0
	for _, k := range obs.Kinds() {
		if k == EventCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)

	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
}

func TestCancelOutsideGenerationIsNoop(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	s.Cancel()
	assert.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Init(context.Background(), hi))
	text, _ := generate(t, s)
	assert.Equal(t, wantReply, text)
}

func TestStepContextCancelled(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	require.NoError(t, s.Init(context.Background(), hi))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.Step(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.Equal(t, StateCancelled, s.State())
}

func TestReleaseThenInitStartsClean(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	require.NoError(t, s.Init(context.Background(), hi))
	for i := 0; i < 2; i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}

	s.Release()
	assert.Equal(t, StateIdle, s.State())
	toks, err := s.Tokens()
	require.NoError(t, err)
	assert.Empty(t, toks)

	require.NoError(t, s.Init(context.Background(), hi))
	toks, err = s.Tokens()
	require.NoError(t, err)
	assert.Len(t, toks, promptTokens)

	text, _ := generate(t, s)
	assert.Equal(t, wantReply, text, "no partial bytes leak from the previous run")
}

func TestStepWhenIdle(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	_, err := s.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotGenerating)
}

func TestContextOverflow(t *testing.T) {
	t.Run("fail policy", func(t *testing.T) {
		cfg := testConfig()
		cfg.NCtx = 24
		s := newSession(t, cfg, nil)

		err := s.Init(context.Background(), hi)
		var oe *OverflowError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, promptTokens, oe.PromptTokens)
		assert.Equal(t, KindContextOverflow, Kind(err))
		assert.Equal(t, StateFailed, s.State())

		err = s.Init(context.Background(), hi)
		assert.ErrorIs(t, err, ErrSessionFailed)
		assert.ErrorIs(t, err, ErrContextOverflow)

		s.Release()
		assert.Equal(t, StateIdle, s.State())
	})

	t.Run("clamp policy", func(t *testing.T) {
		cfg := testConfig()
		cfg.NCtx = promptTokens + 4
		cfg.Overflow = OverflowClamp
		s := newSession(t, cfg, nil)

		require.NoError(t, s.Init(context.Background(), hi))
		assert.Equal(t, 4, s.Stats().Budget)
		text, outs := generate(t, s)
		assert.Len(t, outs, 4)
		assert.Equal(t, "hé�", text)
	})

	t.Run("clamp cannot fit prompt", func(t *testing.T) {
		cfg := testConfig()
		cfg.NCtx = promptTokens
		cfg.Overflow = OverflowClamp
		s := newSession(t, cfg, nil)
		assert.ErrorIs(t, s.Init(context.Background(), hi), ErrContextOverflow)
	})
}

func TestDecodeFailureFailsSession(t *testing.T) {
	obs := NewMemoryObserver()
	s := newSession(t, testConfig(), func(c backend.Context) backend.Context {
		return &failAfter{Context: c, n: 3}
	}, WithObserver(obs))
	require.NoError(t, s.Init(context.Background(), hi))

	out, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h", out.Text)

	_, err = s.Step(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodeFailed)
	assert.True(t, backend.IsDecodeError(err))
	assert.Equal(t, KindDecodeFailed, Kind(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Contains(t, obs.Kinds(), EventFailed)

	_, err = s.Step(context.Background())
	assert.Equal(t, KindSessionFailed, Kind(err))
	assert.ErrorIs(t, s.Init(context.Background(), hi), ErrSessionFailed)

	s.Release()
	assert.Equal(t, StateIdle, s.State())
}

func TestPrefillFailure(t *testing.T) {
	s := newSession(t, testConfig(), func(c backend.Context) backend.Context {
		return &failAfter{Context: c, n: 1}
	})
	err := s.Init(context.Background(), hi)
	assert.ErrorIs(t, err, ErrDecodeFailed)
	assert.Equal(t, StateFailed, s.State())
}

func TestReentrancyGuard(t *testing.T) {
	var bc *blockingContext
	s := newSession(t, testConfig(), func(c backend.Context) backend.Context {
		bc = &blockingContext{Context: c, entered: make(chan struct{}), release: make(chan struct{})}
		return bc
	})
	require.NoError(t, s.Init(context.Background(), hi))

	bc.block.Store(true)
	type result struct {
		out StepOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.Step(context.Background())
		done <- result{out, err}
	}()
	<-bc.entered

	assert.ErrorIs(t, s.Init(context.Background(), hi), ErrAlreadyRunning)
	_, err := s.Step(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = s.Bench(context.Background(), inferbench.Params{PP: 4, TG: 2, PL: 1, NR: 1})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancelled := make(chan struct{})
	go func() {
		s.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked on an in-flight step")
	}

	bc.block.Store(false)
	close(bc.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "h", res.out.Text)
	assert.True(t, res.out.Finished)
	assert.Equal(t, ReasonCancelled, res.out.Reason)
	assert.Equal(t, StateCancelled, s.State())

	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestUnsupportedTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.ChatTemplate = "{% bogus %}"
	s := newSession(t, cfg, nil)

	err := s.Init(context.Background(), hi)
	assert.ErrorIs(t, err, ErrTemplate)
	assert.Equal(t, KindTemplate, Kind(err))
	assert.Equal(t, StateIdle, s.State())

	assert.ErrorIs(t, s.Init(context.Background(), nil), ErrEmptyPrompt)
}

func TestObserverEvents(t *testing.T) {
	obs := NewMemoryObserver()
	s := newSession(t, testConfig(), nil, WithObserver(obs), WithID("sess-1"))
	require.NoError(t, s.Init(context.Background(), hi))
	generate(t, s)

	kinds := obs.Kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, EventInit, kinds[0])
	assert.Equal(t, EventPrefill, kinds[1])
	assert.Equal(t, EventDone, kinds[len(kinds)-1])

	var frags strings.Builder
	for _, e := range obs.Events() {
		assert.Equal(t, "sess-1", e.SessionID)
		if e.Kind == EventToken {
			frags.WriteString(e.Fragment)
		}
	}
	assert.Equal(t, wantReply, frags.String())
}

func TestSessionBench(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	res, err := s.Bench(context.Background(), inferbench.Params{PP: 16, TG: 8, PL: 1, NR: 1})
	require.NoError(t, err)
	assert.Zero(t, res.PP.Std)
	assert.Zero(t, res.TG.Std)
	assert.Positive(t, res.PP.Mean)
	assert.Positive(t, res.TG.Mean)
	assert.Equal(t, "CPU", res.Model.Device)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Init(context.Background(), hi))
	text, _ := generate(t, s)
	assert.Equal(t, wantReply, text)
}

func TestTokenizerAccess(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	toks, err := s.Tokenize("héllo", false)
	require.NoError(t, err)
	assert.Equal(t, "héllo", s.Detokenize(toks))
	assert.Equal(t, "test bigram 260V", s.ModelDescription())
}

func TestOpenAndInitErrors(t *testing.T) {
	_, err := Open(ngram.New(), "/does/not/exist.yaml", backend.DefaultModelOptions(), testConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInit))
	assert.Equal(t, KindInit, Kind(err))
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "/does/not/exist.yaml", ie.Path)

	m, err := ngram.NewModel(ngram.Card{Corpus: testCorpus})
	require.NoError(t, err)
	cfg := testConfig()
	cfg.MaxTokens = 0
	_, err = New(ngram.New(), m, cfg)
	assert.ErrorIs(t, err, ErrInit)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Init(context.Background(), hi), ErrClosed)
}

// onDecode runs hook before the n-th decode (1-based).
type onDecode struct {
	backend.Context
	n     int
	calls int
	hook  func()
}

func (o *onDecode) Decode(b *batch.Batch) error {
	o.calls++
	if o.calls == o.n && o.hook != nil {
		o.hook()
	}
	return o.Context.Decode(b)
}

func TestCancelDuringPrefill(t *testing.T) {
	var s *Session
	var dec *onDecode
	s = newSession(t, testConfig(), func(c backend.Context) backend.Context {
		dec = &onDecode{Context: c, n: 1, hook: func() { s.Cancel() }}
		return dec
	})
	require.Greater(t, promptTokens, 16, "prompt must span two chunks")

	err := s.Init(context.Background(), hi)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, dec.calls, "second chunk not decoded")
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, KindCancelled, Kind(err))

	_, err = s.Step(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	dec.hook = nil
	require.NoError(t, s.Init(context.Background(), hi))
	text, _ := generate(t, s)
	assert.Equal(t, wantReply, text)
}

func TestContextDoneDuringPrefill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSession(t, testConfig(), func(c backend.Context) backend.Context {
		return &onDecode{Context: c, n: 1, hook: cancel}
	})
	err := s.Init(ctx, hi)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, s.State())
}

func TestClampedBudgetFillsContextWithoutExtraDecode(t *testing.T) {
	cfg := testConfig()
	cfg.NCtx = promptTokens + 2
	cfg.Overflow = OverflowClamp
	var dec *onDecode
	s := newSession(t, cfg, func(c backend.Context) backend.Context {
		dec = &onDecode{Context: c}
		return dec
	})
	require.NoError(t, s.Init(context.Background(), hi))
	prefill := dec.calls

	text, outs := generate(t, s)
	assert.Equal(t, "h�", text)
	assert.Len(t, outs, 2)
	assert.Equal(t, ReasonMaxTokens, outs[len(outs)-1].Reason)
	assert.Equal(t, prefill+1, dec.calls, "only the first generated token is decoded")
	assert.Equal(t, StateDone, s.State())
}

func TestNewRejectsNonPositiveSeqMax(t *testing.T) {
	m, err := ngram.NewModel(ngram.Card{Corpus: testCorpus})
	require.NoError(t, err)
	for _, n := range []int{0, -1} {
		cfg := testConfig()
		cfg.NSeqMax = n
		_, err = New(ngram.New(), m, cfg)
		require.ErrorIs(t, err, ErrInit)
		assert.Contains(t, err.Error(), "n_seq_max")
	}
}
