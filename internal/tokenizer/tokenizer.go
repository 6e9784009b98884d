// Package tokenizer converts between text and token ids on top of a backend
// vocabulary, including incremental detokenization that never splits a UTF-8
// sequence across fragments.
package tokenizer

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"Mokpell/internal/backend"
)

// DefaultMaxInputBytes bounds a single Tokenize call.
const DefaultMaxInputBytes = 1 << 20

// pieceProbe is the first-pass buffer size for TokenToBytes. Almost every
// piece fits; longer ones take a second, exactly sized call.
const pieceProbe = 8

// ErrTokenize is matched by every tokenization failure.
var ErrTokenize = errors.New("tokenize failed")

// TokenizeError carries the reason a text could not be tokenized.
type TokenizeError struct {
	Reason string
	Bytes  int
}

func (e *TokenizeError) Error() string {
	return fmt.Sprintf("tokenize failed for %d-byte input: %s", e.Bytes, e.Reason)
}

func (e *TokenizeError) Unwrap() error { return ErrTokenize }

// Adapter wraps a vocabulary with sizing-safe helpers.
type Adapter struct {
	vocab    backend.Vocab
	special  bool
	maxBytes int
	log      zerolog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithSpecial controls whether special token text is parsed on input and
// rendered on output. Enabled by default.
func WithSpecial(on bool) Option {
	return func(a *Adapter) { a.special = on }
}

// WithMaxInputBytes overrides DefaultMaxInputBytes.
func WithMaxInputBytes(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxBytes = n
		}
	}
}

// WithLogger attaches a logger for rejected inputs.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New builds an adapter over v.
func New(v backend.Vocab, opts ...Option) *Adapter {
	a := &Adapter{
		vocab:    v,
		special:  true,
		maxBytes: DefaultMaxInputBytes,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Vocab exposes the wrapped vocabulary.
func (a *Adapter) Vocab() backend.Vocab { return a.vocab }

// Tokenize converts text into token ids, prepending BOS when addBOS is set.
// The first call is sized for one token per byte; if the vocabulary reports a
// larger requirement the buffer is regrown once to the exact size.
func (a *Adapter) Tokenize(text string, addBOS bool) ([]backend.Token, error) {
	if len(text) > a.maxBytes {
		return nil, a.reject(text, fmt.Sprintf("input exceeds %d bytes", a.maxBytes))
	}

	size := len(text) + 1
	if addBOS {
		size++
	}
	buf := make([]backend.Token, size)
	n := a.vocab.Tokenize(text, buf, addBOS, a.special)
	if n < 0 && n != math.MinInt32 {
		buf = make([]backend.Token, -n)
		n = a.vocab.Tokenize(text, buf, addBOS, a.special)
	}
	switch {
	case n == math.MinInt32:
		return nil, a.reject(text, "rejected by vocabulary")
	case n < 0:
		return nil, a.reject(text, fmt.Sprintf("vocabulary still needs %d tokens after resize", -n))
	}
	return buf[:n], nil
}

func (a *Adapter) reject(text, reason string) error {
	a.log.Debug().Int("bytes", len(text)).Str("reason", reason).Msg("tokenize rejected")
	return &TokenizeError{Reason: reason, Bytes: len(text)}
}

// TokenToBytes returns the raw bytes of one token. The result may be an
// incomplete UTF-8 sequence.
func (a *Adapter) TokenToBytes(tok backend.Token) []byte {
	buf := make([]byte, pieceProbe)
	n := a.vocab.TokenToPiece(tok, buf, 0, a.special)
	if n < 0 {
		buf = make([]byte, -n)
		n = a.vocab.TokenToPiece(tok, buf, 0, a.special)
	}
	if n <= 0 {
		return nil
	}
	return buf[:n]
}

// Detokenize converts a whole token list at once. Invalid UTF-8 is replaced
// with U+FFFD.
func (a *Adapter) Detokenize(tokens []backend.Token) string {
	var buf []byte
	for _, tok := range tokens {
		buf = append(buf, a.TokenToBytes(tok)...)
	}
	return repair(buf)
}

// DetokenizeIncremental appends tok to the pending bytes in p and returns
// the longest prefix that can be emitted. ok is false when nothing can be
// emitted yet.
func (a *Adapter) DetokenizeIncremental(tok backend.Token, p *PartialUTF8) (string, bool) {
	return p.Push(a.TokenToBytes(tok))
}
