package session

import (
	"errors"
	"fmt"

	"Mokpell/internal/backend"
	"Mokpell/internal/tokenizer"
)

var (
	ErrInit            = errors.New("session: init failed")
	ErrAlreadyRunning  = errors.New("session: already running")
	ErrContextOverflow = errors.New("session: context overflow")
	ErrDecodeFailed    = errors.New("session: decode failed")
	ErrCancelled       = errors.New("session: cancelled")
	ErrNotGenerating   = errors.New("session: not generating")
	ErrSessionFailed   = errors.New("session: failed, release required")
	ErrTemplate        = errors.New("session: chat template failed")
	ErrEmptyPrompt     = errors.New("session: prompt produced no tokens")
	ErrClosed          = errors.New("session: closed")
)

// InitError reports a model or context that could not be created.
type InitError struct {
	Op   string
	Path string
	Err  error
}

func (e *InitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("session: %s %q: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *InitError) Unwrap() []error { return []error{ErrInit, e.Err} }

// OverflowError reports a prompt plus generation budget larger than the
// context.
type OverflowError struct {
	PromptTokens int
	MaxTokens    int
	NCtx         int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("session: context overflow: %d prompt + %d generated tokens exceed n_ctx %d",
		e.PromptTokens, e.MaxTokens, e.NCtx)
}

func (e *OverflowError) Unwrap() error { return ErrContextOverflow }

// Error kinds reported to collaborators.
const (
	KindInit            = "init_error"
	KindAlreadyRunning  = "already_running"
	KindContextOverflow = "context_overflow"
	KindDecodeFailed    = "decode_failed"
	KindTokenize        = "tokenize_error"
	KindCancelled       = "cancelled"
	KindNotGenerating   = "not_generating"
	KindSessionFailed   = "session_failed"
	KindTemplate        = "template_error"
	KindEmptyPrompt     = "empty_prompt"
	KindClosed          = "closed"
	KindUnavailable     = "dependency_unavailable"
	KindInternal        = "internal"
)

// Kind maps err to a machine-readable kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case backend.IsDependencyUnavailable(err):
		return KindUnavailable
	case errors.Is(err, ErrInit):
		return KindInit
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	case errors.Is(err, ErrContextOverflow):
		return KindContextOverflow
	case errors.Is(err, ErrSessionFailed):
		return KindSessionFailed
	case errors.Is(err, ErrDecodeFailed):
		return KindDecodeFailed
	case errors.Is(err, tokenizer.ErrTokenize):
		return KindTokenize
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrNotGenerating):
		return KindNotGenerating
	case errors.Is(err, ErrTemplate):
		return KindTemplate
	case errors.Is(err, ErrEmptyPrompt):
		return KindEmptyPrompt
	case errors.Is(err, ErrClosed):
		return KindClosed
	default:
		return KindInternal
	}
}
