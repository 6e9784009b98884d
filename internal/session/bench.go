package session

import (
	"context"
	"fmt"
	"time"

	"Mokpell/internal/inferbench"
)

// Bench runs the throughput benchmark on the session's context. The session
// must not be generating; afterwards it is Idle with an empty KV memory.
func (s *Session) Bench(ctx context.Context, p inferbench.Params) (inferbench.Result, error) {
	if !s.mu.TryLock() {
		return inferbench.Result{}, ErrAlreadyRunning
	}
	defer s.mu.Unlock()

	if s.closed {
		return inferbench.Result{}, ErrClosed
	}
	switch st := s.State(); {
	case st == StateFailed:
		return inferbench.Result{}, fmt.Errorf("%w: %w", ErrSessionFailed, s.Err())
	case !st.canInit():
		return inferbench.Result{}, ErrAlreadyRunning
	}

	s.resetLocked()
	info := inferbench.InfoOf(s.model, s.backend.Device())
	runner := inferbench.NewRunner(s.bctx, info, inferbench.WithLogger(s.log))

	start := time.Now()
	res, err := runner.Run(ctx, p)
	s.releaseLocked()
	if err != nil {
		return res, err
	}
	s.emit(Event{Kind: EventBench, Tokens: p.PP + p.TG*p.PL, Duration: time.Since(start)})
	return res, nil
}
