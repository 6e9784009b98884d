package server

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/inferbench"
	"Mokpell/internal/session"
)

func TestCompleteHoldsEngineUntilReleased(t *testing.T) {
	f := newFixture(t, nil)
	f.load(nil)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		first := true
		_, err := f.engine.Complete(context.Background(), hiMessages(), func(string, string) error {
			if first {
				first = false
				close(entered)
				<-proceed
			}
			return nil
		})
		done <- err
	}()
	<-entered

	_, err := f.engine.Complete(context.Background(), hiMessages(), nil)
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)
	_, err = f.engine.Bench(context.Background(), inferbench.Params{PP: 4, TG: 2, PL: 1, NR: 1})
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)

	close(proceed)
	require.NoError(t, <-done)

	res, err := f.engine.Complete(context.Background(), hiMessages(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hé✓ ok", res.Text)
}

func TestConcurrentCompletions(t *testing.T) {
	f := newFixture(t, nil)
	f.load(nil)

	const workers = 8
	const rounds = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	texts := make(chan string, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				res, err := f.engine.Complete(context.Background(), hiMessages(), nil)
				if err != nil {
					errs <- err
					continue
				}
				texts <- res.Text
			}
		}()
	}
	wg.Wait()
	close(errs)
	close(texts)

	for err := range errs {
		assert.ErrorIs(t, err, session.ErrAlreadyRunning)
		assert.Equal(t, session.KindAlreadyRunning, errorKind(err))
	}
	n := 0
	for text := range texts {
		assert.Equal(t, "hé✓ ok", text)
		n++
	}
	assert.Positive(t, n)
	assert.Equal(t, "idle", f.engine.Info().State)
}

func hiMessages() []session.Message {
	return []session.Message{{Role: "user", Content: "Hi"}}
}
