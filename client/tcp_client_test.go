package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "Mokpell/internal/backend/ngram"
	"Mokpell/internal/session"
	"Mokpell/server"
)

func startServer(t *testing.T, load bool) string {
	t.Helper()
	model := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(model, []byte("<|im_start|>assistant\nhé✓ ok<|im_end|>"), 0o644))

	engine := server.NewEngine(server.EngineOptions{DefaultBackend: "ngram"})
	t.Cleanup(engine.Close)
	if load {
		temp := float32(0)
		_, err := engine.InitContext(server.ContextRequest{Model: model, NCtx: 128, NBatch: 16, MaxTokens: 32, Temperature: &temp})
		require.NoError(t, err)
	}
	srv := server.NewTCPServer(engine, "127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv.Addr()
}

func TestComplete(t *testing.T) {
	c := NewTCPClient(startServer(t, true))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	var frags []string
	res, err := c.Complete(context.Background(), []session.Message{{Role: "user", Content: "Hi"}}, func(f string) {
		frags = append(frags, f)
	})
	require.NoError(t, err)
	assert.Equal(t, "hé✓ ok", res.Text)
	assert.Equal(t, session.ReasonEOG, res.Reason)
	assert.Equal(t, 9, res.GeneratedTokens)
	assert.NotEmpty(t, frags)

	res, err = c.Complete(context.Background(), []session.Message{{Role: "user", Content: "Hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hé✓ ok", res.Text)
}

func TestRemoteError(t *testing.T) {
	c := NewTCPClient(startServer(t, false))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err := c.Complete(context.Background(), []session.Message{{Role: "user", Content: "Hi"}}, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, server.KindNotLoaded, re.Kind)
	assert.Contains(t, re.Error(), "no context loaded")
}

func TestNotConnected(t *testing.T) {
	c := NewTCPClient("127.0.0.1:1")
	_, err := c.Complete(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
