package subcommands

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/backend"
	_ "Mokpell/internal/backend/ngram"
	"Mokpell/internal/config"
	"Mokpell/internal/session"
	"Mokpell/server"
)

const testCorpus = "<|im_start|>assistant\nhé✓ ok<|im_end|>"

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "corpus.txt")
	require.NoError(t, os.WriteFile(model, []byte(testCorpus), 0o644))

	cfg := config.Default()
	cfg.Runtime.Backend = "ngram"
	cfg.Runtime.ModelPath = model
	cfg.Session.NCtx = 128
	cfg.Session.NBatch = 16
	cfg.Session.MaxTokens = 32
	zero := float32(0)
	cfg.Sampling.Temperature = &zero
	cfg.Bench.PP, cfg.Bench.TG, cfg.Bench.PL, cfg.Bench.NR = 16, 8, 1, 1
	cfg.Logging.Level = "error"
	cfg.History.Path = filepath.Join(dir, "bench.db")

	var out bytes.Buffer
	app := &App{Registry: backend.DefaultRegistry, In: strings.NewReader(""), Out: &out, Err: &out}
	require.NoError(t, app.Setup(cfg, false))
	return app, &out
}

func TestGenerateAndConversation(t *testing.T) {
	app, _ := newTestApp(t)
	s, err := app.OpenSession()
	require.NoError(t, err)
	defer app.CloseSession(s)

	var frags []string
	reply, err := Generate(context.Background(), s, []session.Message{{Role: "user", Content: "Hi"}}, func(f string) error {
		frags = append(frags, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hé✓ ok", reply.Text)
	assert.Equal(t, "hé✓ ok", strings.Join(frags, ""))
	assert.Equal(t, session.ReasonEOG, reply.Reason)
	assert.Equal(t, 9, reply.Stats.GeneratedTokens)
	assert.Equal(t, session.StateIdle, s.State())

	// A callback error cancels and leaves the session reusable.
	_, err = Generate(context.Background(), s, []session.Message{{Role: "user", Content: "Hi"}}, func(string) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, session.StateIdle, s.State())

	assert.Len(t, app.Conversation([]session.Message{{Role: "user", Content: "x"}}), 1)
	app.Cfg.Session.SystemMessage = "be brief"
	msgs := app.Conversation([]session.Message{{Role: "user", Content: "x"}})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
}

func TestOpenSessionRequiresModel(t *testing.T) {
	app, _ := newTestApp(t)
	app.Cfg.Runtime.ModelPath = ""
	_, err := app.OpenSession()
	assert.ErrorContains(t, err, "no model configured")
}

func TestServe(t *testing.T) {
	app, out := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan [2]string, 1)
	done := make(chan error, 1)
	go func() {
		done <- RunServe(ctx, app, ServeOptions{Host: "127.0.0.1", Port: 0, TCPPort: 0, OnReady: func(h, t string) { ready <- [2]string{h, t} }})
	}()

	var addr, tcpAddr string
	select {
	case addrs := <-ready:
		addr, tcpAddr = addrs[0], addrs[1]
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/v1/info")
	require.NoError(t, err)
	var info server.InfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.True(t, info.Loaded)
	assert.Equal(t, "ngram", info.Backend)

	body := strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`)
	resp, err = http.Post("http://"+addr+"/v1/completion", "application/json", body)
	require.NoError(t, err)
	var c server.Completion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	resp.Body.Close()
	assert.Equal(t, "hé✓ ok", c.Text)

	out.Reset()
	require.NoError(t, RunRemote(ctx, app, RemoteOptions{Addr: tcpAddr, Message: "Hi", ShowStats: true}))
	assert.Contains(t, out.String(), "hé✓ ok\n")
	assert.Contains(t, out.String(), "gen=9 reason=eog")

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	var metrics bytes.Buffer
	_, _ = metrics.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, metrics.String(), "mokpell_session_generated_tokens_total 18")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, out.String(), "shutting down")
}

func TestParseTokens(t *testing.T) {
	toks, err := parseTokens([]string{"1,2", "3", " 4 "})
	require.NoError(t, err)
	assert.Equal(t, []backend.Token{1, 2, 3, 4}, toks)

	_, err = parseTokens([]string{"1,b"})
	assert.ErrorContains(t, err, `"b"`)

	assert.Equal(t, "1 2 3", joinTokens([]backend.Token{1, 2, 3}))
}

func TestTuiModel(t *testing.T) {
	app, _ := newTestApp(t)
	s, err := app.OpenSession()
	require.NoError(t, err)
	defer app.CloseSession(s)

	m := newTuiModel(context.Background(), app, s)
	assert.Contains(t, m.View(), "Initializing")

	_, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	assert.True(t, m.ready)
	assert.Contains(t, m.View(), "Mokpell")

	m.suggest("/c")
	assert.True(t, m.showSuggestions)
	assert.Equal(t, []string{"/config", "/clear"}, m.suggestions)
	m.suggest("/attach x")
	assert.False(t, m.showSuggestions)

	handled, cmd := m.handleLocalCommand("/help")
	assert.True(t, handled)
	assert.Nil(t, cmd)
	require.Len(t, m.lines, 1)
	assert.Equal(t, roleSystem, m.lines[0].role)

	handled, _ = m.handleLocalCommand("/attach " + filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, handled)
	assert.Contains(t, m.lines[len(m.lines)-1].text, "Error")

	note := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(note, []byte("hello"), 0o644))
	m.handleLocalCommand("/attach " + note)
	assert.Len(t, m.docs, 1)

	handled, _ = m.handleLocalCommand("hello there")
	assert.False(t, handled)

	_, cmd = m.handleLocalCommand("/exit")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	// Simulate a finished reply without running the program loop.
	m.lines = append(m.lines, chatLine{role: roleUser, text: "Hi"}, chatLine{role: roleBot})
	m.loading = true
	_, _ = m.Update(streamToken{text: "hé"})
	assert.Equal(t, "hé", m.lines[len(m.lines)-1].text)
	msgs := []session.Message{{Role: "user", Content: "Hi"}}
	_, _ = m.Update(replyDone{reply: Reply{Text: "hé✓ ok", Reason: session.ReasonEOG}, msgs: msgs})
	assert.False(t, m.loading)
	assert.Equal(t, "hé✓ ok", m.lines[len(m.lines)-1].text)
	require.Len(t, m.history, 2)
	assert.Equal(t, "assistant", m.history[1].Role)

	handled, _ = m.handleLocalCommand("/clear")
	assert.True(t, handled)
	assert.Empty(t, m.lines)
	assert.Empty(t, m.history)
}

func TestSpinnerStops(t *testing.T) {
	var buf bytes.Buffer
	sp := startSpinner(&buf, "Thinking")
	time.Sleep(20 * time.Millisecond)
	sp.stop()
	assert.Contains(t, buf.String(), "Thinking...")
	assert.True(t, strings.HasSuffix(buf.String(), "\r\033[K"))
}
