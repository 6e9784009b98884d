package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/session"
)

func startTCP(t *testing.T, f *fixture) *TCPServer {
	t.Helper()
	srv := NewTCPServer(f.engine, "127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

type protoLine struct{ prefix, body string }

func readProto(t *testing.T, r *bufio.Reader) protoLine {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	prefix, enc, _ := strings.Cut(strings.TrimRight(line, "\n"), " ")
	body, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	return protoLine{prefix, string(body)}
}

func TestTCPPlainTextCompletion(t *testing.T) {
	f := newFixture(t, nil)
	f.load(nil)
	srv := startTCP(t, f)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	for round := 0; round < 2; round++ {
		_, err = conn.Write([]byte("Hi\n"))
		require.NoError(t, err)
		assert.Equal(t, LineAck, readProto(t, r).prefix)

		var tokens strings.Builder
		var last protoLine
		for {
			last = readProto(t, r)
			if last.prefix != LineToken {
				break
			}
			tokens.WriteString(last.body)
		}
		require.Equal(t, LineResp, last.prefix, last.body)
		var res Completion
		require.NoError(t, json.Unmarshal([]byte(last.body), &res))
		assert.Equal(t, "hé✓ ok", res.Text)
		assert.Equal(t, "hé✓ ok", tokens.String())
		assert.Equal(t, session.ReasonEOG, res.Reason)
		assert.Equal(t, 22, res.PromptTokens)
	}
}

func TestTCPErrors(t *testing.T) {
	f := newFixture(t, nil)
	srv := startTCP(t, f)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("{\"messages\":[]}\n"))
	require.NoError(t, err)
	l := readProto(t, r)
	assert.Equal(t, LineErr, l.prefix)
	assert.True(t, strings.HasPrefix(l.body, KindInvalidRequest+": "), l.body)

	_, err = conn.Write([]byte("Hi\n"))
	require.NoError(t, err)
	assert.Equal(t, LineAck, readProto(t, r).prefix)
	l = readProto(t, r)
	assert.Equal(t, LineErr, l.prefix)
	assert.True(t, strings.HasPrefix(l.body, KindNotLoaded+": "), l.body)
}

func TestParseRequestLine(t *testing.T) {
	req, err := parseRequestLine("hello there")
	require.NoError(t, err)
	assert.Equal(t, []session.Message{{Role: "user", Content: "hello there"}}, req.Messages)

	req, err = parseRequestLine(`{"messages":[{"role":"system","content":"s"},{"role":"user","content":"u"}]}`)
	require.NoError(t, err)
	assert.Len(t, req.Messages, 2)

	_, err = parseRequestLine("{nope")
	assert.Error(t, err)
}

func TestTCPStopIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	srv := NewTCPServer(f.engine, "127.0.0.1", 0, zerolog.Nop())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())
	require.NoError(t, srv.Stop(context.Background()))
	assert.Empty(t, srv.Addr())
	require.NoError(t, srv.Stop(context.Background()))
}
