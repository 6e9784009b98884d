package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"Mokpell/internal/session"
)

// Line protocol prefixes. Every payload after the prefix is base64 so
// fragments may carry newlines.
const (
	LineAck   = "ACK"
	LineToken = "TOKN"
	LineResp  = "RESP"
	LineErr   = "ERR"
)

const maxLineBytes = 1 << 20

// TCPServer exposes Engine.Complete over a newline-delimited protocol.
// A request line is either a JSON CompletionRequest or plain text taken as
// a single user message. The server answers ACK, then one TOKN line per
// fragment, then RESP carrying the JSON Completion or ERR carrying
// "kind: message".
type TCPServer struct {
	engine *Engine
	host   string
	port   int
	log    zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPServer creates a TCP server for engine. Port 0 picks a free port.
func NewTCPServer(engine *Engine, host string, port int, log zerolog.Logger) *TCPServer {
	return &TCPServer{engine: engine, host: host, port: port, log: log}
}

// Start begins accepting connections.
func (s *TCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server: tcp already running")
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.conns = make(map[net.Conn]struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.log.Info().Str("addr", ln.Addr().String()).Msg("tcp server starting")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error().Err(err).Msg("tcp accept")
			}
			return
		}
		s.mu.Lock()
		if s.ln != ln {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	s.log.Debug().Str("remote", remote).Msg("tcp connection opened")

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.serveLine(w, line); err != nil {
			s.log.Debug().Err(err).Str("remote", remote).Msg("tcp write failed")
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn().Err(err).Str("remote", remote).Msg("tcp read")
	}
	s.log.Debug().Str("remote", remote).Msg("tcp connection closed")
}

// serveLine answers one request. Only write errors are returned.
func (s *TCPServer) serveLine(w *bufio.Writer, line string) error {
	req, err := parseRequestLine(line)
	if err != nil {
		return writeLine(w, LineErr, KindInvalidRequest+": "+err.Error())
	}
	if err := writeLine(w, LineAck, ""); err != nil {
		return err
	}

	res, err := s.engine.Complete(s.ctx, req.Messages, func(fragment, _ string) error {
		return writeLine(w, LineToken, fragment)
	})
	if err != nil {
		body := errorBody(err)
		return writeLine(w, LineErr, body.Kind+": "+body.Message)
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return writeLine(w, LineErr, session.KindInternal+": "+err.Error())
	}
	return writeLine(w, LineResp, string(payload))
}

// parseRequestLine accepts a JSON CompletionRequest or plain text.
func parseRequestLine(line string) (CompletionRequest, error) {
	var req CompletionRequest
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return req, fmt.Errorf("invalid request: %w", err)
		}
		if len(req.Messages) == 0 {
			return req, errors.New("messages are required")
		}
		return req, nil
	}
	req.Messages = []session.Message{{Role: "user", Content: line}}
	return req, nil
}

func writeLine(w *bufio.Writer, prefix, payload string) error {
	line := prefix
	if prefix != LineAck {
		line += " " + base64.StdEncoding.EncodeToString([]byte(payload))
	}
	if _, err := w.WriteString(line + "\n"); err != nil {
		return err
	}
	return w.Flush()
}

// Addr returns the bound address, or "" when not running.
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener, cancels any running completion and waits for
// open connections to finish or ctx to expire.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	err := s.ln.Close()
	s.cancel()
	for c := range s.conns {
		_ = c.Close()
	}
	s.ln = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("tcp server stop: %w", ctx.Err())
	}
	s.log.Info().Msg("tcp server stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
