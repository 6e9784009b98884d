// Package client talks to the Mokpell TCP line protocol.
package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"Mokpell/internal/session"
	"Mokpell/server"
)

const dialTimeout = 5 * time.Second

// RemoteError is an ERR line from the server.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// TCPClient holds one connection to a TCP server. It is not safe for
// concurrent use.
type TCPClient struct {
	Addr string

	conn net.Conn
	r    *bufio.Reader
}

// NewTCPClient creates a client for addr (host:port).
func NewTCPClient(addr string) *TCPClient {
	return &TCPClient{Addr: addr}
}

// Connect dials the server.
func (c *TCPClient) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return err
	}
	c.conn, c.r = conn, bufio.NewReader(conn)
	return nil
}

// Close closes the connection.
func (c *TCPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r = nil, nil
	return err
}

// Complete sends msgs and waits for the final completion, passing every
// streamed fragment to onToken. Cancelling ctx closes the connection.
func (c *TCPClient) Complete(ctx context.Context, msgs []session.Message, onToken func(string)) (server.Completion, error) {
	if c.conn == nil {
		return server.Completion{}, net.ErrClosed
	}
	payload, err := json.Marshal(server.CompletionRequest{Messages: msgs})
	if err != nil {
		return server.Completion{}, err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return server.Completion{}, ctxErr(ctx, err)
	}
	for {
		prefix, body, err := c.readLine()
		if err != nil {
			return server.Completion{}, ctxErr(ctx, err)
		}
		switch prefix {
		case server.LineAck:
		case server.LineToken:
			if onToken != nil {
				onToken(body)
			}
		case server.LineResp:
			var res server.Completion
			if err := json.Unmarshal([]byte(body), &res); err != nil {
				return server.Completion{}, fmt.Errorf("client: decode response: %w", err)
			}
			return res, nil
		case server.LineErr:
			kind, msg, _ := strings.Cut(body, ": ")
			return server.Completion{}, &RemoteError{Kind: kind, Message: msg}
		default:
			return server.Completion{}, fmt.Errorf("client: unexpected line %q", prefix)
		}
	}
}

// readLine reads one protocol line and decodes its payload.
func (c *TCPClient) readLine() (prefix, body string, err error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	line = strings.TrimRight(line, "\r\n")
	prefix, encoded, found := strings.Cut(line, " ")
	if !found {
		return prefix, "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("client: decode payload: %w", err)
	}
	return prefix, string(decoded), nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}
