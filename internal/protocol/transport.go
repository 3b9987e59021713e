package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when no matching response arrives within the
// call's timeout budget.
var ErrTimeout = errors.New("protocol: timeout waiting for response")

// ErrConnClosed is returned for calls against a closed connection.
var ErrConnClosed = errors.New("protocol: connection closed")

// Conn correlates asynchronous responses to requests over one process's
// standard streams. Requests are written as single newline-terminated JSON
// lines; inbound bytes are fed through a LineParser and dispatched to the
// pending call registered under the response id. Each process gets its own
// Conn, so two processes never cross-match responses.
type Conn struct {
	w      io.Writer
	parser *LineParser
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

// NewConn creates a connection writing requests to w. The caller owns the
// read side: pipe the process's stdout into Feed or ReadFrom.
func NewConn(w io.Writer, logger *slog.Logger) *Conn {
	return &Conn{
		w:       w,
		parser:  NewLineParser(),
		logger:  logger.With("component", "protocol"),
		pending: make(map[string]chan Response),
	}
}

// Send serializes {id, method, params} as one line and writes it to the
// process's input stream, returning the generated request id. The pending
// entry is registered before the request hits the wire, so a response cannot
// arrive ahead of its listener.
func (c *Conn) Send(method string, params any) (string, error) {
	id := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConnClosed
	}
	c.pending[id] = make(chan Response, 1)
	c.mu.Unlock()

	if err := c.write(Request{ID: id, Method: method, Params: params}); err != nil {
		c.drop(id)
		return "", err
	}
	return id, nil
}

func (c *Conn) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Await blocks until the response addressed to id arrives, the timeout
// elapses, or ctx is cancelled. On timeout the pending entry is removed, so
// a late response is dropped rather than misrouted. A response delivers at
// most once per request id.
func (c *Conn) Await(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	closed := c.closed
	c.mu.Unlock()
	if !ok {
		if closed {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("protocol: no pending request %s", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.drop(id)
		return nil, fmt.Errorf("%w (id=%s after %s)", ErrTimeout, id, timeout)
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// Call is Send followed by Await for the same request id.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id, err := c.Send(method, params)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id, timeout)
}

// Feed parses a chunk of process output and resolves any pending calls whose
// response ids appear in it. Responses with no waiting caller are ignored.
func (c *Conn) Feed(chunk []byte) {
	for _, resp := range c.parser.Feed(chunk) {
		c.dispatch(resp)
	}
}

// ReadFrom pumps r through Feed until EOF or read error. Intended to run in
// its own goroutine for the lifetime of the process.
func (c *Conn) ReadFrom(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}
	}
}

func (c *Conn) dispatch(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Late or unsolicited response; drop it.
		c.logger.Debug("unmatched response ignored", "id", resp.ID)
		return
	}
	ch <- resp
}

func (c *Conn) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close fails all in-flight calls and rejects future ones.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
