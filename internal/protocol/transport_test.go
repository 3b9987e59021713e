package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// syncBuffer is a goroutine-safe bytes.Buffer for capturing request lines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestSendWritesOneLine(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id, err := conn.Send(MethodToolsList, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected non-empty request id")
	}

	lines := out.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var req Request
	if err := json.Unmarshal([]byte(lines[0]), &req); err != nil {
		t.Fatalf("request line is not valid JSON: %v", err)
	}
	if req.ID != id || req.Method != MethodToolsList {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestAwaitResolvesMatchingID(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id, err := conn.Send(MethodToolsCall, CallToolParams{Name: "add"})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		conn.Feed([]byte(fmt.Sprintf(`{"id":"%s","result":{"content":[]}}`+"\n", id)))
	}()

	result, err := conn.Await(context.Background(), id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) == 0 {
		t.Error("expected non-empty result")
	}
}

func TestConcurrentCallsNeverCrossMatch(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id1, _ := conn.Send(MethodToolsCall, CallToolParams{Name: "first"})
	id2, _ := conn.Send(MethodToolsCall, CallToolParams{Name: "second"})

	// Deliver the second response before the first, split across chunks.
	go func() {
		payload := fmt.Sprintf(`{"id":"%s","result":{"tag":"two"}}`+"\n"+`{"id":"%s","result":{"tag":"one"}}`+"\n", id2, id1)
		half := len(payload) / 2
		conn.Feed([]byte(payload[:half]))
		conn.Feed([]byte(payload[half:]))
	}()

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex

	for _, id := range []string{id1, id2} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			raw, err := conn.Await(context.Background(), id, time.Second)
			if err != nil {
				t.Errorf("await %s: %v", id, err)
				return
			}
			var body struct {
				Tag string `json:"tag"`
			}
			_ = json.Unmarshal(raw, &body)
			mu.Lock()
			results[id] = body.Tag
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if results[id1] != "one" || results[id2] != "two" {
		t.Errorf("responses cross-matched: %v", results)
	}
}

func TestAwaitTimeoutAndLateResponseIgnored(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id, _ := conn.Send(MethodToolsList, map[string]any{})

	_, err := conn.Await(context.Background(), id, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// Late response must be dropped, not delivered to anyone.
	conn.Feed([]byte(fmt.Sprintf(`{"id":"%s","result":{}}`+"\n", id)))

	// A fresh call on the same conn still works.
	id2, _ := conn.Send(MethodToolsList, map[string]any{})
	go conn.Feed([]byte(fmt.Sprintf(`{"id":"%s","result":{}}`+"\n", id2)))
	if _, err := conn.Await(context.Background(), id2, time.Second); err != nil {
		t.Fatalf("fresh call after timeout failed: %v", err)
	}
}

func TestAwaitErrorResponse(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id, _ := conn.Send(MethodToolsCall, CallToolParams{Name: "bad"})
	go conn.Feed([]byte(fmt.Sprintf(`{"id":"%s","error":{"message":"invalid arguments"}}`+"\n", id)))

	_, err := conn.Await(context.Background(), id, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %T", err)
	}
	if rpcErr.Message != "invalid arguments" {
		t.Errorf("wrong message: %s", rpcErr.Message)
	}
}

func TestCloseFailsInFlightCalls(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id, _ := conn.Send(MethodToolsList, map[string]any{})

	done := make(chan error, 1)
	go func() {
		_, err := conn.Await(context.Background(), id, time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	conn.Close()

	if err := <-done; !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}

	if _, err := conn.Send(MethodToolsList, nil); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after close should fail, got %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	var out syncBuffer
	conn := NewConn(&out, testLogger())

	id, _ := conn.Send(MethodToolsList, map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := conn.Await(ctx, id, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
