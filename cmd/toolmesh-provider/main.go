// Command toolmesh-provider is a reference tool provider speaking the
// newline-delimited stdio protocol. It is useful for local testing:
//
//	{"provider": {"command": "toolmesh-provider"}}
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var toolList = []toolInfo{
	{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
	},
	{
		Name:        "echo",
		Description: "Returns the given text unchanged",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
	},
	{
		Name:        "sleep",
		Description: "Sleeps for the given number of milliseconds (testing timeouts)",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ms": map[string]any{"type": "number"},
			},
			"required": []any{"ms"},
		},
	},
}

func main() {
	crashAfter := flag.Duration("crash-after", 0, "exit abnormally after this duration (testing restarts)")
	flag.Parse()

	// Diagnostics go to stderr; stdout carries only protocol lines.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("provider started", "pid", os.Getpid())

	if *crashAfter > 0 {
		go func() {
			time.Sleep(*crashAfter)
			logger.Error("simulated crash")
			os.Exit(1)
		}()
	}

	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("skipping malformed line", "error", err)
			continue
		}
		if err := enc.Encode(handle(&req)); err != nil {
			logger.Error("write response", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("stdin closed, exiting")
}

func handle(req *request) *response {
	switch req.Method {
	case "initialize":
		return &response{ID: req.ID, Result: map[string]any{
			"protocolVersion": "2025-03-26",
			"serverInfo":      map[string]any{"name": "toolmesh-provider", "version": "0.1.0"},
		}}

	case "tools/list":
		return &response{ID: req.ID, Result: map[string]any{"tools": toolList}}

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, -32602, "bad params: "+err.Error())
		}
		return callTool(req.ID, &params)
	}
	return errResponse(req.ID, -32601, "method not found: "+req.Method)
}

func callTool(id string, params *callParams) *response {
	switch params.Name {
	case "add":
		a, aok := toFloat(params.Arguments["a"])
		b, bok := toFloat(params.Arguments["b"])
		if !aok || !bok {
			return errResponse(id, -32602, "add requires numeric a and b")
		}
		return textResponse(id, strconv.FormatFloat(a+b, 'f', -1, 64))

	case "echo":
		text, ok := params.Arguments["text"].(string)
		if !ok {
			return errResponse(id, -32602, "missing required field: text")
		}
		return textResponse(id, text)

	case "sleep":
		ms, ok := toFloat(params.Arguments["ms"])
		if !ok {
			return errResponse(id, -32602, "sleep requires numeric ms")
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return textResponse(id, fmt.Sprintf("slept %dms", int64(ms)))
	}
	return errResponse(id, -32602, "unknown tool: "+params.Name)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func textResponse(id, text string) *response {
	return &response{ID: id, Result: map[string]any{
		"content": []contentItem{{Type: "text", Text: text}},
	}}
}

func errResponse(id string, code int, message string) *response {
	return &response{ID: id, Error: &rpcError{Code: code, Message: message}}
}
