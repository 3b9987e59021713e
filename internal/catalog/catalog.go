// Package catalog merges internally-defined tools with the tools discovered
// on external provider processes into one scoped, queryable listing, and
// routes execution calls to the right backend.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clawinfra/toolmesh/internal/events"
	"github.com/clawinfra/toolmesh/internal/protocol"
	"github.com/clawinfra/toolmesh/internal/types"
)

// ErrToolNotFound means no catalog entry exists under the requested name.
// Execution fails with it before any process call is attempted.
var ErrToolNotFound = errors.New("tool not found in catalog")

// SourceInternal marks descriptors backed by the in-process registry. Every
// other source value is a provider id.
const SourceInternal = "internal"

// ExternalSource is the supervisor-facing surface the catalog consumes.
type ExternalSource interface {
	DiscoveredTools() map[string][]protocol.ToolInfo
	ExecuteTool(ctx context.Context, providerID, toolName string, input map[string]any, agentID, channelID string) (*protocol.CallToolResult, error)
}

// InternalSource is the in-process tool registry the catalog consumes.
type InternalSource interface {
	Specs() []types.ToolSpec
	Execute(ctx context.Context, name string, input map[string]any) (*types.ToolOutput, error)
}

// ToolDescriptor is one catalog entry. Name is unique within a snapshot.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Source      string         `json:"source"`
	Category    string         `json:"category,omitempty"`
	Scope       Scope          `json:"scope"`
	ScopeID     string         `json:"scopeId,omitempty"`
}

// Snapshot is an immutable, name-sorted listing published on every
// recomputation. Two recomputations over unchanged inputs are identical.
type Snapshot []ToolDescriptor

// Find returns the descriptor under name.
func (s Snapshot) Find(name string) (ToolDescriptor, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Name >= name })
	if i < len(s) && s[i].Name == name {
		return s[i], true
	}
	return ToolDescriptor{}, false
}

// Catalog is the hybrid tool catalog. The merged snapshot is recomputed,
// never patched in place, whenever either source changes.
type Catalog struct {
	logger   *slog.Logger
	internal InternalSource
	external ExternalSource

	mu       sync.RWMutex
	snapshot Snapshot

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	watchStop func()
}

// New creates a catalog over the two sources and computes the initial
// snapshot.
func New(internal InternalSource, external ExternalSource, logger *slog.Logger) *Catalog {
	c := &Catalog{
		logger:   logger.With("component", "catalog"),
		internal: internal,
		external: external,
		subs:     make(map[int]chan Snapshot),
	}
	c.Refresh()
	return c
}

// Refresh recomputes the merged snapshot from the current state of both
// sources and publishes it to subscribers.
func (c *Catalog) Refresh() Snapshot {
	snap := c.merge()

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			c.logger.Warn("catalog subscriber full, dropping snapshot")
		}
	}
	c.subMu.Unlock()

	return snap
}

// merge is a pure function of the two source listings. Internal tools take
// precedence on a name collision; the colliding external tool is skipped.
func (c *Catalog) merge() Snapshot {
	var snap Snapshot
	seen := make(map[string]bool)

	if c.internal != nil {
		for _, spec := range c.internal.Specs() {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true
			snap = append(snap, ToolDescriptor{
				Name:        spec.Name,
				Description: spec.Description,
				InputSchema: spec.InputSchema,
				Source:      SourceInternal,
				Category:    spec.Category,
				Scope:       ScopeGlobal,
			})
		}
	}

	if c.external != nil {
		discovered := c.external.DiscoveredTools()
		providers := make([]string, 0, len(discovered))
		for id := range discovered {
			providers = append(providers, id)
		}
		sort.Strings(providers)

		for _, providerID := range providers {
			scope, scopeID := ProviderScope(providerID)
			for _, tool := range discovered[providerID] {
				if seen[tool.Name] {
					c.logger.Warn("skipping external tool shadowed by existing entry",
						"tool", tool.Name, "provider", providerID)
					continue
				}
				seen[tool.Name] = true
				snap = append(snap, ToolDescriptor{
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: tool.InputSchema,
					Source:      providerID,
					Category:    "external",
					Scope:       scope,
					ScopeID:     scopeID,
				})
			}
		}
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].Name < snap[j].Name })
	return snap
}

// Snapshot returns the current merged listing.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// FindTool returns the descriptor under name from the current snapshot.
func (c *Catalog) FindTool(name string) (ToolDescriptor, bool) {
	return c.Snapshot().Find(name)
}

// ToolsForChannel returns global tools plus channel-scoped tools whose scope
// id matches channelID.
func (c *Catalog) ToolsForChannel(channelID string) []ToolDescriptor {
	return filterScope(c.Snapshot(), "", channelID, nil)
}

// ToolsForAgent returns global tools, agent-scoped tools for agentID, and
// channel-scoped tools for any of the agent's channels.
func (c *Catalog) ToolsForAgent(agentID string, channelIDs []string) []ToolDescriptor {
	return filterScope(c.Snapshot(), agentID, "", channelIDs)
}

// Subscribe returns a channel receiving every published snapshot and a
// cancel function releasing the subscription.
func (c *Catalog) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, buffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Watch refreshes the catalog on every provider lifecycle or discovery
// event. It returns a stop function.
func (c *Catalog) Watch(bus *events.Bus) func() {
	ch, cancel := bus.Subscribe(64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for evt := range ch {
			switch evt.Type {
			case events.TypeToolsDiscovered,
				events.TypeProviderStarted,
				events.TypeProviderStopped,
				events.TypeProviderError:
				c.Refresh()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// ExecuteTool resolves the tool's source and routes the call: internal tools
// run in process, external tools go through the supervisor. The external
// result shape is translated into the platform's uniform output.
func (c *Catalog) ExecuteTool(ctx context.Context, name string, input map[string]any, agentID, channelID string) (*types.ToolOutput, error) {
	desc, ok := c.FindTool(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	start := time.Now()
	if desc.Source == SourceInternal {
		out, err := c.internal.Execute(ctx, name, input)
		if err != nil {
			return nil, err
		}
		out.ElapsedMs = time.Since(start).Milliseconds()
		return out, nil
	}

	result, err := c.external.ExecuteTool(ctx, desc.Source, name, input, agentID, channelID)
	if err != nil {
		return nil, err
	}
	return translateResult(result, time.Since(start)), nil
}

// translateResult converts ordered protocol content blocks into the
// platform's uniform output: consecutive text blocks collapse into one,
// images pass through.
func translateResult(result *protocol.CallToolResult, elapsed time.Duration) *types.ToolOutput {
	out := &types.ToolOutput{ElapsedMs: elapsed.Milliseconds()}

	var texts []string
	for _, item := range result.Content {
		switch item.Type {
		case "text":
			texts = append(texts, item.Text)
		case "image":
			out.Content = append(out.Content, types.ImageBlock(item.MimeType, item.Data))
		}
	}
	if len(texts) > 0 {
		joined := texts[0]
		for _, t := range texts[1:] {
			joined += "\n" + t
		}
		// Text leads regardless of interleaving order.
		out.Content = append([]types.ContentBlock{types.TextBlock(joined)}, out.Content...)
	}
	return out
}
