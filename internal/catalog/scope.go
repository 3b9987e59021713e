package catalog

import "strings"

// Scope is a tool's visibility boundary.
type Scope string

const (
	// ScopeGlobal tools are visible everywhere. Internal tools are always
	// global.
	ScopeGlobal Scope = "global"

	// ScopeChannel tools are visible only inside one channel.
	ScopeChannel Scope = "channel"

	// ScopeAgent tools are visible only to one agent.
	ScopeAgent Scope = "agent"
)

// ProviderScope derives an external tool's scope from its provider id. A
// "channelId:providerId" id yields channel scope bound to channelId; anything
// else is global.
func ProviderScope(providerID string) (Scope, string) {
	if idx := strings.Index(providerID, ":"); idx > 0 {
		return ScopeChannel, providerID[:idx]
	}
	return ScopeGlobal, ""
}

// filterScope keeps global tools, agent-scoped tools matching agentID, and
// channel-scoped tools matching channelID or any id in channelIDs.
func filterScope(snap Snapshot, agentID, channelID string, channelIDs []string) []ToolDescriptor {
	channels := make(map[string]bool, len(channelIDs)+1)
	if channelID != "" {
		channels[channelID] = true
	}
	for _, id := range channelIDs {
		channels[id] = true
	}

	var out []ToolDescriptor
	for _, desc := range snap {
		switch desc.Scope {
		case ScopeGlobal:
			out = append(out, desc)
		case ScopeChannel:
			if channels[desc.ScopeID] {
				out = append(out, desc)
			}
		case ScopeAgent:
			if agentID != "" && desc.ScopeID == agentID {
				out = append(out, desc)
			}
		}
	}
	return out
}
