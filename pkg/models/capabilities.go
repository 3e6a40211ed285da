package models

import (
	"log/slog"

	"github.com/nstogner/deskpilot/pkg/store"
)

// Capabilities lists the content kinds a provider accepts per role.
type Capabilities map[store.MessageRole][]store.ContentType

// Supports reports whether a block kind may be sent with a role.
func (c Capabilities) Supports(role store.MessageRole, t store.ContentType) bool {
	for _, allowed := range c[role] {
		if allowed == t {
			return true
		}
	}
	return false
}

// Filter drops content the provider cannot represent and logs every drop.
// Messages left empty are removed.
func (c Capabilities) Filter(provider string, msgs []AgentMessage) []AgentMessage {
	out := make([]AgentMessage, 0, len(msgs))
	for _, m := range msgs {
		kept := make([]store.Content, 0, len(m.Content))
		for _, block := range m.Content {
			if !c.Supports(m.Role, block.Type) {
				slog.Warn("Dropping unsupported content block", "provider", provider, "role", m.Role, "type", block.Type)
				continue
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, AgentMessage{Role: m.Role, Content: kept})
	}
	return out
}
