package hooks

import "github.com/lazypower/persona/internal/strategy"

// HookInput is the JSON a chat host sends on stdin. Different events use
// different fields.
type HookInput struct {
	OwnerID string `json:"owner_id"`

	// start
	Query  string `json:"query,omitempty"`
	Budget int    `json:"budget,omitempty"`

	// submit: either the full recent turns or just the latest prompt.
	Turns  []strategy.Turn `json:"turns,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
}

// turns returns the conversation to ingest, with Prompt appended as the
// latest user turn.
func (h *HookInput) turns() []strategy.Turn {
	out := append([]strategy.Turn(nil), h.Turns...)
	if h.Prompt != "" {
		out = append(out, strategy.Turn{Role: "user", Text: h.Prompt})
	}
	return out
}
