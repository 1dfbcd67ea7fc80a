// Package llmport is the C2 LLM Port: a narrow abstraction the Intent
// Router uses to ask a language model for a routing decision when the
// keyword fast path does not produce a confident match. It intentionally
// exposes a single structured-decision call rather than the teacher's
// full conversational/tool-calling surface — routing is a one-shot
// classification, not a multi-turn agent loop.
package llmport

// Message is one turn of context handed to the model ahead of a routing
// decision. Role follows the usual chat convention: "system", "user".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Candidate describes one routable target (a device or an external
// agent) the model may choose between.
type Candidate struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"` // "device" | "agent"
	Description string   `json:"description"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Decision is the structured routing verdict returned by a provider,
// matching spec.md §4.5's `{action, target?, arguments?, confidence,
// rationale}` answer shape. Confidence is expected in [0, 1]; a Router
// compares it against its configured threshold before trusting anything
// but a "local" action.
type Decision struct {
	Action     string         `json:"action"` // "local" | "device" | "delegate" | "reject"
	Target     string         `json:"target,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale,omitempty"`
}

// StructuredOutputConfig mirrors the JSON-schema-constrained decoding
// knob most chat-completion APIs now expose, kept provider-agnostic so
// callers don't need to know which wire format a given provider uses.
type StructuredOutputConfig struct {
	Schema map[string]any
}
