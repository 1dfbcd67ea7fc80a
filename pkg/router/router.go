// Package router is the C9 Intent Router: a pure decision function over
// (Message|StreamEntry, RegistrySnapshot, AgentEndpoints) -> Decision, per
// spec.md §4.5. It does no I/O of its own beyond the optional LLM call;
// dispatching the Decision (invoking a device tool, forwarding to an
// external agent) is someone else's job (pkg/a2aserver's Dispatcher).
package router

import (
	"context"
	"sort"
	"strings"

	"github.com/kadirpekel/devicebroker/pkg/llmport"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/repository"
)

// Action is the kind of Decision the router reached.
type Action string

const (
	ActionLocal    Action = "local"
	ActionDevice   Action = "device"
	ActionDelegate Action = "delegate"
	ActionReject   Action = "reject"
)

// Decision is the router's verdict, mirroring spec.md §4.5's four
// outcomes in one struct rather than a sum type, the way llmport.Decision
// already mirrors the LLM's flat JSON answer.
type Decision struct {
	Action Action

	// Local
	Reply string

	// Device
	DeviceID  string
	ToolID    string
	Arguments map[string]any

	// Delegate
	AgentID          string
	ForwardedRequest string

	// Reject
	Reason string

	Confidence float64
	Rationale  string
}

// Input is what the router decides over: either an inbound A2A message
// or a device stream observation, per spec.md §4.5's two input shapes.
type Input struct {
	Text string

	// SourceDeviceID is set when Text originates from a device's stream
	// (spec.md §4.7's Scan Loop), empty for an inbound A2A message.
	SourceDeviceID string

	// SystemPrompt is the originating device's declared system prompt,
	// included in the LLM turn only when SourceDeviceID is set, per
	// spec.md §4.5 step 2.
	SystemPrompt string
}

// Config wires a Router's dependencies.
type Config struct {
	Devices *registry.DeviceRegistry
	Agents  AgentLister
	LLM     llmport.Provider

	// MinKeywordOverlap is K: the minimum intent-keyword overlap for the
	// keyword fast path to fire. Default 1.
	MinKeywordOverlap int

	// ConfidenceThreshold is θ: decisions below this are downgraded to
	// Local unless action is already local. Default 0.5.
	ConfidenceThreshold float64

	// PromptTokenBudget caps the constructed LLM prompt. Default 2000.
	PromptTokenBudget int

	// Model names the tiktoken encoding to budget against; falls back
	// to cl100k_base when unrecognized (see budget.go).
	Model string
}

// AgentLister is the narrow slice of Repository the router needs: the
// live AgentEndpoint table. Kept as its own interface so Router doesn't
// depend on all of repository.Repository.
type AgentLister interface {
	ListAgentEndpoints(ctx context.Context) ([]*repository.AgentEndpoint, error)
}

// Router implements C9.
type Router struct {
	devices   *registry.DeviceRegistry
	agents    AgentLister
	llm       llmport.Provider
	minK      int
	threshold float64
	budget    *tokenBudgeter
}

// New constructs a Router from cfg, applying spec.md §4.5's defaults
// (K=1, θ=0.5, 2000-token prompt budget).
func New(cfg Config) *Router {
	minK := cfg.MinKeywordOverlap
	if minK <= 0 {
		minK = 1
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	tokenBudget := cfg.PromptTokenBudget
	if tokenBudget <= 0 {
		tokenBudget = 2000
	}
	return &Router{
		devices:   cfg.Devices,
		agents:    cfg.Agents,
		llm:       cfg.LLM,
		minK:      minK,
		threshold: threshold,
		budget:    newTokenBudgeter(cfg.Model, tokenBudget),
	}
}

// Decide runs spec.md §4.5's algorithm: keyword fast path first, then an
// LLM-assisted decision, then the confidence-threshold downgrade, then
// tie-break ordering. It is pure with respect to in given a fixed LLM
// response — the only I/O is the optional llm.Decide call.
func (r *Router) Decide(ctx context.Context, in Input) (Decision, error) {
	keywords := extractKeywords(in.Text)

	if d, ok := r.keywordFastPath(keywords); ok {
		return d, nil
	}

	if r.llm == nil {
		return Decision{Action: ActionLocal, Reply: clarificationRequest, Rationale: "no LLM configured and no unambiguous keyword match"}, nil
	}

	agents, err := r.agents.ListAgentEndpoints(ctx)
	if err != nil {
		agents = nil
	}

	candidates := r.buildCandidates(keywords, agents)
	messages := r.buildPrompt(in)
	messages, candidates = r.budget.fit(messages, candidates)

	decision, err := r.llm.Decide(ctx, messages, candidates, nil)
	if err != nil {
		return Decision{}, err
	}

	return r.resolve(decision, agents), nil
}

// clarificationRequest is the reply text attached to a confidence-
// downgrade Local decision, per spec.md §4.5 step 3.
const clarificationRequest = "I'm not confident enough to act on that — could you clarify what you'd like me to do?"

// keywordFastPath implements spec.md §4.5 step 1: a device tool pick
// with no LLM call at all, when exactly one online device's intent
// keywords overlap the message by at least K.
func (r *Router) keywordFastPath(keywords []string) (Decision, bool) {
	if len(keywords) == 0 || r.devices == nil {
		return Decision{}, false
	}

	matches := r.devices.MatchByIntent(keywords, "")
	var online []*registry.Device
	for _, d := range matches {
		if d.Liveness == registry.LivenessOnline && keywordOverlap(keywords, d.IntentKeywords) >= r.minK {
			online = append(online, d)
		}
	}
	if len(online) != 1 {
		return Decision{}, false
	}

	d := online[0]
	overlap := keywordOverlap(keywords, d.IntentKeywords)
	if overlap < r.minK {
		return Decision{}, false
	}

	tool, ok := bestToolBySchema(d.Tools, nil)
	if !ok {
		return Decision{}, false
	}

	return Decision{
		Action:     ActionDevice,
		DeviceID:   d.DeviceID,
		ToolID:     tool.ToolID,
		Arguments:  map[string]any{},
		Confidence: 1,
		Rationale:  "keyword fast path: unambiguous single-device match",
	}, true
}

// buildCandidates lists every online device and enabled agent as an
// llmport.Candidate, for the model to choose among.
func (r *Router) buildCandidates(keywords []string, agents []*repository.AgentEndpoint) []llmport.Candidate {
	var candidates []llmport.Candidate

	if r.devices != nil {
		for _, d := range r.devices.List(registry.Filter{Liveness: registry.LivenessOnline}) {
			candidates = append(candidates, llmport.Candidate{
				ID:          d.DeviceID,
				Kind:        "device",
				Description: d.Name,
				Keywords:    d.IntentKeywords,
			})
		}
	}

	for _, a := range agents {
		if !a.Enabled {
			continue
		}
		candidates = append(candidates, llmport.Candidate{
			ID:          a.AgentID,
			Kind:        "agent",
			Description: a.URL,
			Keywords:    a.CapabilityTags,
		})
	}

	return candidates
}

// buildPrompt assembles the LLM turns per spec.md §4.5 step 2: message
// text plus (for stream-sourced input) the originating device's system
// prompt. Device skills and external agents travel as Candidates, not
// prompt text; budget.go's fit trims both together.
func (r *Router) buildPrompt(in Input) []llmport.Message {
	var messages []llmport.Message

	system := "You are the intent router for a device/agent broker. Choose local, device, delegate, or reject."
	if in.SourceDeviceID != "" && in.SystemPrompt != "" {
		system += "\n" + in.SystemPrompt
	}
	messages = append(messages, llmport.Message{Role: "system", Content: system})
	messages = append(messages, llmport.Message{Role: "user", Content: in.Text})
	return messages
}

// resolve converts the LLM's flat Decision into a router Decision,
// applying the confidence-threshold downgrade (step 3) and the
// device/agent tie-break (step 4).
func (r *Router) resolve(d llmport.Decision, agents []*repository.AgentEndpoint) Decision {
	action := Action(strings.ToLower(d.Action))

	if d.Confidence < r.threshold && action != ActionLocal {
		return Decision{
			Action:     ActionLocal,
			Reply:      clarificationRequest,
			Confidence: d.Confidence,
			Rationale:  "confidence below threshold: " + d.Rationale,
		}
	}

	switch action {
	case ActionLocal:
		// The wire Decision has no dedicated reply field; for a local
		// answer the model's rationale doubles as the reply text.
		return Decision{Action: ActionLocal, Reply: d.Rationale, Confidence: d.Confidence, Rationale: d.Rationale}

	case ActionDevice:
		dev, ok := r.devices.Get(d.Target)
		if !ok {
			return Decision{Action: ActionReject, Reason: "device not found: " + d.Target, Confidence: d.Confidence}
		}
		tool, ok := bestToolBySchema(dev.Tools, d.Arguments)
		if !ok {
			return Decision{Action: ActionReject, Reason: "no compatible tool on device: " + d.Target, Confidence: d.Confidence}
		}
		return Decision{
			Action:     ActionDevice,
			DeviceID:   dev.DeviceID,
			ToolID:     tool.ToolID,
			Arguments:  d.Arguments,
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
		}

	case ActionDelegate:
		agent, ok := resolveAgent(d.Target, agents)
		if !ok {
			return Decision{Action: ActionReject, Reason: "agent not found: " + d.Target, Confidence: d.Confidence}
		}
		return Decision{
			Action:     ActionDelegate,
			AgentID:    agent.AgentID,
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
		}

	default:
		return Decision{Action: ActionReject, Reason: d.Rationale, Confidence: d.Confidence}
	}
}

// resolveAgent looks target up among agents, falling back to tie-break
// ordering (capability-tag specificity, then last-success recency) if
// target is empty or ambiguous — spec.md §4.5 step 4's agent half.
func resolveAgent(target string, agents []*repository.AgentEndpoint) (*repository.AgentEndpoint, bool) {
	for _, a := range agents {
		if a.AgentID == target && a.Enabled {
			return a, true
		}
	}
	if target != "" {
		return nil, false
	}

	var enabled []*repository.AgentEndpoint
	for _, a := range agents {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}
	if len(enabled) == 0 {
		return nil, false
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		a, b := enabled[i], enabled[j]
		if len(a.CapabilityTags) != len(b.CapabilityTags) {
			return len(a.CapabilityTags) > len(b.CapabilityTags)
		}
		return a.LastSuccessAt.After(b.LastSuccessAt)
	})
	return enabled[0], true
}
