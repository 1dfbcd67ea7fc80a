package llmport

import (
	"context"

	"github.com/kadirpekel/devicebroker/pkg/registry"
)

// Provider is the interface any LLM backend must satisfy to back the
// Intent Router's model-assisted decision. Decide is the only call on
// the hot path; GetModelName/Close exist for diagnostics and lifecycle.
type Provider interface {
	// Decide asks the model to pick one candidate for the given
	// conversation turns, constrained by cfg when non-nil.
	Decide(ctx context.Context, messages []Message, candidates []Candidate, cfg *StructuredOutputConfig) (Decision, error)

	GetModelName() string
	Close() error
}

// Registry holds named Provider instances, exactly the way the teacher
// keeps one LLMRegistry per process wrapping its generic BaseRegistry.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}
