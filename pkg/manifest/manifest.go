// Package manifest is the C6 Capability Manifest Builder: it aggregates
// the Device Registry's current device/tool set into an a2a.AgentCard,
// one skill per device tool, rebuilt whenever the registry signals a
// change and served from a copy-on-write cache the rest of the time.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/registry"
)

// skillSchemaDocument is the envelope a device tool's input/output
// schema maps are packed into for transport on AgentSkill.Examples.
// Its own shape is reflected once into a JSON Schema meta-document
// (schemaEnvelopeSchema) that callers can use to validate what they
// unmarshal out of an example string.
type skillSchemaDocument struct {
	Input  map[string]any `json:"input,omitempty" jsonschema_description:"JSON Schema for the tool's invocation arguments"`
	Output map[string]any `json:"output,omitempty" jsonschema_description:"JSON Schema for the tool's result payload"`
}

var schemaEnvelopeSchema = jsonschema.Reflect(&skillSchemaDocument{})

// Config fixes the identity fields of the broker's own AgentCard; the
// Skills slice is the only part that changes between rebuilds.
type Config struct {
	Name               string
	Description        string
	URL                string
	Version            string
	ProviderOrg        string
	ProviderURL        string
	Streaming          bool
	PushNotifications  bool
	DefaultInputModes  []string
	DefaultOutputModes []string
}

// Builder rebuilds and caches the broker's AgentCard from the current
// DeviceRegistry snapshot.
type Builder struct {
	cfg      Config
	registry *registry.DeviceRegistry

	current atomic.Pointer[a2a.AgentCard]
}

// New constructs a Builder and performs an initial build.
func New(cfg Config, reg *registry.DeviceRegistry) *Builder {
	if len(cfg.DefaultInputModes) == 0 {
		cfg.DefaultInputModes = []string{"text/plain", "application/json"}
	}
	if len(cfg.DefaultOutputModes) == 0 {
		cfg.DefaultOutputModes = []string{"text/plain", "application/json"}
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}

	b := &Builder{cfg: cfg, registry: reg}
	b.Rebuild()
	return b
}

// Current returns the most recently built AgentCard. Safe for
// concurrent use; callers must not mutate the returned value.
func (b *Builder) Current() *a2a.AgentCard {
	return b.current.Load()
}

// Rebuild recomputes the AgentCard from the registry's current device
// list and atomically swaps it into Current. Each device's declared
// tools become one skill apiece; devices contribute no skills while
// offline, since an offline device cannot currently serve a request.
func (b *Builder) Rebuild() *a2a.AgentCard {
	devices := b.registry.List(registry.Filter{})

	var skills []a2a.AgentSkill
	for _, d := range devices {
		if d.Liveness == registry.LivenessOffline {
			continue
		}
		for _, t := range d.Tools {
			skills = append(skills, b.buildSkill(d, t))
		}
	}

	card := &a2a.AgentCard{
		Name:               b.cfg.Name,
		Description:        b.cfg.Description,
		URL:                b.cfg.URL,
		Version:            b.cfg.Version,
		ProtocolVersion:    "0.3.0",
		DefaultInputModes:  b.cfg.DefaultInputModes,
		DefaultOutputModes: b.cfg.DefaultOutputModes,
		Skills:             skills,
		Capabilities: a2a.AgentCapabilities{
			Streaming:         b.cfg.Streaming,
			PushNotifications: b.cfg.PushNotifications,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Provider: &a2a.AgentProvider{
			Org: b.cfg.ProviderOrg,
			URL: b.cfg.ProviderURL,
		},
	}

	b.current.Store(card)
	logger.GetLogger().Info("manifest rebuilt", "skills", len(skills), "devices", len(devices))
	return card
}

// buildSkill turns one device tool into an AgentSkill. The tool's
// input/output JSON Schemas are not representable on AgentSkill
// directly (the A2A spec's skill object carries no schema field), so
// they are rendered via invopop/jsonschema into the skill's Examples
// as a single JSON document the Intent Router and external callers
// can parse back out — the same "schema travels as structured text"
// approach the teacher's pkg/tool package uses for MCP tool schemas.
func (b *Builder) buildSkill(d *registry.Device, t registry.Tool) a2a.AgentSkill {
	skill := a2a.AgentSkill{
		ID:          skillID(d.DeviceID, t.ToolID),
		Name:        t.ToolID,
		Description: fmt.Sprintf("%s (device: %s)", t.ToolID, d.Name),
		Tags:        d.IntentKeywords,
	}

	if schemaDoc := renderSchemaExample(t.InputSchema, t.OutputSchema); schemaDoc != "" {
		skill.Examples = []string{schemaDoc}
	}
	return skill
}

func skillID(deviceID, toolID string) string {
	return deviceID + ":" + toolID
}

// renderSchemaExample packs a tool's input/output schema maps into a
// skillSchemaDocument and marshals it, or returns "" if both schemas
// are empty. The document's shape is the one schemaEnvelopeSchema
// describes.
func renderSchemaExample(input, output map[string]any) string {
	if len(input) == 0 && len(output) == 0 {
		return ""
	}
	data, err := json.Marshal(skillSchemaDocument{Input: input, Output: output})
	if err != nil {
		return ""
	}
	return string(data)
}

// SchemaEnvelopeSchema exposes the reflected meta-schema for
// skillSchemaDocument so the A2A Request Handler can publish it
// alongside the AgentCard for clients that want to validate examples.
func SchemaEnvelopeSchema() *jsonschema.Schema {
	return schemaEnvelopeSchema
}

// Watch runs until ctx is done, rebuilding the manifest each time the
// registry's rebuild signal fires.
func (b *Builder) Watch(ctx context.Context) {
	signal := b.registry.RebuildSignal()
	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
			b.Rebuild()
		}
	}
}
