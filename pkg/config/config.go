// Package config is the broker's configuration surface: a YAML document
// decoded into typed structs via mitchellh/mapstructure, the way the
// teacher's pkg/config decodes its own YAML tree, specialized down to
// what cmd/broker actually needs to wire C1-C12 together.
package config

import "time"

// ServerConfig configures the public transports (§6).
type ServerConfig struct {
	Port     int    `mapstructure:"port" yaml:"port"`
	RESTPort int    `mapstructure:"rest_port" yaml:"rest_port"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// DatabaseConfig configures the shared *sql.DB backing the Repository
// (C3) and Stream Store (C4), one dialect for both per spec.md §6's
// persistence layout.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// StreamStoreConfig tunes the Stream Store's inline/blob split and
// retention sweep.
type StreamStoreConfig struct {
	InlineThresholdBytes int           `mapstructure:"inline_threshold_bytes" yaml:"inline_threshold_bytes"`
	Retention            time.Duration `mapstructure:"retention" yaml:"retention"`
	BlobRoot             string        `mapstructure:"blob_root" yaml:"blob_root"`
}

// LLMConfig configures the OpenAI-compatible provider backing the
// Intent Router's (C9) LLM arbitration step.
type LLMConfig struct {
	Model              string        `mapstructure:"model" yaml:"model"`
	APIKey             string        `mapstructure:"api_key" yaml:"api_key"`
	Host               string        `mapstructure:"host" yaml:"host"`
	Temperature        float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens          int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CACertificate      string        `mapstructure:"ca_certificate" yaml:"ca_certificate"`
}

// RouterConfig tunes the Intent Router (C9).
type RouterConfig struct {
	MinKeywordOverlap   int     `mapstructure:"min_keyword_overlap" yaml:"min_keyword_overlap"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	PromptTokenBudget   int     `mapstructure:"prompt_token_budget" yaml:"prompt_token_budget"`
}

// ScanLoopConfig tunes the Scan Loop (C11).
type ScanLoopConfig struct {
	Period     time.Duration `mapstructure:"period" yaml:"period"`
	BatchLimit int           `mapstructure:"batch_limit" yaml:"batch_limit"`
}

// WorkerPoolConfig tunes the Worker Pool (C12).
type WorkerPoolConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	SubmitGrace time.Duration `mapstructure:"submit_grace" yaml:"submit_grace"`
}

// ManifestConfig fixes the broker's own capability-manifest identity
// (C6), the parts that don't change with the device set.
type ManifestConfig struct {
	Name              string `mapstructure:"name" yaml:"name"`
	Description       string `mapstructure:"description" yaml:"description"`
	URL               string `mapstructure:"url" yaml:"url"`
	Version           string `mapstructure:"version" yaml:"version"`
	ProviderOrg       string `mapstructure:"provider_org" yaml:"provider_org"`
	ProviderURL       string `mapstructure:"provider_url" yaml:"provider_url"`
	Streaming         bool   `mapstructure:"streaming" yaml:"streaming"`
	PushNotifications bool   `mapstructure:"push_notifications" yaml:"push_notifications"`
}

// DevicePortConfig configures the device-facing transports (C1).
type DevicePortConfig struct {
	MCPTransport  string            `mapstructure:"mcp_transport" yaml:"mcp_transport"`
	MCPURL        string            `mapstructure:"mcp_url" yaml:"mcp_url"`
	MCPCommand    string            `mapstructure:"mcp_command" yaml:"mcp_command"`
	MCPArgs       []string          `mapstructure:"mcp_args" yaml:"mcp_args"`
	MCPEnv        map[string]string `mapstructure:"mcp_env" yaml:"mcp_env"`
	GRPCDialTimeout time.Duration   `mapstructure:"grpc_dial_timeout" yaml:"grpc_dial_timeout"`
}

// DeviceBootstrap registers one device at startup, so a fleet can be
// declared in config rather than only via `device register`.
type DeviceBootstrap struct {
	DeviceID       string   `mapstructure:"device_id" yaml:"device_id"`
	Name           string   `mapstructure:"name" yaml:"name"`
	Kind           string   `mapstructure:"kind" yaml:"kind"`
	SourceRef      string   `mapstructure:"source_ref" yaml:"source_ref"`
	IntentKeywords []string `mapstructure:"intent_keywords" yaml:"intent_keywords"`
	SystemPrompt   string   `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// AgentEndpointBootstrap registers one external A2A agent at startup.
type AgentEndpointBootstrap struct {
	AgentID string `mapstructure:"agent_id" yaml:"agent_id"`
	URL     string `mapstructure:"url" yaml:"url"`
	AuthRef string `mapstructure:"auth_ref" yaml:"auth_ref"`
}

// Config is the broker's full configuration tree.
type Config struct {
	Server      ServerConfig             `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig           `mapstructure:"database" yaml:"database"`
	StreamStore StreamStoreConfig        `mapstructure:"stream_store" yaml:"stream_store"`
	LLM         LLMConfig                `mapstructure:"llm" yaml:"llm"`
	Router      RouterConfig             `mapstructure:"router" yaml:"router"`
	ScanLoop    ScanLoopConfig           `mapstructure:"scan_loop" yaml:"scan_loop"`
	WorkerPool  WorkerPoolConfig         `mapstructure:"worker_pool" yaml:"worker_pool"`
	Manifest    ManifestConfig           `mapstructure:"manifest" yaml:"manifest"`
	DevicePort  DevicePortConfig         `mapstructure:"device_port" yaml:"device_port"`
	Devices     []DeviceBootstrap        `mapstructure:"devices" yaml:"devices"`
	Agents      []AgentEndpointBootstrap `mapstructure:"agents" yaml:"agents"`
}

// Default returns a Config with every zero-config default filled in,
// the way a bare `devicebroker serve` with no --config should still
// come up and serve traffic.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8090, RESTPort: 8091, LogLevel: "info", LogFormat: "simple"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    ".devicebroker/devicebroker.db",
		},
		StreamStore: StreamStoreConfig{
			InlineThresholdBytes: 1 << 20,
			Retention:            24 * time.Hour,
			BlobRoot:             ".devicebroker/blobs",
		},
		Router: RouterConfig{
			MinKeywordOverlap:   1,
			ConfidenceThreshold: 0.5,
			PromptTokenBudget:   2000,
		},
		ScanLoop: ScanLoopConfig{Period: 30 * time.Second, BatchLimit: 200},
		WorkerPool: WorkerPoolConfig{
			Workers:     8,
			QueueSize:   256,
			SubmitGrace: 2 * time.Second,
		},
		Manifest: ManifestConfig{
			Name:              "devicebroker",
			Description:       "Device fleet broker exposing an A2A capability manifest",
			Version:           "0.1.0",
			Streaming:         true,
			PushNotifications: true,
		},
		DevicePort: DevicePortConfig{MCPTransport: "streamable-http"},
	}
}
