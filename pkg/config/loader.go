package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/devicebroker/pkg/config/provider"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp // ${VAR:-default}
	braced      *regexp.Regexp // ${VAR}
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
}

// expandEnvVars resolves ${VAR:-default} and ${VAR} references against
// the process environment, the same two forms the teacher's
// config/env.go supports, trimmed to what a YAML document needs.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}

func expandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		return parseExpanded(expandEnvVars(v), v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = expandEnvVarsInData(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = expandEnvVarsInData(val)
		}
		return out
	default:
		return v
	}
}

// parseExpanded reparses an expanded string back to a bool/number when
// it differs from the original, so "${PORT:-8090}" decodes to an int
// rather than staying a string mapstructure then has to coerce.
func parseExpanded(expanded, original string) any {
	if expanded == original {
		return expanded
	}
	switch strings.ToLower(expanded) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(expanded); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(expanded, 64); err == nil {
		return f
	}
	return expanded
}

// LoadDotEnv loads .env.local then .env into the process environment,
// for local development, matching the teacher's CLI bootstrap.
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// Decode turns raw YAML bytes into a Config, applying environment
// variable expansion before the mapstructure decode so defaults like
// `dsn: ${DATABASE_DSN:-.devicebroker/devicebroker.db}` resolve first.
func Decode(raw []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}
	expanded := expandEnvVarsInData(doc)

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Loader reads a Config from a provider.Provider and can watch it for
// hot-reloadable subtrees (AgentEndpoint bootstrap list, feature
// flags) the way the teacher's config.Loader watches its file.
type Loader struct {
	source provider.Provider
}

// NewLoader wraps source.
func NewLoader(source provider.Provider) *Loader {
	return &Loader{source: source}
}

// Load reads and decodes the current config.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Watch streams decoded Config snapshots on the returned channel
// whenever the underlying source changes, until ctx is canceled. A
// decode error on reload is logged by the caller (via the returned
// error channel) rather than closing the stream, so one bad edit
// doesn't kill hot-reload permanently.
func (l *Loader) Watch(ctx context.Context) (<-chan *Config, <-chan error, error) {
	changes, err := l.source.Watch(ctx)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Config, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				cfg, err := l.Load(ctx)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				select {
				case out <- cfg:
				default:
				}
			}
		}
	}()
	return out, errs, nil
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.source.Close()
}
