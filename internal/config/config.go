// Package config loads the user and system configuration documents and
// assembles them into an immutable routing table via Assembler.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelEntry accepts either a bare model name string or an object carrying
// a per-model maxTokens override, matching §6's `models:[string|{name,maxTokens}]`.
type ModelEntry struct {
	Name      string
	MaxTokens int
}

func (m *ModelEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&m.Name)
	}
	var obj struct {
		Name      string `yaml:"name"`
		MaxTokens int    `yaml:"maxTokens"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	m.Name = obj.Name
	m.MaxTokens = obj.MaxTokens
	return nil
}

// StringOrSlice accepts either a single string or a list of strings,
// matching §6's `api_key (string|[string])`.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ServerCompatibilitySpec is a provider's `serverCompatibility` block.
type ServerCompatibilitySpec struct {
	Use     string         `yaml:"use"`
	Options map[string]any `yaml:"options"`
}

// ProviderSpecDoc is one entry of the user config's `providers` list.
type ProviderSpecDoc struct {
	Name                string                  `yaml:"name"`
	APIBaseURL          string                  `yaml:"api_base_url"`
	APIKey              StringOrSlice           `yaml:"api_key"`
	Models              []ModelEntry            `yaml:"models"`
	Weight              int                     `yaml:"weight"`
	MaxTokens           int                     `yaml:"maxTokens"`
	MaxConcurrent       int                     `yaml:"max_concurrent"`
	RequestsPerSecond   float64                 `yaml:"requests_per_second"`
	ServerCompatibility ServerCompatibilitySpec `yaml:"serverCompatibility"`
	ProtocolTag         string                  `yaml:"protocol_tag"`
	TransformerTag      string                  `yaml:"transformer_tag"`
}

// ServerDoc is the user config's `server` block.
type ServerDoc struct {
	Port  int    `yaml:"port"`
	Host  string `yaml:"host"`
	Debug bool   `yaml:"debug"`
}

// BlacklistSettingsDoc is the user config's `blacklistSettings` block
// (seconds); zero means "use the §4.3 defaults" (60s / 300s).
type BlacklistSettingsDoc struct {
	Timeout429   int `yaml:"timeout429"`
	TimeoutError int `yaml:"timeoutError"`
}

// UserConfig is the top-level document consumed by the assembler (§6).
type UserConfig struct {
	Providers         []ProviderSpecDoc    `yaml:"providers"`
	Router            map[string]string    `yaml:"router"`
	Server            ServerDoc            `yaml:"server"`
	BlacklistSettings BlacklistSettingsDoc `yaml:"blacklistSettings"`
}

// ProviderTypeTemplate is one `systemConfig.providerTypes[tag]` entry.
type ProviderTypeTemplate struct {
	Endpoint            string `yaml:"endpoint"`
	Protocol            string `yaml:"protocol"`
	Timeout             int    `yaml:"timeout"` // milliseconds
	MaxRetries          int    `yaml:"maxRetries"`
	Transformer         string `yaml:"transformer"`
	ServerCompatibility string `yaml:"serverCompatibility"`
}

// SystemConfig supplies tag -> template bindings (§6).
type SystemConfig struct {
	ProviderTypes map[string]ProviderTypeTemplate `yaml:"providerTypes"`
}

// LoadUserConfig reads and env-expands a YAML user config file.
func LoadUserConfig(path string) (*UserConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))
	var cfg UserConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse user config: %w", err)
	}
	return &cfg, nil
}

// LoadSystemConfig reads and env-expands a YAML system config file.
func LoadSystemConfig(path string) (*SystemConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read system config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))
	var cfg SystemConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse system config: %w", err)
	}
	return &cfg, nil
}

// DefaultSystemConfig returns the built-in provider-type templates used when
// no system config file is supplied, covering the minimum compat tag set
// required by §4.6.
func DefaultSystemConfig() *SystemConfig {
	mk := func(endpoint, protocol, transformer, compat string) ProviderTypeTemplate {
		return ProviderTypeTemplate{
			Endpoint:            endpoint,
			Protocol:            protocol,
			Timeout:             60000,
			MaxRetries:          2,
			Transformer:         transformer,
			ServerCompatibility: compat,
		}
	}
	return &SystemConfig{ProviderTypes: map[string]ProviderTypeTemplate{
		"openai":     mk("/chat/completions", "openai", "openai", "openai"),
		"anthropic":  mk("/v1/messages", "anthropic", "anthropic", "anthropic"),
		"lmstudio":   mk("/chat/completions", "openai", "openai", "lmstudio"),
		"ollama":     mk("/api/chat", "openai", "openai", "ollama"),
		"vllm":       mk("/chat/completions", "openai", "openai", "vllm"),
		"qwen":       mk("/chat/completions", "openai", "openai", "qwen"),
		"iflow":      mk("/chat/completions", "openai", "openai", "iflow"),
		"gemini":     mk("/v1beta/models", "gemini", "openai", "gemini"),
		"modelscope": mk("/chat/completions", "openai", "openai", "modelscope"),
		"generic":    mk("/chat/completions", "openai", "openai", "generic"),
		"bedrock":    mk("", "bedrock", "anthropic", "bedrock"),
	}}
}
