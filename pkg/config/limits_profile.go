package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitsProfile refines the built-in execution limits and outbound
// networking policy from a YAML file. Missing fields keep their defaults.
type LimitsProfile struct {
	Name string `yaml:"name"`

	Execution struct {
		WebhookTimeoutMs int `yaml:"webhook_timeout_ms"`
		CodeTimeoutMs    int `yaml:"code_timeout_ms"`
		MaxSnippets      int `yaml:"max_snippets"`
		MaxSecrets       int `yaml:"max_secrets"`
	} `yaml:"execution"`

	Networking struct {
		// DeniedHosts extends the built-in outbound hostname denylist.
		DeniedHosts []string `yaml:"denied_hosts"`
	} `yaml:"networking"`
}

// LoadLimitsProfile reads and parses a limits profile YAML file.
func LoadLimitsProfile(path string) (*LimitsProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load limits profile: %w", err)
	}

	var p LimitsProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse limits profile: %w", err)
	}
	return &p, nil
}

// Apply folds the profile into cfg. Zero values in the profile leave the
// corresponding config field untouched.
func (p *LimitsProfile) Apply(cfg *Config) {
	if p.Execution.WebhookTimeoutMs > 0 {
		cfg.DefaultWebhookTimeout = time.Duration(p.Execution.WebhookTimeoutMs) * time.Millisecond
	}
	if p.Execution.CodeTimeoutMs > 0 {
		cfg.DefaultCodeTimeout = time.Duration(p.Execution.CodeTimeoutMs) * time.Millisecond
	}
	if p.Execution.MaxSnippets > 0 {
		cfg.MaxSnippets = p.Execution.MaxSnippets
	}
	if p.Execution.MaxSecrets > 0 {
		cfg.MaxSecrets = p.Execution.MaxSecrets
	}
}
