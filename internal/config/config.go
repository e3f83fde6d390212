// Package config loads and validates Nexus's layered YAML configuration
// (base spec §6): the management port, prepopulated upstreams and vMCP
// definitions, transport defaults, and the refresh interval. It also
// watches the config file for changes via fsnotify and merges MCP_ENV_VARS
// and PORT/NEXUS_PORT environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"nexus/internal/aggregator"
)

// TransportConfig holds the defaults applied to every upstream transport
// (base spec §6), overridable per-upstream. Durations are expressed in
// milliseconds, matching the base spec's own units (e.g. "retryDelay=1000ms"),
// rather than as time.Duration, which yaml.v3 would otherwise decode as a
// raw nanosecond count.
type TransportConfig struct {
	MaxRetries   int `yaml:"maxRetries"`
	RetryDelayMS int `yaml:"retryDelay"`
	TimeoutMS    int `yaml:"timeout"`
}

func (t *TransportConfig) setDefaults() {
	if t.MaxRetries <= 0 {
		t.MaxRetries = 5
	}
	if t.RetryDelayMS <= 0 {
		t.RetryDelayMS = 1000
	}
	if t.TimeoutMS <= 0 {
		t.TimeoutMS = 30000
	}
}

// RetryDelay returns the configured retry delay as a time.Duration.
func (t TransportConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelayMS) * time.Millisecond
}

// Timeout returns the configured request timeout as a time.Duration.
func (t TransportConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// RuleConfig is the YAML shape of one AggregationRule.
type RuleConfig struct {
	Kind  string   `yaml:"kind"`
	Names []string `yaml:"names,omitempty"`
	URIs  []string `yaml:"uris,omitempty"`
}

// ToRule converts the YAML shape into aggregator.Rule.
func (r RuleConfig) ToRule() (aggregator.Rule, error) {
	switch aggregator.RuleKind(r.Kind) {
	case aggregator.RuleAggregateAll, aggregator.RuleIncludeTools, aggregator.RuleIncludePrompts, aggregator.RuleIncludeResources:
		return aggregator.Rule{Kind: aggregator.RuleKind(r.Kind), Names: r.Names, URIs: r.URIs}, nil
	default:
		return aggregator.Rule{}, fmt.Errorf("config: unknown aggregation rule kind %q", r.Kind)
	}
}

// UpstreamConfig is a prepopulated `mcpServers[]` entry.
type UpstreamConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	AuthToken string `yaml:"authToken,omitempty"`
	Disabled  bool   `yaml:"disabled,omitempty"`
}

// VMCPConfig is a prepopulated `vmcps[]` entry.
type VMCPConfig struct {
	ID              string       `yaml:"id"`
	Name            string       `yaml:"name"`
	Port            int          `yaml:"port"`
	SourceServerIDs []string     `yaml:"sourceServerIds"`
	AggregationRules []RuleConfig `yaml:"aggregationRules"`
}

// VMCPLimits bounds vMCP instance creation (base spec §6).
type VMCPLimits struct {
	MaxInstances int `yaml:"maxInstances"`
	PortRange    struct {
		Start int `yaml:"start"`
		End   int `yaml:"end"`
	} `yaml:"portRange"`
}

// Config is Nexus's full, validated, post-override configuration.
type Config struct {
	Port             int              `yaml:"port"`
	MCPServers       []UpstreamConfig `yaml:"mcpServers"`
	VMCPs            []VMCPConfig     `yaml:"vmcps"`
	Transport        TransportConfig  `yaml:"transport"`
	RefreshIntervalMS int             `yaml:"refreshInterval"`
	VMCPLimits       VMCPLimits       `yaml:"vmcpLimits"`

	// Debug enables verbose logging; set by the --debug CLI flag, not YAML.
	Debug bool `yaml:"-"`
}

// RefreshInterval returns the configured discovery refresh interval as a
// time.Duration.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

func (c *Config) setDefaults() {
	if c.Port <= 0 {
		c.Port = 3000
	}
	if c.RefreshIntervalMS <= 0 {
		c.RefreshIntervalMS = 300000
	}
	c.Transport.setDefaults()
}

// ValidationError aggregates every structural problem found in a config, so
// callers see all issues at once instead of failing on the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := "config: invalid configuration:"
	for _, p := range e.Problems {
		msg += "\n  - " + p
	}
	return msg
}

func (c *Config) validate() error {
	var problems []string

	seenUpstream := make(map[string]bool)
	for i, u := range c.MCPServers {
		if u.Name == "" {
			problems = append(problems, fmt.Sprintf("mcpServers[%d]: name is required", i))
			continue
		}
		if seenUpstream[u.Name] {
			problems = append(problems, fmt.Sprintf("mcpServers[%d]: duplicate name %q", i, u.Name))
		}
		seenUpstream[u.Name] = true
		if u.URL == "" {
			problems = append(problems, fmt.Sprintf("mcpServers[%q]: url is required", u.Name))
		}
	}

	seenPort := map[int]string{c.Port: "<management>"}
	seenID := make(map[string]bool)
	for i, v := range c.VMCPs {
		if v.ID == "" {
			problems = append(problems, fmt.Sprintf("vmcps[%d]: id is required", i))
			continue
		}
		if seenID[v.ID] {
			problems = append(problems, fmt.Sprintf("vmcps[%d]: duplicate id %q", i, v.ID))
		}
		seenID[v.ID] = true
		if owner, collide := seenPort[v.Port]; collide {
			problems = append(problems, fmt.Sprintf("vmcps[%q]: port %d collides with %s", v.ID, v.Port, owner))
		}
		seenPort[v.Port] = v.ID
		if len(v.SourceServerIDs) == 0 {
			problems = append(problems, fmt.Sprintf("vmcps[%q]: at least one sourceServerId is required", v.ID))
		}
		for _, source := range v.SourceServerIDs {
			if !seenUpstream[source] {
				problems = append(problems, fmt.Sprintf("vmcps[%q]: unknown source %q", v.ID, source))
			}
		}
		if len(v.AggregationRules) == 0 {
			problems = append(problems, fmt.Sprintf("vmcps[%q]: at least one aggregationRule is required", v.ID))
		}
		for _, r := range v.AggregationRules {
			if _, err := r.ToRule(); err != nil {
				problems = append(problems, fmt.Sprintf("vmcps[%q]: %v", v.ID, err))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Load reads path, applies defaults, merges environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.setDefaults()
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides implements base spec §6: PORT/NEXUS_PORT override the
// management port (NEXUS_PORT wins if both are set), and MCP_ENV_VARS is a
// JSON dictionary merged into every upstream's auth token when it names the
// upstream and the upstream has none configured yet.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("NEXUS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}

	raw := os.Getenv("MCP_ENV_VARS")
	if raw == "" {
		return
	}
	var envVars map[string]string
	if err := json.Unmarshal([]byte(raw), &envVars); err != nil {
		return
	}
	for i := range cfg.MCPServers {
		if cfg.MCPServers[i].AuthToken != "" {
			continue
		}
		if token, ok := envVars[cfg.MCPServers[i].Name]; ok {
			cfg.MCPServers[i].AuthToken = token
		}
	}
}
