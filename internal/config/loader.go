package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/tools"
)

// Defaults applied when the corresponding fields are absent.
const (
	DefaultListenAddr = ":8080"
	DefaultMaxSteps   = 8
	DefaultMaxHistory = 50
)

// Load reads and parses the YAML configuration file at path, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses YAML configuration from r, applies defaults, and
// validates the result. Unknown fields are rejected so typos surface at
// startup instead of being silently ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Defaults.MaxSteps == 0 {
		c.Defaults.MaxSteps = DefaultMaxSteps
	}
	if c.Defaults.MaxHistory == 0 {
		c.Defaults.MaxHistory = DefaultMaxHistory
	}
	if c.Inbox.Backend == "" {
		c.Inbox.Backend = InboxMemory
	}
	if c.Transport.Primary.Name == "" {
		c.Transport.Primary.Name = string(c.Transport.Primary.Backend)
	}
	for i := range c.Transport.Fallbacks {
		if c.Transport.Fallbacks[i].Name == "" {
			c.Transport.Fallbacks[i].Name = fmt.Sprintf("%s-fallback-%d", c.Transport.Fallbacks[i].Backend, i)
		}
	}
}

// Validate checks the configuration for errors. All problems found are
// collected and returned as a single joined error so the operator can fix
// them in one pass. Suspicious but workable settings are logged as warnings.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	if tls := c.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls: cert_file and key_file must both be set"))
		}
	}

	if err := c.Transport.Primary.validate("transport.primary"); err != nil {
		errs = append(errs, err)
	}
	for i := range c.Transport.Fallbacks {
		if err := c.Transport.Fallbacks[i].validate(fmt.Sprintf("transport.fallbacks[%d]", i)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Transport.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("transport.breaker.max_failures: must not be negative"))
	}
	if c.Transport.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("transport.breaker.reset_timeout: must not be negative"))
	}

	if c.Defaults.MaxSteps < 1 {
		errs = append(errs, errors.New("defaults.max_steps: must be at least 1"))
	}
	if c.Defaults.MaxHistory < 1 {
		errs = append(errs, errors.New("defaults.max_history: must be at least 1"))
	}
	if t := c.Defaults.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("defaults.temperature: %v outside [0, 2]", *t))
	}

	if len(c.Agents) == 0 {
		slog.Warn("config: no agents declared, server starts empty")
	}
	seenAgents := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if seenAgents[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent id %q", i, a.ID))
		}
		seenAgents[a.ID] = true
		if a.SystemPrompt == "" {
			slog.Warn("config: agent has no system prompt", "agent", a.ID)
		}
		if a.MaxSteps < 0 {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): max_steps must not be negative", i, a.ID))
		}
		if t := a.Temperature; t != nil && (*t < 0 || *t > 2) {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): temperature %v outside [0, 2]", i, a.ID, *t))
		}
	}

	if !c.Inbox.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("inbox.backend: unknown backend %q", c.Inbox.Backend))
	}
	if c.Inbox.Backend == InboxPostgres && c.Inbox.PostgresDSN == "" {
		errs = append(errs, errors.New("inbox.postgres_dsn: required when inbox.backend is postgres"))
	}

	seenMCP := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seenMCP[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate server name %q", prefix, s.Name))
		}
		seenMCP[s.Name] = true
		if !s.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s: unknown transport %q", prefix, s.Transport))
			continue
		}
		switch s.Transport {
		case tools.MCPTransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("%s: command is required for stdio transport", prefix))
			}
		case tools.MCPTransportStreamableHTTP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("%s: url is required for streamable-http transport", prefix))
			}
		}
	}

	if c.Voice.ElevenLabs.APIKey != "" && c.Voice.ElevenLabs.VoiceID == "" {
		slog.Warn("config: voice.elevenlabs.voice_id not set, synthesis requests must supply one")
	}
	if c.Voice.Deepgram.SampleRate < 0 {
		errs = append(errs, errors.New("voice.deepgram.sample_rate: must not be negative"))
	}

	return errors.Join(errs...)
}

func (e *BackendEntry) validate(prefix string) error {
	var errs []error
	if !e.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("%s.backend: unknown backend %q", prefix, e.Backend))
		return errors.Join(errs...)
	}
	if e.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model: model is required", prefix))
	}
	if e.APIKey == "" {
		slog.Warn("config: backend has no api_key, relying on environment", "backend", prefix)
	}
	if e.Backend == BackendAnyLLM && e.Provider == "" {
		errs = append(errs, fmt.Errorf("%s.provider: provider is required for the anyllm backend", prefix))
	}
	return errors.Join(errs...)
}
