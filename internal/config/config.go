// Package config handles Occam configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/occam/config.yaml,
// /etc/occam/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "occam", "config.yaml"))
	}

	paths = append(paths, "/etc/occam/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Occam configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Owner    OwnerConfig    `yaml:"owner"`
	Signal   SignalConfig   `yaml:"signal"`
	Email    EmailConfig    `yaml:"email"`
	CLI      CLIConfig      `yaml:"cli"`
	Calendar CalendarConfig `yaml:"calendar"`
	Search   SearchConfig   `yaml:"search"`

	// DataDir holds the SQLite conversation database.
	DataDir string `yaml:"data_dir"`

	// Workers bounds how many exchanges may run at once across all
	// channels.
	Workers int `yaml:"workers"`

	// HandleTimeout bounds one exchange (model turns, tools, reply).
	HandleTimeout time.Duration `yaml:"handle_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// LLMConfig selects the model and the backends that can serve it.
type LLMConfig struct {
	Model     string          `yaml:"model"`
	MaxTokens int             `yaml:"max_tokens"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines a local Ollama server. Models listed here are
// routed to Ollama; everything else goes to Anthropic.
type OllamaConfig struct {
	URL    string   `yaml:"url"`
	Models []string `yaml:"models"`
}

// OwnerConfig describes the single person Occam works for.
type OwnerConfig struct {
	// Timezone is an IANA zone name used for calendar defaults and
	// confirmation rendering.
	Timezone string `yaml:"timezone"`
}

// Location resolves the owner timezone, falling back to UTC when the
// zone database does not know the name.
func (o OwnerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SignalConfig configures the signal-cli-rest-api chat transport.
type SignalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Number  string `yaml:"number"`  // owner's own number, e.g. +15551234567
	APIURL  string `yaml:"api_url"` // e.g. http://signal-api:8080

	// PollTimeout is the read deadline for one receive cycle on the
	// websocket. Pings keep an idle connection inside it.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// EmailConfig configures the IMAP mail channel.
type EmailConfig struct {
	Enabled        bool          `yaml:"enabled"`
	IMAP           IMAPConfig    `yaml:"imap"`
	SMTP           SMTPConfig    `yaml:"smtp"`
	AllowedSenders []string      `yaml:"allowed_senders"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// RateLimit caps dispatched messages per sender per minute.
	// Zero means unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	NoTLS    bool   `yaml:"no_tls"`
}

// SMTPConfig holds SMTP settings used to answer email directly when
// the chat transport is disabled.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// Configured reports whether an SMTP host is set.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

// CLIConfig controls the interactive terminal channel.
type CLIConfig struct {
	// Enabled defaults to true. The channel still only starts when
	// stdin is a terminal.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the terminal channel is enabled.
func (c CLIConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CalendarConfig points at a CalDAV calendar collection.
type CalendarConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Path is the calendar collection path. When empty the first
	// calendar in the principal's home set is used.
	Path string `yaml:"path"`
}

// Configured reports whether a CalDAV endpoint is set.
func (c CalendarConfig) Configured() bool {
	return c.URL != ""
}

// SearchConfig selects the web search backend.
type SearchConfig struct {
	Provider string       `yaml:"provider"` // duckduckgo, searxng, brave
	SearXNG  SearXNGConfig `yaml:"searxng"`
	Brave    BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, then defaults are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// channels enabled besides the terminal.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.Owner.Timezone == "" {
		c.Owner.Timezone = "America/Toronto"
	}
	if c.Signal.APIURL == "" {
		c.Signal.APIURL = "http://signal-api:8080"
	}
	if c.Signal.PollTimeout == 0 {
		c.Signal.PollTimeout = 90 * time.Second
	}
	if c.Email.IMAP.Port == 0 {
		c.Email.IMAP.Port = 993
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 465
	}
	if c.Email.PollInterval == 0 {
		c.Email.PollInterval = 60 * time.Second
	}
	// The password may be kept out of the file entirely.
	if c.Email.IMAP.Password == "" {
		c.Email.IMAP.Password = os.Getenv("OCCAM_EMAIL_PASSWORD")
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "duckduckgo"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HandleTimeout == 0 {
		c.HandleTimeout = 5 * time.Minute
	}
}

// Validate reports configuration that cannot work: an enabled channel
// missing its required settings, or no model backend at all.
func (c *Config) Validate() error {
	var errs []error

	if c.LLM.Anthropic.APIKey == "" && c.LLM.Ollama.URL == "" {
		errs = append(errs, errors.New("llm: set anthropic.api_key or ollama.url"))
	}
	if _, err := time.LoadLocation(c.Owner.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("owner.timezone: %w", err))
	}
	if c.Signal.Enabled && c.Signal.Number == "" {
		errs = append(errs, errors.New("signal.number is required when signal is enabled"))
	}
	if c.Email.Enabled {
		if c.Email.IMAP.Host == "" || c.Email.IMAP.Username == "" {
			errs = append(errs, errors.New("email.imap.host and email.imap.username are required when email is enabled"))
		}
		if !c.Signal.Enabled && !c.Email.SMTP.Configured() {
			errs = append(errs, errors.New("email replies need signal enabled or email.smtp configured"))
		}
	}
	switch c.Search.Provider {
	case "duckduckgo":
	case "searxng":
		if c.Search.SearXNG.URL == "" {
			errs = append(errs, errors.New("search.searxng.url is required for the searxng provider"))
		}
	case "brave":
		if c.Search.Brave.APIKey == "" {
			errs = append(errs, errors.New("search.brave.api_key is required for the brave provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("search.provider %q unknown (valid: duckduckgo, searxng, brave)", c.Search.Provider))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
