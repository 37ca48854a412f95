// Package config handles loading, validating, and defaulting specgate
// configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output/format constants for configuration defaults.
const (
	DefaultListen    = "127.0.0.1:8811"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stderr"
	OutputFile       = "file"
	OutputBoth       = "both"
)

// Runner defaults. The runner binary is browser-class heavyweight, so the
// caps below bound both wall-clock lifetime and peak captured memory.
const (
	DefaultRunTimeoutSeconds  = 300
	DefaultKillGraceSeconds   = 10
	DefaultCaptureLimitBytes  = 4 << 20  // stop buffering past 4 MiB
	DefaultDisplayLimitBytes  = 64 << 10 // first 64 KiB shown to the agent
	DefaultMaxReadBytes       = 1 << 20  // per-file read ceiling
	DefaultMaxListEntries     = 500
	DefaultBodyLimitBytes     = 1 << 20 // network mode request body ceiling
	DefaultRunsPerMinute      = 6
	DefaultHistoryKeep        = 200
	MinTokenLength            = 32
	DefaultArtifactDir        = ".specgate"
	DefaultResultArtifactName = "last-run.json"
)

// Runner configures the external test-runner binary and its sandbox.
type Runner struct {
	// Binary is the runner executable, relative to the project root.
	Binary string `yaml:"binary"`
	// ExtraArgs are appended after the fixed argument shape.
	ExtraArgs []string `yaml:"extra_args"`
	// SpecSuffixes is the allow-list of file endings a run target must match.
	SpecSuffixes []string `yaml:"spec_suffixes"`
	// PassEnv lists additional environment variable names copied from the
	// parent into the child. Allow-list only; there is no deny-list mode.
	PassEnv []string `yaml:"pass_env"`

	TimeoutSeconds    int `yaml:"timeout_seconds"`
	KillGraceSeconds  int `yaml:"kill_grace_seconds"`
	CaptureLimitBytes int `yaml:"capture_limit_bytes"`
	DisplayLimitBytes int `yaml:"display_limit_bytes"`
	RunsPerMinute     int `yaml:"runs_per_minute"`
}

// Artifacts configures where the runner leaves results and what the agent
// may read back.
type Artifacts struct {
	// Dir is the artifact directory relative to the project root.
	Dir string `yaml:"dir"`
	// ResultFile is the result artifact name inside Dir.
	ResultFile string `yaml:"result_file"`
	// Extensions is the allow-list of readable artifact file endings.
	Extensions []string `yaml:"extensions"`

	MaxReadBytes   int `yaml:"max_read_bytes"`
	MaxListEntries int `yaml:"max_list_entries"`
}

// Transport configures the optional network-facing deployment. Stdio mode
// ignores this section entirely.
type Transport struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token is the bearer token. Empty means generate one per process
	// start; when set out-of-band it must be at least MinTokenLength.
	Token          string `yaml:"token"`
	BodyLimitBytes int    `yaml:"body_limit_bytes"`
	// MetricsListen optionally exposes Prometheus metrics on a separate
	// loopback listener. Empty disables the metrics listener.
	MetricsListen string `yaml:"metrics_listen"`
}

// LoggingConfig controls the audit log destination and verbosity.
type LoggingConfig struct {
	Format       string `yaml:"format"` // json, text
	Output       string `yaml:"output"` // stderr, file, both
	File         string `yaml:"file"`
	IncludeCalls bool   `yaml:"include_calls"` // log allowed tool calls, not just denials
}

// Config is the top-level specgate configuration.
type Config struct {
	Version int `yaml:"version"`
	// ProjectRoot is the directory the agent is mediated into. Fixed for
	// the server lifetime.
	ProjectRoot string `yaml:"project_root"`

	Runner    Runner        `yaml:"runner"`
	Artifacts Artifacts     `yaml:"artifacts"`
	Transport Transport     `yaml:"transport"`
	Logging   LoggingConfig `yaml:"logging"`

	// RedactPatterns are extra redaction regexes applied after the
	// built-in chain.
	RedactPatterns []string `yaml:"redact_patterns"`

	HistoryKeep int `yaml:"history_keep"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from caller
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	// A relative project_root is resolved against the config file location,
	// not the process working directory.
	if cfg.ProjectRoot != "" && !filepath.IsAbs(cfg.ProjectRoot) {
		cfg.ProjectRoot = filepath.Join(filepath.Dir(path), cfg.ProjectRoot)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a configuration with all defaults applied and no
// project root set; the caller supplies the root.
func Defaults() *Config {
	cfg := &Config{Version: 1}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Runner.Binary == "" {
		c.Runner.Binary = filepath.Join("node_modules", ".bin", "cypress")
	}
	if len(c.Runner.SpecSuffixes) == 0 {
		c.Runner.SpecSuffixes = []string{".cy.js", ".cy.ts", ".cy.jsx", ".cy.tsx", ".spec.js", ".spec.ts"}
	}
	if c.Runner.TimeoutSeconds == 0 {
		c.Runner.TimeoutSeconds = DefaultRunTimeoutSeconds
	}
	if c.Runner.KillGraceSeconds == 0 {
		c.Runner.KillGraceSeconds = DefaultKillGraceSeconds
	}
	if c.Runner.CaptureLimitBytes == 0 {
		c.Runner.CaptureLimitBytes = DefaultCaptureLimitBytes
	}
	if c.Runner.DisplayLimitBytes == 0 {
		c.Runner.DisplayLimitBytes = DefaultDisplayLimitBytes
	}
	if c.Runner.RunsPerMinute == 0 {
		c.Runner.RunsPerMinute = DefaultRunsPerMinute
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = DefaultArtifactDir
	}
	if c.Artifacts.ResultFile == "" {
		c.Artifacts.ResultFile = DefaultResultArtifactName
	}
	if len(c.Artifacts.Extensions) == 0 {
		c.Artifacts.Extensions = []string{".json", ".txt", ".log", ".html"}
	}
	if c.Artifacts.MaxReadBytes == 0 {
		c.Artifacts.MaxReadBytes = DefaultMaxReadBytes
	}
	if c.Artifacts.MaxListEntries == 0 {
		c.Artifacts.MaxListEntries = DefaultMaxListEntries
	}
	if c.Transport.Listen == "" {
		c.Transport.Listen = DefaultListen
	}
	if c.Transport.BodyLimitBytes == 0 {
		c.Transport.BodyLimitBytes = DefaultBodyLimitBytes
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
	if c.HistoryKeep == 0 {
		c.HistoryKeep = DefaultHistoryKeep
	}
}

// envNameRE restricts pass_env entries to conventional variable names.
var envNameRE = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Validate checks the configuration for contradictions and unusable values.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("project_root is required")
	}
	if filepath.IsAbs(c.Runner.Binary) {
		return fmt.Errorf("runner.binary must be relative to project_root")
	}
	for _, s := range c.Runner.SpecSuffixes {
		if !strings.HasPrefix(s, ".") {
			return fmt.Errorf("runner.spec_suffixes entry %q must start with a dot", s)
		}
	}
	for _, name := range c.Runner.PassEnv {
		if !envNameRE.MatchString(name) {
			return fmt.Errorf("runner.pass_env entry %q is not a valid variable name", name)
		}
	}
	if c.Runner.TimeoutSeconds < 1 {
		return fmt.Errorf("runner.timeout_seconds must be positive")
	}
	if c.Runner.KillGraceSeconds < 1 {
		return fmt.Errorf("runner.kill_grace_seconds must be positive")
	}
	if c.Runner.DisplayLimitBytes > c.Runner.CaptureLimitBytes {
		return fmt.Errorf("runner.display_limit_bytes exceeds capture_limit_bytes")
	}
	if filepath.IsAbs(c.Artifacts.Dir) {
		return fmt.Errorf("artifacts.dir must be relative to project_root")
	}
	if c.Transport.Enabled {
		if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
			return fmt.Errorf("transport.listen %q: %w", c.Transport.Listen, err)
		}
		if c.Transport.Token != "" && len(c.Transport.Token) < MinTokenLength {
			return fmt.Errorf("transport.token must be at least %d characters", MinTokenLength)
		}
	}
	if c.Transport.MetricsListen != "" {
		host, _, err := net.SplitHostPort(c.Transport.MetricsListen)
		if err != nil {
			return fmt.Errorf("transport.metrics_listen %q: %w", c.Transport.MetricsListen, err)
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("transport.metrics_listen must bind a loopback address")
		}
	}
	switch c.Logging.Output {
	case "stderr", OutputFile, OutputBoth:
	default:
		return fmt.Errorf("logging.output %q is not one of stderr, file, both", c.Logging.Output)
	}
	if (c.Logging.Output == OutputFile || c.Logging.Output == OutputBoth) && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when logging.output is %q", c.Logging.Output)
	}
	for _, p := range c.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("redact_patterns entry %q: %w", p, err)
		}
	}
	return nil
}
