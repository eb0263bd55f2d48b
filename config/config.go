// Package config loads the declarative description of external tool servers,
// retry policies and rate limits consumed by the invocation core. Values in
// server environments and headers support ${VAR} placeholders substituted
// from the process environment; substitution is performed once, when a
// connection is constructed, not at every invocation.
package config

import (
	"os"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	// TransportLocalProcess spawns the server as a subprocess and talks over
	// its standard input/output.
	TransportLocalProcess TransportKind = "local_process"
	// TransportRemoteStream connects to a persistent HTTP event stream.
	TransportRemoteStream TransportKind = "remote_stream"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Server describes one external tool server.
type Server struct {
	ID        string        `yaml:"id" validate:"required"`
	Transport TransportKind `yaml:"transport" validate:"required,oneof=local_process remote_stream"`
	Enabled   bool          `yaml:"enabled"`

	// LocalProcess transport.
	Command string            `yaml:"command,omitempty" validate:"required_if=Transport local_process"`
	Args    []string          `yaml:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// RemoteStream transport.
	Endpoint string            `yaml:"endpoint,omitempty" validate:"required_if=Transport remote_stream,omitempty,url"`
	Headers  map[string]string `yaml:"headers,omitempty"`

	// SecurityTags are attached to every capability discovered on this
	// server.
	SecurityTags []string `yaml:"security_tags,omitempty"`
}

// RetryPolicy configures retries for one capability.
type RetryPolicy struct {
	Capability        string   `yaml:"capability" validate:"required"`
	MaxAttempts       int      `yaml:"max_attempts" validate:"omitempty,min=1"`
	InitialDelay      Duration `yaml:"initial_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxDelay          Duration `yaml:"max_delay"`
	Idempotent        bool     `yaml:"idempotent"`
	RetryableErrors   []string `yaml:"retryable_errors" validate:"dive,oneof=timeout transport_error remote_execution_error"`
}

// RateLimit configures the token buckets.
type RateLimit struct {
	Capacity          float64            `yaml:"capacity" validate:"omitempty,gt=0"`
	RefillRate        float64            `yaml:"refill_rate" validate:"omitempty,gt=0"`
	BucketTTL         Duration           `yaml:"bucket_ttl"`
	SweepInterval     Duration           `yaml:"sweep_interval"`
	CallerMultipliers map[string]float64 `yaml:"caller_multipliers,omitempty"`
}

// Manager configures connection health probing and reconnection.
type Manager struct {
	ProbeInterval       Duration `yaml:"probe_interval"`
	MaxProbeFailures    int      `yaml:"max_probe_failures" validate:"omitempty,min=1"`
	ReconnectMinBackoff Duration `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff Duration `yaml:"reconnect_max_backoff"`
	ShutdownGrace       Duration `yaml:"shutdown_grace"`
}

// Config is the root configuration.
type Config struct {
	Servers       []Server      `yaml:"servers" validate:"dive"`
	RetryPolicies []RetryPolicy `yaml:"retry_policies" validate:"dive"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Manager       Manager       `yaml:"manager"`
}

var vald = validator.New()

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints and server ID uniqueness.
func (c *Config) Validate() error {
	if err := vald.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.ID] {
			return errors.Errorf("duplicate server id: %s", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} placeholders.
var envVarPattern = regexp.MustCompile(`\$\{(\w+)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} placeholders from the process environment.
// ${VAR:-default} falls back to the default when VAR is unset or empty;
// placeholders without a default and without a value are kept verbatim.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		val, exists := os.LookupEnv(name)
		if exists && val != "" {
			return val
		}
		if groups[2] != "" {
			return groups[2]
		}
		return match
	})
}

// ResolvedEnv returns the server environment as KEY=VALUE pairs with ${VAR}
// placeholders expanded.
func (s *Server) ResolvedEnv() []string {
	if len(s.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+ExpandEnv(v))
	}
	return env
}

// ResolvedHeaders returns the request headers with ${VAR} placeholders
// expanded.
func (s *Server) ResolvedHeaders() map[string]string {
	if len(s.Headers) == 0 {
		return nil
	}
	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		headers[k] = ExpandEnv(v)
	}
	return headers
}
