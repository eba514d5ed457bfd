// Package config loads the labforge runtime configuration: platform
// endpoint, secret source, concurrency and timing knobs, and the per-role
// apply steps the configure phase executes. Topology files are separate and
// handled by pkg/topology.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nicholasvmoore/labforge/pkg/faults"
	"github.com/nicholasvmoore/labforge/pkg/telemetry"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PlatformConfig locates the virtualization platform API.
type PlatformConfig struct {
	// Endpoint is the API base URL, e.g. https://pve.lab:8006.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// InsecureSkipVerify disables TLS verification, for self-signed lab
	// certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// TokenIDKey and TokenSecretKey name the secrets holding the API token
	// credential pair.
	TokenIDKey     string `yaml:"token_id_key"`
	TokenSecretKey string `yaml:"token_secret_key"`

	// Storage is the datastore new disks and container roots are placed on.
	Storage string `yaml:"storage,omitempty"`
}

// SecretsConfig selects where credentials come from.
type SecretsConfig struct {
	// Source is env, file, or encrypted_file.
	Source string `yaml:"source" validate:"required,oneof=env file encrypted_file"`

	// Path is the secrets file path for file sources.
	Path string `yaml:"path,omitempty" validate:"required_unless=Source env"`

	// PassphraseEnv names the environment variable holding the decryption
	// passphrase for encrypted_file.
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`

	// EnvPrefix prefixes environment variable lookups for the env source.
	EnvPrefix string `yaml:"env_prefix,omitempty"`
}

// ReadinessConfig tunes the guest readiness poller.
type ReadinessConfig struct {
	// Timeout bounds the wait per resource.
	Timeout Duration `yaml:"timeout"`

	// PollInterval is the cadence between agent polls.
	PollInterval Duration `yaml:"poll_interval"`
}

// RetryConfig tunes backoff for transient platform failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" validate:"omitempty,min=1"`
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
}

// ApplyStep is one configure-phase action for a role.
type ApplyStep struct {
	// Role is the inventory group this step applies to.
	Role string `yaml:"role" validate:"required"`

	// Command is the shell command executed on each member.
	Command string `yaml:"command" validate:"required"`

	// UploadInventory pushes the rendered inventory document to the host
	// before running the command.
	UploadInventory bool `yaml:"upload_inventory"`

	// InventoryPath is where the inventory is uploaded on the host.
	InventoryPath string `yaml:"inventory_path,omitempty"`
}

// GuestProfile captures per-OS conventions for the apply layer.
type GuestProfile struct {
	// Escalate is the privilege escalation convention: sudo, doas, or none.
	Escalate string `yaml:"escalate" validate:"omitempty,oneof=sudo doas none"`

	// Shell overrides the remote shell invocation.
	Shell string `yaml:"shell,omitempty"`
}

// ApplyConfig configures the configure-phase SSH runner.
type ApplyConfig struct {
	// User is the SSH user.
	User string `yaml:"user" validate:"required"`

	// PrivateKeyPath is the SSH private key file.
	PrivateKeyPath string `yaml:"private_key_path" validate:"required"`

	// Port is the SSH port, default 22.
	Port int `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// ConnectTimeout bounds the SSH dial.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// Steps are the per-role actions, one per role the topology declares.
	Steps []ApplyStep `yaml:"steps" validate:"required,min=1,dive"`

	// Profiles map guest OS tags to their conventions. The empty tag ""
	// provides the default profile.
	Profiles map[string]GuestProfile `yaml:"profiles,omitempty"`
}

// Config is the full runtime configuration.
type Config struct {
	// Topology is the topology name (lock and state store key). Defaults to
	// the topology file's own name field when empty.
	Topology string `yaml:"topology,omitempty"`

	// StatePath is the SQLite database location.
	StatePath string `yaml:"state_path" validate:"required"`

	// LockDir is where run lease files are created. Defaults to the state
	// database's directory.
	LockDir string `yaml:"lock_dir,omitempty"`

	// Concurrency bounds parallel per-resource work within a phase.
	Concurrency int `yaml:"concurrency,omitempty" validate:"omitempty,min=1"`

	Platform  PlatformConfig   `yaml:"platform" validate:"required"`
	Secrets   SecretsConfig    `yaml:"secrets" validate:"required"`
	Readiness ReadinessConfig  `yaml:"readiness"`
	Retry     RetryConfig      `yaml:"retry"`
	Apply     ApplyConfig      `yaml:"apply" validate:"required"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefinedRoles returns the set of roles the apply steps cover, used to
// cross-check topologies at load time.
func (c *Config) DefinedRoles() map[string]bool {
	roles := make(map[string]bool, len(c.Apply.Steps))
	for _, step := range c.Apply.Steps {
		roles[step.Role] = true
	}
	return roles
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Validation(fmt.Sprintf("read config %s", path), err)
	}

	cfg := &Config{Telemetry: telemetry.DefaultConfig()}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, faults.Validation(fmt.Sprintf("parse config %s", path), err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Platform.TokenIDKey == "" {
		c.Platform.TokenIDKey = "proxmox_token_id"
	}
	if c.Platform.TokenSecretKey == "" {
		c.Platform.TokenSecretKey = "proxmox_secret"
	}
	if c.Platform.Storage == "" {
		c.Platform.Storage = "local-lvm"
	}
	if c.Readiness.Timeout == 0 {
		c.Readiness.Timeout = Duration(5 * time.Minute)
	}
	if c.Readiness.PollInterval == 0 {
		c.Readiness.PollInterval = Duration(5 * time.Second)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.Base == 0 {
		c.Retry.Base = Duration(2 * time.Second)
	}
	if c.Retry.Cap == 0 {
		c.Retry.Cap = Duration(60 * time.Second)
	}
	if c.Apply.Port == 0 {
		c.Apply.Port = 22
	}
	if c.Apply.ConnectTimeout == 0 {
		c.Apply.ConnectTimeout = Duration(15 * time.Second)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return faults.Validation("config failed validation", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return faults.Validation("telemetry config invalid", err)
	}
	seen := make(map[string]bool, len(c.Apply.Steps))
	for _, step := range c.Apply.Steps {
		if seen[step.Role] {
			return faults.Validation(fmt.Sprintf("duplicate apply step for role %q", step.Role), nil)
		}
		seen[step.Role] = true
	}
	return nil
}
