// Package config loads and validates the mesh sidecar's static
// configuration surface (spec §1 "the configuration loader ... out of
// scope" as an external collaborator; this package is the concrete
// implementation of that collaborator). YAML is the on-disk format;
// environment variables with the PQSECUREMESH_ prefix override any field,
// mirroring the teacher's env-override convention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ListenerConfig describes one bound endpoint (spec §4.9 "per configured
// listening endpoint").
type ListenerConfig struct {
	Name         string `mapstructure:"name" validate:"required"`
	BindAddress  string `mapstructure:"bind_address" validate:"required"`
	BackendAddress string `mapstructure:"backend_address" validate:"required"`
	Protocol     string `mapstructure:"protocol" validate:"required,oneof=tcp http grpc"`
	PolicyFile   string `mapstructure:"policy_file" validate:"required"`
}

// CAConfig describes how to reach the external CA (spec §4.1, §6).
type CAConfig struct {
	BaseURL              string `mapstructure:"base_url" validate:"required,url"`
	RootCAFile           string `mapstructure:"root_ca_file" validate:"required"`
	ProvisioningTokenFile string `mapstructure:"provisioning_token_file" validate:"required"`
}

// IdentityConfig describes the local identity to maintain (spec §3, §4.3).
type IdentityConfig struct {
	Tenant      string        `mapstructure:"tenant" validate:"required"`
	Service     string        `mapstructure:"service" validate:"required"`
	Algorithm   string        `mapstructure:"algorithm" validate:"omitempty,oneof=ecdsa-p256 rsa-2048 dilithium2 dilithium3 hybrid-x25519-dilithium2"`
	TTLRequested time.Duration `mapstructure:"ttl_requested"`
	DataDir     string        `mapstructure:"data_dir" validate:"required"`
	RenewalFraction    float64       `mapstructure:"renewal_fraction" validate:"omitempty,gt=0,lt=1"`
	MinRenewalLeadTime time.Duration `mapstructure:"min_renewal_lead_time"`
}

// TimeoutsConfig carries the forwarder/acceptor timing knobs from spec
// §4.8/§4.9.
type TimeoutsConfig struct {
	HandshakeTimeout      time.Duration `mapstructure:"handshake_timeout"`
	HeaderTimeout         time.Duration `mapstructure:"header_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	MaxConnectionDuration time.Duration `mapstructure:"max_connection_duration"`
	BackendDialTimeout    time.Duration `mapstructure:"backend_dial_timeout"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace"`
}

func (t *TimeoutsConfig) setDefaults() {
	if t.HandshakeTimeout <= 0 {
		t.HandshakeTimeout = 10 * time.Second
	}
	if t.HeaderTimeout <= 0 {
		t.HeaderTimeout = 2 * time.Second
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = 60 * time.Second
	}
	if t.BackendDialTimeout <= 0 {
		t.BackendDialTimeout = 5 * time.Second
	}
	if t.ShutdownGrace <= 0 {
		t.ShutdownGrace = 30 * time.Second
	}
	// MaxConnectionDuration default none (zero = unbounded), per spec §4.8.
}

// ObservabilityConfig carries the metrics/health surfaces (spec §9
// supplemented features).
type ObservabilityConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	HealthAddr  string `mapstructure:"health_addr"`
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// MeshConfig is the root configuration document.
type MeshConfig struct {
	Identity      IdentityConfig       `mapstructure:"identity" validate:"required"`
	CA            CAConfig             `mapstructure:"ca" validate:"required"`
	Listeners     []ListenerConfig     `mapstructure:"listeners" validate:"required,min=1,dive"`
	TrustedDomains []string            `mapstructure:"trusted_domains"`
	MaxConcurrentConnections int       `mapstructure:"max_concurrent_connections" validate:"omitempty,gt=0"`
	Timeouts      TimeoutsConfig       `mapstructure:"timeouts"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
}

func (c *MeshConfig) setDefaults() {
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = 1024
	}
	c.Timeouts.setDefaults()
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

// Load reads path as YAML, applies PQSECUREMESH_-prefixed environment
// overrides (viper's AutomaticEnv with a key replacer for nested fields),
// fills defaults, and validates the result, matching the teacher's
// loadAndValidateConfig pipeline shape.
func Load(path string) (*MeshConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PQSECUREMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg MeshConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.setDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation over cfg, matching the teacher's use
// of go-playground/validator for early, descriptive configuration errors.
func Validate(cfg *MeshConfig) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
