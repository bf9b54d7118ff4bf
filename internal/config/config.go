// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/crypto/rand"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster/pkcs11"
	"github.com/jeremyhahn/go-keystore/pkg/policy"
	"github.com/jeremyhahn/go-keystore/pkg/ratelimit"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// Storage backends
const (
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Keymaster devices
const (
	DeviceSoftware = "software"
	DevicePKCS11   = "pkcs11"
)

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Entropy   EntropyConfig    `yaml:"entropy"`
	Keymaster KeymasterConfig  `yaml:"keymaster"`
	Policy    PolicyConfig     `yaml:"policy"`
	Audit     AuditConfig      `yaml:"audit"`
}

// ServerConfig contains the unix socket settings
type ServerConfig struct {
	Socket string `yaml:"socket"`

	// SocketMode is the octal permission of the socket file, e.g. "0666".
	// Callers are identified by their peer credentials, not by file access.
	SocketMode string `yaml:"socket_mode"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where blobs are kept
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// CollectInterval is how often user state gauges are refreshed.
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// EntropyConfig selects the random source for master keys, salts and IVs
type EntropyConfig struct {
	Mode       string `yaml:"mode"`
	Fallback   string `yaml:"fallback"`
	TPM2Device string `yaml:"tpm2_device"`
}

// KeymasterConfig selects the device that holds key pairs
type KeymasterConfig struct {
	Device string         `yaml:"device"`
	PKCS11 *pkcs11.Config `yaml:"pkcs11,omitempty"`
}

// AuditConfig controls the audit log of answered requests
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Recent is how many events the daemon keeps for the /audit endpoint.
	// Zero serves no endpoint; events are still logged.
	Recent int `yaml:"recent"`
}

// PolicyConfig holds the identity tables. Permission sets are lists of
// names such as "get", "sign", "all" or "default".
type PolicyConfig struct {
	PerUserRange       uint32              `yaml:"per_user_range"`
	SystemAppID        uint32              `yaml:"system_app_id"`
	Permissions        map[uint32][]string `yaml:"permissions"`
	Aliases            map[uint32]uint32   `yaml:"aliases"`
	DefaultPermissions []string            `yaml:"default_permissions"`
	MaxRetry           int                 `yaml:"max_retry"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Socket:          "/run/keystore/keystore.sock",
			SocketMode:      "0666",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageFile,
			Path:    "/var/lib/keystore",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Path:            "/metrics",
			CollectInterval: 15 * time.Second,
		},
		RateLimit: ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: 30,
			Burst:             5,
		},
		Entropy: EntropyConfig{
			Mode:     string(rand.ModeAuto),
			Fallback: string(rand.ModeSoftware),
		},
		Keymaster: KeymasterConfig{
			Device: DeviceSoftware,
		},
		Policy: PolicyConfig{
			MaxRetry: 3,
		},
		Audit: AuditConfig{
			Enabled: true,
			Recent:  1024,
		},
	}
}

// Load reads configuration from a YAML file on top of Default and applies
// environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDefault returns Default with environment overrides applied
func LoadDefault() (*Config, error) {
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if socket := os.Getenv("KEYSTORE_SOCKET"); socket != "" {
		cfg.Server.Socket = socket
	}
	if dataDir := os.Getenv("KEYSTORE_DATA_DIR"); dataDir != "" {
		cfg.Storage.Path = dataDir
	}

	// Logging
	if level := os.Getenv("KEYSTORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("KEYSTORE_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if mode := os.Getenv("KEYSTORE_ENTROPY_MODE"); mode != "" {
		cfg.Entropy.Mode = mode
	}

	// PKCS#11 settings
	if lib := os.Getenv("KEYSTORE_PKCS11_LIBRARY"); lib != "" {
		if cfg.Keymaster.PKCS11 == nil {
			cfg.Keymaster.PKCS11 = &pkcs11.Config{}
		}
		cfg.Keymaster.PKCS11.Library = lib
	}
	if pin := os.Getenv("KEYSTORE_PKCS11_PIN"); pin != "" && cfg.Keymaster.PKCS11 != nil {
		cfg.Keymaster.PKCS11.PIN = pin
	}

	if enabled := os.Getenv("KEYSTORE_METRICS_ENABLED"); enabled != "" {
		on, err := strconv.ParseBool(enabled)
		if err != nil {
			log.Printf("Warning: invalid KEYSTORE_METRICS_ENABLED value %q, keeping %t: %v",
				enabled, cfg.Metrics.Enabled, err)
		} else {
			cfg.Metrics.Enabled = on
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Socket == "" {
		return fmt.Errorf("server socket must be specified")
	}
	if _, err := c.Server.Mode(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path must be specified")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("invalid storage backend: %q (must be file or memory)", c.Storage.Backend)
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics path: %q", c.Metrics.Path)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit requests_per_minute must be positive when enabled")
	}

	if _, err := c.RandConfig(); err != nil {
		return err
	}

	switch c.Keymaster.Device {
	case DeviceSoftware:
	case DevicePKCS11:
		if err := c.Keymaster.PKCS11.Validate(); err != nil {
			return fmt.Errorf("keymaster: %w", err)
		}
	default:
		return fmt.Errorf("invalid keymaster device: %q (must be software or pkcs11)", c.Keymaster.Device)
	}

	if c.Audit.Recent < 0 {
		return fmt.Errorf("audit recent must not be negative")
	}

	if _, err := c.Policy.Build(); err != nil {
		return err
	}
	if c.Policy.MaxRetry < 0 {
		return fmt.Errorf("policy max_retry must not be negative")
	}
	return nil
}

// Mode parses SocketMode. An empty mode selects 0666.
func (s ServerConfig) Mode() (os.FileMode, error) {
	if s.SocketMode == "" {
		return 0o666, nil
	}
	m, err := strconv.ParseUint(s.SocketMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("invalid socket_mode: %q", s.SocketMode)
	}
	return os.FileMode(m), nil
}

// RandConfig translates the entropy section for rand.NewResolver. The
// PKCS#11 source shares the keymaster token settings.
func (c *Config) RandConfig() (*rand.Config, error) {
	mode, err := rand.ParseMode(c.Entropy.Mode)
	if err != nil {
		return nil, fmt.Errorf("entropy: %w", err)
	}
	rc := &rand.Config{Mode: mode}
	if c.Entropy.Fallback != "" {
		fb, err := rand.ParseMode(c.Entropy.Fallback)
		if err != nil {
			return nil, fmt.Errorf("entropy fallback: %w", err)
		}
		rc.FallbackMode = fb
	}
	if c.Entropy.TPM2Device != "" {
		rc.TPM2Config = &rand.TPM2Config{Device: c.Entropy.TPM2Device}
	}
	if p := c.Keymaster.PKCS11; p != nil && p.Library != "" {
		rc.PKCS11Config = &rand.PKCS11Config{Module: p.Library, PIN: p.PIN}
		if p.Slot != nil {
			rc.PKCS11Config.SlotID = *p.Slot
		}
	}
	return rc, nil
}

// Build converts the identity tables into a policy.Config. Empty fields
// keep the built-in defaults.
func (p PolicyConfig) Build() (*policy.Config, error) {
	cfg := policy.DefaultConfig()
	if p.PerUserRange != 0 {
		cfg.PerUserRange = p.PerUserRange
	}
	if p.SystemAppID != 0 {
		cfg.SystemAppID = p.SystemAppID
	}
	if len(p.Permissions) > 0 {
		cfg.Permissions = make(map[uint32]types.Permission, len(p.Permissions))
		for uid, names := range p.Permissions {
			perm, err := types.ParsePermissions(names)
			if err != nil {
				return nil, fmt.Errorf("policy permissions for uid %d: %w", uid, err)
			}
			cfg.Permissions[uid] = perm
		}
	}
	if len(p.Aliases) > 0 {
		cfg.Aliases = p.Aliases
	}
	if len(p.DefaultPermissions) > 0 {
		perm, err := types.ParsePermissions(p.DefaultPermissions)
		if err != nil {
			return nil, fmt.Errorf("policy default_permissions: %w", err)
		}
		cfg.DefaultPermissions = perm
	}
	return cfg, nil
}
