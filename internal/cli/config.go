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

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-keystore/pkg/client"
)

// EnvPrefix is the prefix of environment variables read by the CLI, e.g.
// KEYSTORE_SOCKET.
const EnvPrefix = "KEYSTORE"

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is an optional YAML file with the same keys as the flags.
	ConfigFile string

	// Socket is the daemon's Unix socket path
	Socket string

	// OutputFormat controls output formatting (json, text, table)
	OutputFormat string

	// Timeout bounds each request to the daemon
	Timeout time.Duration

	// Verbose enables verbose logging
	Verbose bool
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Socket:       client.DefaultSocketPath,
		OutputFormat: string(OutputFormatText),
		Timeout:      30 * time.Second,
	}
}

// newViper returns a viper instance that reads KEYSTORE_* variables with
// dashes in flag names mapped to underscores.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := NewConfig()
	v.SetDefault("socket", defaults.Socket)
	v.SetDefault("output", defaults.OutputFormat)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("verbose", defaults.Verbose)
	return v
}

// loadConfig resolves the settings. Flags win over the environment, which
// wins over the config file.
func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{ConfigFile: v.GetString("config")}
	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.Socket = v.GetString("socket")
	cfg.OutputFormat = v.GetString("output")
	cfg.Timeout = v.GetDuration("timeout")
	cfg.Verbose = v.GetBool("verbose")

	switch OutputFormat(cfg.OutputFormat) {
	case OutputFormatText, OutputFormatJSON, OutputFormatTable:
	default:
		return nil, fmt.Errorf("unknown output format: %s", cfg.OutputFormat)
	}
	if cfg.Socket == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	return cfg, nil
}

// CreateClient returns a client for the configured socket.
func (c *Config) CreateClient() *client.Client {
	return client.New(&client.Config{
		SocketPath: c.Socket,
		Timeout:    c.Timeout,
	})
}
