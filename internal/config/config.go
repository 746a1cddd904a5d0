// Package config loads and validates the librarian server configuration.
//
// Configuration is a single YAML file. Most settings are fixed at startup;
// standing_order_mode may be changed at runtime by editing the file (see
// Watch).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SourceConfig describes one authenticated API source.
type SourceConfig struct {
	Authenticator string `mapstructure:"authenticator"`
}

// StoreConfig describes one store added at boot.
type StoreConfig struct {
	PathPrefix string `mapstructure:"path_prefix"`
	SSHHost    string `mapstructure:"ssh_host"`
	HTTPPrefix string `mapstructure:"http_prefix"`
	Available  *bool  `mapstructure:"available"`
}

// ConnectionConfig names a peer librarian that files can be shipped to.
type ConnectionConfig struct {
	URL           string `mapstructure:"url"`
	Authenticator string `mapstructure:"authenticator"`
}

// StagingConfig configures local-disk staging.
type StagingConfig struct {
	DestPrefix   string   `mapstructure:"dest_prefix"`
	SSHHost      string   `mapstructure:"ssh_host"`
	ChownCommand []string `mapstructure:"chown_command"`
}

// GlobusConfig carries bulk-transfer provider options passed through to the
// upload transport.
type GlobusConfig struct {
	Enabled       bool   `mapstructure:"use_globus"`
	ClientID      string `mapstructure:"globus_client_id"`
	TransferToken string `mapstructure:"globus_transfer_token"`
	EndpointID    string `mapstructure:"globus_endpoint_id"`
}

// Config is the full server configuration.
type Config struct {
	SecretKey string `mapstructure:"secret_key"`

	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	NServerProcesses int    `mapstructure:"n_server_processes"`
	NWorkerThreads   int    `mapstructure:"n_worker_threads"`

	Sources     map[string]SourceConfig     `mapstructure:"sources"`
	AddStores   map[string]StoreConfig      `mapstructure:"add-stores"`
	Connections map[string]ConnectionConfig `mapstructure:"connections"`

	DatabasePath string `mapstructure:"database_path"`

	ObsidInferenceMode string `mapstructure:"obsid_inference_mode"`
	StandingOrderMode  string `mapstructure:"standing_order_mode"`
	PermissionsMode    string `mapstructure:"permissions_mode"`

	LocalDiskStaging *StagingConfig `mapstructure:"local_disk_staging"`

	ReportToMandC bool `mapstructure:"report_to_mandc"`

	Globus GlobusConfig `mapstructure:",squash"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// path is the file the config was loaded from, for Watch.
	path string
}

// Defaults applied before reading the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 21106)
	v.SetDefault("n_server_processes", 1)
	v.SetDefault("n_worker_threads", 8)
	v.SetDefault("obsid_inference_mode", "none")
	v.SetDefault("standing_order_mode", "normal")
	v.SetDefault("permissions_mode", "readwrite")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "librarian.db")
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file this configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if c.SecretKey == "" {
		errs = append(errs, errors.New("secret_key is required"))
	}

	switch c.ObsidInferenceMode {
	case "none", "hera", "so", "_testing":
	default:
		errs = append(errs, fmt.Errorf("unknown obsid_inference_mode %q", c.ObsidInferenceMode))
	}

	switch c.StandingOrderMode {
	case "normal", "disabled", "nighttime":
	default:
		errs = append(errs, fmt.Errorf("unknown standing_order_mode %q", c.StandingOrderMode))
	}

	switch c.PermissionsMode {
	case "readonly", "readwrite":
	default:
		errs = append(errs, fmt.Errorf("unknown permissions_mode %q", c.PermissionsMode))
	}

	for name, sc := range c.AddStores {
		if sc.PathPrefix == "" || !filepath.IsAbs(sc.PathPrefix) {
			errs = append(errs, fmt.Errorf("store %q: path_prefix must be an absolute path", name))
		}
	}

	for name, src := range c.Sources {
		if src.Authenticator == "" {
			errs = append(errs, fmt.Errorf("source %q: authenticator is required", name))
		}
	}

	if c.LocalDiskStaging != nil {
		lds := c.LocalDiskStaging
		if lds.DestPrefix == "" || !filepath.IsAbs(lds.DestPrefix) {
			errs = append(errs, errors.New("local_disk_staging.dest_prefix must be an absolute path"))
		}
		if len(lds.ChownCommand) == 0 {
			errs = append(errs, errors.New("local_disk_staging.chown_command is required"))
		}
	}

	if c.Globus.Enabled && (c.Globus.ClientID == "" || c.Globus.TransferToken == "") {
		errs = append(errs, errors.New("use_globus requires globus_client_id and globus_transfer_token"))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warning", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// SourceForAuthenticator maps an opaque authenticator string to a source
// name. Returns "" when no source matches.
func (c *Config) SourceForAuthenticator(auth string) string {
	if auth == "" {
		return ""
	}
	for name, src := range c.Sources {
		if src.Authenticator == auth {
			return name
		}
	}
	return ""
}

// ReadOnly reports whether mutating operations should be rejected.
func (c *Config) ReadOnly() bool { return c.PermissionsMode == "readonly" }
