// Package config loads and validates the server configuration.
//
// The configuration is a single file, TOML by default (config.toml) with YAML
// accepted for files ending in .yml or .yaml. The parsed Config is an
// immutable value built once at startup and passed explicitly to every
// component; nothing mutates it after Load returns.
//
// Before decoding, the raw file is checked against a JSON schema generated
// from the Config struct itself, so typos and wrong types fail with a precise
// message instead of silently defaulting.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Server holds the listener settings.
type Server struct {
	Host          string `toml:"host" yaml:"host" json:"host,omitempty"`
	Port          int    `toml:"port" yaml:"port" json:"port,omitempty"`
	Workers       int    `toml:"workers" yaml:"workers" json:"workers,omitempty" jsonschema:"description=number of request workers (defaults to CPU count)"`
	IsBehindProxy bool   `toml:"is_behind_proxy" yaml:"is_behind_proxy" json:"is_behind_proxy,omitempty"`
}

// Logging controls the lgr setup.
type Logging struct {
	StdoutLevel string `toml:"stdout_level" yaml:"stdout_level" json:"stdout_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	File        string `toml:"file,omitempty" yaml:"file,omitempty" json:"file,omitempty"`
	FileLevel   string `toml:"file_level,omitempty" yaml:"file_level,omitempty" json:"file_level,omitempty"`
}

// TLS holds certificate paths. The section is optional; when present the
// server listens with TLS and session cookies get the Secure flag.
type TLS struct {
	CertPath    string `toml:"cert_path" yaml:"cert_path" json:"cert_path,omitempty"`
	PrivkeyPath string `toml:"privkey_path" yaml:"privkey_path" json:"privkey_path,omitempty"`
}

// Registration enables account registration and the token endpoints.
// Absence of the section disables both.
type Registration struct {
	TokenSize            int   `toml:"token_size" yaml:"token_size" json:"token_size,omitempty"`
	TokenDurationSeconds int64 `toml:"token_duration_seconds" yaml:"token_duration_seconds" json:"token_duration_seconds,omitempty"`
}

// Limits bounds request sizes.
type Limits struct {
	FileUploadSize int64 `toml:"file_upload_size" yaml:"file_upload_size" json:"file_upload_size,omitempty"`
	PayloadSize    int64 `toml:"payload_size" yaml:"payload_size" json:"payload_size,omitempty"`
}

// Duration holds session lifetime knobs, all in minutes.
// LoginMinutes is the absolute session deadline, VisitMinutes the inactivity
// deadline; either may be nil to disable the check.
type Duration struct {
	CookieMinutes int64  `toml:"cookie_minutes" yaml:"cookie_minutes" json:"cookie_minutes,omitempty"`
	LoginMinutes  *int64 `toml:"login_minutes,omitempty" yaml:"login_minutes,omitempty" json:"login_minutes,omitempty"`
	VisitMinutes  *int64 `toml:"visit_minutes,omitempty" yaml:"visit_minutes,omitempty" json:"visit_minutes,omitempty"`
}

// CredSize bounds credential shapes. Username bounds are in characters,
// password bounds in bytes.
type CredSize struct {
	MinUsername int `toml:"min_username" yaml:"min_username" json:"min_username,omitempty"`
	MaxUsername int `toml:"max_username" yaml:"max_username" json:"max_username,omitempty"`
	MinPasswd   int `toml:"min_passwd" yaml:"min_passwd" json:"min_passwd,omitempty"`
	MaxPasswd   int `toml:"max_passwd" yaml:"max_passwd" json:"max_passwd,omitempty"`
}

// Config is the complete server configuration.
type Config struct {
	ServerName           string                    `toml:"server_name" yaml:"server_name" json:"server_name,omitempty" jsonschema:"required"`
	Description          string                    `toml:"description" yaml:"description" json:"description,omitempty"`
	URLPrefix            string                    `toml:"url_prefix" yaml:"url_prefix" json:"url_prefix,omitempty"`
	DataDirectory        string                    `toml:"data_directory" yaml:"data_directory" json:"data_directory,omitempty" jsonschema:"required"`
	DatabaseURL          string                    `toml:"database_url,omitempty" yaml:"database_url,omitempty" json:"database_url,omitempty" jsonschema:"description=postgres:// URL to use instead of the sqlite file under data_directory"`
	SessionSecretKeyPath string                    `toml:"session_secret_key_path" yaml:"session_secret_key_path" json:"session_secret_key_path,omitempty" jsonschema:"required"`
	Server               Server                    `toml:"server" yaml:"server" json:"server,omitempty"`
	Logging              Logging                   `toml:"logging" yaml:"logging" json:"logging,omitempty"`
	TLS                  *TLS                      `toml:"tls,omitempty" yaml:"tls,omitempty" json:"tls,omitempty"`
	Registration         *Registration             `toml:"registration,omitempty" yaml:"registration,omitempty" json:"registration,omitempty"`
	Limits               Limits                    `toml:"limits" yaml:"limits" json:"limits,omitempty"`
	Duration             Duration                  `toml:"duration" yaml:"duration" json:"duration,omitempty"`
	CredSize             CredSize                  `toml:"cred_size" yaml:"cred_size" json:"cred_size,omitempty"`
	Plugins              map[string]map[string]any `toml:"plugins,omitempty" yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// Default returns the configuration written by --write-default.
func Default() Config {
	login := int64(43200)
	visit := int64(21600)
	return Config{
		ServerName:           "Tiny Cloud",
		Description:          "A tiny self-hosted personal cloud",
		URLPrefix:            "tcloud",
		DataDirectory:        "./data",
		SessionSecretKeyPath: "./secret.key",
		Server: Server{
			Host:    "127.0.0.1",
			Port:    8080,
			Workers: runtime.NumCPU(),
		},
		Logging: Logging{StdoutLevel: "info"},
		Registration: &Registration{
			TokenSize:            16,
			TokenDurationSeconds: 24 * 60 * 60,
		},
		Limits: Limits{
			FileUploadSize: 1024 * 1024 * 1024,
			PayloadSize:    1024 * 1024,
		},
		Duration: Duration{
			CookieMinutes: 43200,
			LoginMinutes:  &login,
			VisitMinutes:  &visit,
		},
		CredSize: CredSize{
			MinUsername: 3,
			MaxUsername: 10,
			MinPasswd:   9,
			MaxPasswd:   256,
		},
	}
}

// Load reads, validates and decodes the configuration file.
// Format is picked by extension: .yml/.yaml is YAML, anything else TOML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from CLI flag, controlled by admin
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	isYAML := strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")
	if err := validateSchema(data, isYAML); err != nil {
		return Config{}, fmt.Errorf("config file %s is invalid: %w", path, err)
	}

	cfg := Config{}
	if isYAML {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse yaml config: %w", err)
		}
	} else {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse toml config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration as TOML to the given path.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	f, err := os.Create(path) //nolint:gosec // path is from CLI flag, controlled by admin
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close() //nolint:errcheck // error checked on the encoder below

	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return f.Close()
}

// applyDefaults fills zero values that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = runtime.NumCPU()
	}
	if c.Logging.StdoutLevel == "" {
		c.Logging.StdoutLevel = "info"
	}
	if c.Logging.File != "" && c.Logging.FileLevel == "" {
		c.Logging.FileLevel = c.Logging.StdoutLevel
	}
	if c.Registration != nil {
		if c.Registration.TokenSize == 0 {
			c.Registration.TokenSize = 16
		}
		if c.Registration.TokenDurationSeconds == 0 {
			c.Registration.TokenDurationSeconds = 24 * 60 * 60
		}
	}
	if c.Limits.PayloadSize == 0 {
		c.Limits.PayloadSize = 1024 * 1024
	}
	if c.Limits.FileUploadSize == 0 {
		c.Limits.FileUploadSize = 1024 * 1024 * 1024
	}
	if c.Duration.CookieMinutes == 0 {
		c.Duration.CookieMinutes = 43200
	}
	if c.CredSize.MinUsername == 0 {
		c.CredSize.MinUsername = 3
	}
	if c.CredSize.MaxUsername == 0 {
		c.CredSize.MaxUsername = 10
	}
	if c.CredSize.MinPasswd == 0 {
		c.CredSize.MinPasswd = 9
	}
	if c.CredSize.MaxPasswd == 0 {
		c.CredSize.MaxPasswd = 256
	}
}

// check verifies cross-field constraints the schema can't express.
func (c *Config) check() error {
	if c.ServerName == "" {
		return fmt.Errorf("server_name must be set")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("data_directory must be set")
	}
	if c.SessionSecretKeyPath == "" {
		return fmt.Errorf("session_secret_key_path must be set")
	}
	if c.CredSize.MinUsername > c.CredSize.MaxUsername {
		return fmt.Errorf("cred_size: min_username %d exceeds max_username %d", c.CredSize.MinUsername, c.CredSize.MaxUsername)
	}
	if c.CredSize.MinPasswd > c.CredSize.MaxPasswd {
		return fmt.Errorf("cred_size: min_passwd %d exceeds max_passwd %d", c.CredSize.MinPasswd, c.CredSize.MaxPasswd)
	}
	if c.TLS != nil && (c.TLS.CertPath == "" || c.TLS.PrivkeyPath == "") {
		return fmt.Errorf("tls section requires both cert_path and privkey_path")
	}
	if strings.Contains(c.URLPrefix, "/") {
		return fmt.Errorf("url_prefix must be a single path segment, got %q", c.URLPrefix)
	}
	return nil
}

// BaseURL returns the path prefix all routes are mounted under, e.g. "/tcloud".
// Empty url_prefix means routes live at the root.
func (c *Config) BaseURL() string {
	if c.URLPrefix == "" {
		return ""
	}
	return "/" + c.URLPrefix
}

// DBURL returns the database URL: the configured one, or the sqlite file
// under the data directory by default.
func (c *Config) DBURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDirectory, "auth.db")
}

// RegistrationEnabled reports whether registration and token endpoints are on.
func (c *Config) RegistrationEnabled() bool {
	return c.Registration != nil
}

// PluginConfig returns the merged configuration table for a plugin: the
// plugin's defaults overlaid with the plugins.<name> section from the file.
func (c *Config) PluginConfig(name string, defaults map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range c.Plugins[name] {
		merged[k] = v
	}
	return merged
}
