package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/barnr/internal/env"
	"github.com/loykin/barnr/internal/logger"
	"github.com/loykin/barnr/internal/store"
	"github.com/loykin/barnr/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. BARNR_LOOP_INTERVAL or
// BARNR_SERVER_BINARY.
const EnvPrefix = "BARNR"

// Config represents the TOML configuration file.
type Config struct {
	DataDir        string        `toml:"data_dir" mapstructure:"data_dir"`
	BarnDir        string        `toml:"barn_dir" mapstructure:"barn_dir"`
	DBsDir         string        `toml:"dbs_dir" mapstructure:"dbs_dir"`
	LoopInterval   time.Duration `toml:"loop_interval" mapstructure:"loop_interval"`
	ReconcileDelay time.Duration `toml:"reconcile_delay" mapstructure:"reconcile_delay"`
	DefaultPort    int           `toml:"default_port" mapstructure:"default_port"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Bridge  BridgeConfig  `toml:"bridge" mapstructure:"bridge"`
	Backup  BackupConfig  `toml:"backup" mapstructure:"backup"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	HTTP    HTTPConfig    `toml:"http" mapstructure:"http"`
}

type ServerConfig struct {
	Binary string `toml:"binary" mapstructure:"binary"`
}

type BridgeConfig struct {
	Binary string   `toml:"binary" mapstructure:"binary"`
	Args   []string `toml:"args" mapstructure:"args"`
}

type BackupConfig struct {
	// GlobalInterval is the number of ticks between global sweeps; <= 0 disables them.
	GlobalInterval    int    `toml:"global_interval" mapstructure:"global_interval"`
	DefaultPostScript string `toml:"default_post_script" mapstructure:"default_post_script"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type StoreConfig struct {
	Type string `toml:"type" mapstructure:"type"`
	Path string `toml:"path" mapstructure:"path"`
	DSN  string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	// DSN selects a history sink: sqlite://, postgres://, clickhouse:// or opensearch://.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HTTPConfig struct {
	// Listen enables the read-only status server, e.g. "127.0.0.1:7987".
	Listen string    `toml:"listen" mapstructure:"listen"`
	TLS    TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".")
	v.SetDefault("barn_dir", "")
	v.SetDefault("dbs_dir", "")
	v.SetDefault("loop_interval", "1h")
	v.SetDefault("reconcile_delay", "400ms")
	v.SetDefault("default_port", 7777)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("server.binary", "./toaststunt/build/moo")
	v.SetDefault("bridge.binary", "node")
	v.SetDefault("bridge.args", []string{"node_modules/@digibear/socket-bridge/socket-bridge.js"})

	v.SetDefault("backup.global_interval", 24)
	v.SetDefault("backup.default_post_script", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("history.dsn", "")
	v.SetDefault("http.listen", "")
	v.SetDefault("http.tls.enabled", false)
	v.SetDefault("http.tls.dir", "")
	v.SetDefault("http.tls.auto_generate", false)
	v.SetDefault("http.tls.min_version", "1.3")
}

// Load reads path (optional) over the defaults, applies BARNR_* environment
// overrides and resolves relative directories against the config file's
// directory, or the working directory when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		base = filepath.Dir(abs)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.resolve(base)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	c.DataDir = abs(c.DataDir)
	if c.BarnDir == "" {
		c.BarnDir = filepath.Join(c.DataDir, "barn")
	}
	if c.DBsDir == "" {
		c.DBsDir = filepath.Join(c.DataDir, "dbs")
	}
	c.BarnDir, c.DBsDir = abs(c.BarnDir), abs(c.DBsDir)
	c.Log.File = abs(c.Log.File)
	if c.HTTP.TLS.Enabled && c.HTTP.TLS.Dir == "" && c.HTTP.TLS.CertFile == "" {
		c.HTTP.TLS.Dir = filepath.Join(c.DataDir, "tls")
	}
	c.HTTP.TLS.Dir = abs(c.HTTP.TLS.Dir)
	c.HTTP.TLS.CertFile, c.HTTP.TLS.KeyFile = abs(c.HTTP.TLS.CertFile), abs(c.HTTP.TLS.KeyFile)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = abs(f)
	}
	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	switch c.Store.Type {
	case "file":
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(c.DataDir, "state.json")
		}
		c.Store.Path = abs(c.Store.Path)
	case "sqlite":
		if c.Store.Path == "" && c.Store.DSN == "" {
			c.Store.Path = filepath.Join(c.DataDir, "state.db")
		}
		c.Store.Path = abs(c.Store.Path)
	}
	// A bare binary name is looked up in PATH; only paths are resolved.
	if strings.ContainsRune(c.Server.Binary, filepath.Separator) {
		c.Server.Binary = abs(c.Server.Binary)
	}
}

// Validate checks values that would make the supervisor misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.LoopInterval < 0 {
		errs = append(errs, fmt.Errorf("loop_interval must not be negative"))
	}
	if c.ReconcileDelay < 0 {
		errs = append(errs, fmt.Errorf("reconcile_delay must not be negative"))
	}
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("default_port %d out of range", c.DefaultPort))
	}
	if c.Server.Binary == "" {
		errs = append(errs, fmt.Errorf("server.binary is required"))
	}
	switch c.Log.Format {
	case string(logger.FormatText), string(logger.FormatJSON):
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if t := c.HTTP.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, fmt.Errorf("http.tls needs both cert_file and key_file"))
	}
	known := false
	for _, t := range store.SupportedTypes() {
		if t == c.Store.Type {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("store.type %q not one of %v", c.Store.Type, store.SupportedTypes()))
	}
	return errors.Join(errs...)
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(c.Log.Format),
			Color:      c.Log.Color,
			TimeStamps: c.Log.Timestamps,
		},
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// StateStore returns the scheduler state store configuration.
func (c *Config) StateStore() store.Config {
	return store.Config{Type: c.Store.Type, Path: c.Store.Path, DSN: c.Store.DSN}
}

// TLS returns the status server TLS configuration.
func (c *Config) TLS() tls.Config {
	t := c.HTTP.TLS
	return tls.Config{
		Enabled:      t.Enabled,
		CertFile:     t.CertFile,
		KeyFile:      t.KeyFile,
		Dir:          t.Dir,
		AutoGenerate: t.AutoGenerate,
		Hosts:        t.Hosts,
		ValidDays:    t.ValidDays,
		MinVersion:   t.MinVersion,
	}
}

// GlobalEnv builds the environment handed to children. Precedence: OS env
// (when use_os_env), then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	e.UseOS = c.UseOSEnv
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.Apply(c.Env)
	return e, nil
}
