package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cc-client/internal/core"
	"cc-client/internal/security"
)

const (
	DefaultBaseURL  = "http://127.0.0.1:18080"
	DefaultToken    = "admin-dev-token"
	DefaultDebounce = time.Second
	DefaultCols     = 120
	DefaultRows     = 30

	envPrefix  = "CC_CLIENT"
	configName = ".cc-client"
)

// Config is the value object handed to the engine. It is never read from
// globals after construction.
type Config struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	TLSSkipVerify   bool          `mapstructure:"tls_skip_verify"`
	DenyLoopback    bool          `mapstructure:"deny_loopback"`
	RefreshDebounce time.Duration `mapstructure:"refresh_debounce"`
	Cols            int           `mapstructure:"cols"`
	Rows            int           `mapstructure:"rows"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
}

func Default() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Token:           DefaultToken,
		RefreshDebounce: DefaultDebounce,
		Cols:            DefaultCols,
		Rows:            DefaultRows,
		LogLevel:        "info",
	}
}

func (c Config) Validate() error {
	if err := security.ValidateBaseURL(c.BaseURL); err != nil {
		return fmt.Errorf("base_url %q: %w", c.BaseURL, err)
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("token required")
	}
	if c.RefreshDebounce < 0 {
		return errors.New("refresh_debounce must not be negative")
	}
	if c.Cols <= 0 || c.Rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", c.Cols, c.Rows)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Normalize trims whitespace and a trailing slash from the base URL.
func (c Config) Normalize() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	return c
}

// Settings is the subset of the configuration the synchronizer runs on.
func (c Config) Settings() core.Settings {
	return core.Settings{
		BaseURL:         c.BaseURL,
		Token:           c.Token,
		TLSSkipVerify:   c.TLSSkipVerify,
		DenyLoopback:    c.DenyLoopback,
		RefreshDebounce: c.RefreshDebounce,
		Cols:            c.Cols,
		Rows:            c.Rows,
	}
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a viper instance with defaults and environment bindings.
// Besides CC_CLIENT_*, the control plane's own variable names are honored.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("token", d.Token)
	v.SetDefault("tls_skip_verify", d.TLSSkipVerify)
	v.SetDefault("deny_loopback", d.DenyLoopback)
	v.SetDefault("refresh_debounce", d.RefreshDebounce)
	v.SetDefault("cols", d.Cols)
	v.SetDefault("rows", d.Rows)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("metrics_addr", d.MetricsAddr)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("base_url", envPrefix+"_BASE_URL", "CONTROL_URL")
	_ = v.BindEnv("token", envPrefix+"_TOKEN", "UI_TOKEN")
	_ = v.BindEnv("tls_skip_verify", envPrefix+"_TLS_SKIP_VERIFY", "TLS_SKIP_VERIFY")
	return v
}

// RegisterFlags adds the persistent flags that override file and env values.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("base-url", DefaultBaseURL, "control plane base url")
	fs.String("token", DefaultToken, "ui bearer token")
	fs.Bool("tls-skip-verify", false, "skip TLS certificate verification (development only)")
	fs.Bool("deny-loopback", false, "refuse to auto-connect to a loopback base url")
	fs.Duration("refresh-debounce", DefaultDebounce, "quiet window before a push-triggered session refresh")
	fs.Int("cols", DefaultCols, "initial terminal columns")
	fs.Int("rows", DefaultRows, "initial terminal rows")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-file", "", "write logs to this file")
	fs.String("metrics-addr", "", "debug server listen address (empty disables)")
}

// BindFlags binds the flags from RegisterFlags. Only flags the user set
// take precedence over the file and environment.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, name := range map[string]string{
		"base_url":         "base-url",
		"token":            "token",
		"tls_skip_verify":  "tls-skip-verify",
		"deny_loopback":    "deny-loopback",
		"refresh_debounce": "refresh-debounce",
		"cols":             "cols",
		"rows":             "rows",
		"log_level":        "log-level",
		"log_file":         "log-file",
		"metrics_addr":     "metrics-addr",
	} {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the optional config file and returns the validated Config.
// With an empty path, $HOME/.cc-client.yaml is used when it exists.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the re-decoded config whenever the config file
// changes. Invalid files are reported through err and should be ignored.
func Watch(v *viper.Viper, fn func(cfg Config, err error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Debug("config file changed", "path", filepath.Clean(e.Name), "op", e.Op.String())
		fn(decode(v))
	})
	v.WatchConfig()
}
