// Package config loads the daemon configuration. Values come from built-in
// defaults, then an optional TOML file, then environment variables (a .env
// file in the working directory is loaded first). The result is validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nfrund/scriptd/internal/pubsub"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store/surreal"
)

// Duration is a time.Duration that reads "1500ms", "2s" or a bare number of
// milliseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

type Surreal struct {
	URL       string `toml:"url" validate:"required,url"`
	Namespace string `toml:"namespace" validate:"required"`
	Database  string `toml:"database" validate:"required"`
	User      string `toml:"user"`
	Pass      string `toml:"pass"`
}

type Log struct {
	Format string `toml:"format" validate:"oneof=text json"`
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
}

type Tracing struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name" validate:"required_if=Enabled true"`
	Version     string `toml:"version"`
	ZipkinURL   string `toml:"zipkin_url" validate:"required_if=Enabled true,omitempty,url"`
}

// Config is the complete daemon configuration.
type Config struct {
	// Instance is the engine id scripts are assigned to.
	Instance string `toml:"instance" validate:"required"`
	// Namespace prefixes the indicator states, for example javascript.0.
	Namespace string `toml:"namespace" validate:"required"`

	StopTimeout    Duration `toml:"stop_timeout"`
	HandlerTimeout Duration `toml:"handler_timeout"`
	MaxAllocs      int64    `toml:"max_allocs" validate:"gte=-1"`
	AllowedModules []string `toml:"allowed_modules"`

	Libraries       []string `toml:"libraries"`
	LibraryAttempts int      `toml:"library_attempts" validate:"min=1"`

	Store   string  `toml:"store" validate:"oneof=memory surreal"`
	Surreal Surreal `toml:"surreal"`

	HTTPAddr     string `toml:"http_addr"`
	ScriptsDir   string `toml:"scripts_dir"`
	WatchScripts bool   `toml:"watch_scripts"`

	Log     Log     `toml:"log"`
	Tracing Tracing `toml:"tracing"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	tc := pubsub.DefaultTracingConfig()
	limits := script.GetDefaultLimits()
	return &Config{
		Instance:        "system.adapter.javascript.0",
		Namespace:       "javascript.0",
		StopTimeout:     Duration{limits.StopTimeout},
		HandlerTimeout:  Duration{limits.HandlerTimeout},
		MaxAllocs:       limits.MaxAllocs,
		AllowedModules:  limits.AllowedModules,
		LibraryAttempts: 3,
		Store:           "memory",
		HTTPAddr:        ":8089",
		Log:             Log{Format: "text", Level: "info"},
		Tracing: Tracing{
			Enabled:     tc.Enabled,
			ServiceName: tc.ServiceName,
			Version:     tc.Version,
			ZipkinURL:   tc.ZipkinURL,
		},
	}
}

// Load builds the configuration. A non-empty path, or SCRIPTD_CONFIG when
// path is empty, names a TOML file to read before the environment.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("SCRIPTD_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			dst.Duration = d
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("SCRIPTD_INSTANCE", &c.Instance)
	str("SCRIPTD_NAMESPACE", &c.Namespace)
	dur("SCRIPTD_STOP_TIMEOUT", &c.StopTimeout)
	dur("SCRIPTD_HANDLER_TIMEOUT", &c.HandlerTimeout)
	integer("SCRIPTD_MAX_ALLOCS", &c.MaxAllocs)
	list("SCRIPTD_ALLOWED_MODULES", &c.AllowedModules)
	list("SCRIPTD_LIBRARIES", &c.Libraries)
	attempts := int64(c.LibraryAttempts)
	integer("SCRIPTD_LIBRARY_ATTEMPTS", &attempts)
	c.LibraryAttempts = int(attempts)
	str("SCRIPTD_STORE", &c.Store)
	str("SURREAL_URL", &c.Surreal.URL)
	str("SURREAL_NS", &c.Surreal.Namespace)
	str("SURREAL_DB", &c.Surreal.Database)
	str("SURREAL_USER", &c.Surreal.User)
	str("SURREAL_PASS", &c.Surreal.Pass)
	str("SCRIPTD_HTTP_ADDR", &c.HTTPAddr)
	str("SCRIPTD_SCRIPTS_DIR", &c.ScriptsDir)
	boolean("SCRIPTD_WATCH_SCRIPTS", &c.WatchScripts)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("PUBSUB_TRACING_ENABLED", &c.Tracing.Enabled)
	str("PUBSUB_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	str("PUBSUB_TRACING_VERSION", &c.Tracing.Version)
	str("PUBSUB_TRACING_ZIPKIN_URL", &c.Tracing.ZipkinURL)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. Surreal settings are only required
// when the surreal store is selected.
func (c *Config) Validate() error {
	if err := validate.StructExcept(c, "Surreal"); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.StopTimeout.Duration <= 0 || c.HandlerTimeout.Duration <= 0 {
		return errors.New("invalid config: timeouts must be positive")
	}
	if c.Store == "surreal" {
		if err := validate.Struct(c.Surreal); err != nil {
			return fmt.Errorf("invalid surreal config: %w", err)
		}
	}
	return nil
}

// Limits returns the per-script execution limits.
func (c *Config) Limits() script.Limits {
	return script.Limits{
		MaxAllocs:      c.MaxAllocs,
		HandlerTimeout: c.HandlerTimeout.Duration,
		StopTimeout:    c.StopTimeout.Duration,
		AllowedModules: append([]string(nil), c.AllowedModules...),
	}
}

// SurrealConfig returns the store connection settings.
func (c *Config) SurrealConfig() surreal.Config {
	return surreal.Config{
		URL:       c.Surreal.URL,
		Namespace: c.Surreal.Namespace,
		Database:  c.Surreal.Database,
		User:      c.Surreal.User,
		Pass:      c.Surreal.Pass,
	}
}

// TracingConfig returns the bus tracing settings.
func (c *Config) TracingConfig() pubsub.TracingConfig {
	return pubsub.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Version:     c.Tracing.Version,
		ZipkinURL:   c.Tracing.ZipkinURL,
	}
}
