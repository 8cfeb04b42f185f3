package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/modelgate/modelgate/internal/build"
	"github.com/modelgate/modelgate/internal/provider"
)

// Load creates a configuration by instantiating a Loader with the given
// options and invoking its Load method.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := NewLoader(opts...)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Loader reads and merges configuration from the config file, the
// environment and an optional .env file.
type Loader struct {
	lock       sync.Mutex
	configFile string
	skipDotEnv bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) {
		l.configFile = configFile
	}
}

// WithoutDotEnv disables .env loading, used in tests.
func WithoutDotEnv() LoaderOption {
	return func(l *Loader) {
		l.skipDotEnv = true
	}
}

// NewLoader creates a Loader and applies the options.
func NewLoader(options ...LoaderOption) *Loader {
	loader := &Loader{}
	for _, option := range options {
		option(loader)
	}
	return loader
}

// definition is the raw shape unmarshalled from viper before resolution.
type definition struct {
	Debug         bool   `mapstructure:"debug"`
	LogFormat     string `mapstructure:"logFormat"`
	TZ            string `mapstructure:"tz"`
	Environment   string `mapstructure:"environment"`
	CanonicalMode bool   `mapstructure:"canonicalMode"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	BasePath string `mapstructure:"basePath"`

	Pricing struct {
		Dir             string `mapstructure:"dir"`
		RefreshSchedule string `mapstructure:"refreshSchedule"`
		RefreshURL      string `mapstructure:"refreshURL"`
	} `mapstructure:"pricing"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Usage struct {
		RecordLimit int `mapstructure:"recordLimit"`
	} `mapstructure:"usage"`

	Timeouts struct {
		RequestSeconds int `mapstructure:"requestSeconds"`
		StreamSeconds  int `mapstructure:"streamSeconds"`
	} `mapstructure:"timeouts"`

	Providers struct {
		Priority []string `mapstructure:"priority"`
		Ollama   struct {
			Enabled bool   `mapstructure:"enabled"`
			BaseURL string `mapstructure:"baseURL"`
		} `mapstructure:"ollama"`
	} `mapstructure:"providers"`
}

// defaultPriority is the provider routing order when the config names
// none.
var defaultPriority = []provider.Type{
	provider.TypeOpenAI,
	provider.TypeAnthropic,
	provider.TypeXAI,
	provider.TypeOpenRouter,
	provider.TypeOllama,
}

// Load initializes viper, reads the configuration sources, and returns a
// built and validated Config.
func (l *Loader) Load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if !l.skipDotEnv {
		// Missing .env is the normal case.
		_ = godotenv.Load()
	}

	v := viper.New()
	l.setupViper(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def definition
	if err := v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def)
	if err != nil {
		return nil, err
	}
	cfg.Global.ConfigPath = v.ConfigFileUsed()
	return cfg, nil
}

func (l *Loader) setupViper(v *viper.Viper) {
	if l.configFile == "" {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/." + build.Slug)
		}
		v.SetConfigName("config")
	} else {
		v.SetConfigFile(l.configFile)
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix(strings.ToUpper(build.Slug))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	l.bindEnvironmentVariables(v)
	l.setDefaultValues(v)
}

// bindEnvironmentVariables binds configuration keys to environment
// variables.
func (l *Loader) bindEnvironmentVariables(v *viper.Viper) {
	// Server configurations
	l.bindEnv(v, "logFormat", "LOG_FORMAT")
	l.bindEnv(v, "basePath", "BASE_PATH")
	l.bindEnv(v, "tz", "TZ")
	l.bindEnv(v, "host", "HOST")
	l.bindEnv(v, "port", "PORT")
	l.bindEnv(v, "debug", "DEBUG")
	l.bindEnv(v, "environment", "ENVIRONMENT")

	// Pricing configurations
	l.bindEnv(v, "pricing.dir", "PRICING_DIR")
	l.bindEnv(v, "pricing.refreshSchedule", "PRICING_REFRESH_SCHEDULE")
	l.bindEnv(v, "pricing.refreshURL", "PRICING_REFRESH_URL")

	// Storage configurations
	l.bindEnv(v, "database.path", "DATABASE_PATH")
	l.bindEnv(v, "usage.recordLimit", "USAGE_RECORD_LIMIT")

	// Timeout configurations
	l.bindEnv(v, "timeouts.requestSeconds", "TIMEOUT_REQUEST_SECONDS")
	l.bindEnv(v, "timeouts.streamSeconds", "TIMEOUT_STREAM_SECONDS")

	// Provider configurations
	l.bindEnv(v, "providers.ollama.enabled", "OLLAMA_ENABLED")
	l.bindEnv(v, "providers.ollama.baseURL", "OLLAMA_BASE_URL")
}

func (l *Loader) bindEnv(v *viper.Viper, key, env string) {
	prefix := strings.ToUpper(build.Slug) + "_"
	_ = v.BindEnv(key, prefix+env)
}

func (l *Loader) setDefaultValues(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("debug", false)
	v.SetDefault("logFormat", "text")
	v.SetDefault("environment", "development")
	v.SetDefault("basePath", "")

	v.SetDefault("pricing.dir", "./pricing")
	v.SetDefault("pricing.refreshSchedule", "")
	v.SetDefault("database.path", "./"+build.Slug+".db")
	v.SetDefault("usage.recordLimit", 100)
	v.SetDefault("timeouts.requestSeconds", 60)
	v.SetDefault("timeouts.streamSeconds", 600)
}

func (l *Loader) buildConfig(def definition) (*Config, error) {
	cfg := &Config{
		Global: Global{
			Debug:         def.Debug,
			LogFormat:     def.LogFormat,
			TZ:            def.TZ,
			Environment:   def.Environment,
			CanonicalMode: def.CanonicalMode || os.Getenv("CANONICAL_MODE") == "1",
		},
		Server: Server{
			Host:     def.Host,
			Port:     def.Port,
			BasePath: strings.TrimSuffix(def.BasePath, "/"),
		},
		Pricing: Pricing{
			Dir:             def.Pricing.Dir,
			RefreshSchedule: def.Pricing.RefreshSchedule,
			RefreshURL:      def.Pricing.RefreshURL,
		},
		Database: Database{Path: def.Database.Path},
		Usage:    Usage{RecordLimit: def.Usage.RecordLimit},
		Timeouts: Timeouts{
			Request: time.Duration(def.Timeouts.RequestSeconds) * time.Second,
			Stream:  time.Duration(def.Timeouts.StreamSeconds) * time.Second,
		},
	}

	priority, err := l.resolvePriority(def.Providers.Priority)
	if err != nil {
		return nil, err
	}
	for _, t := range priority {
		cfg.Providers = append(cfg.Providers, l.resolveProvider(t, def))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (l *Loader) resolvePriority(names []string) ([]provider.Type, error) {
	if len(names) == 0 {
		return defaultPriority, nil
	}
	var out []provider.Type
	for _, name := range names {
		t, err := provider.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid provider in priority list: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// resolveProvider determines the credential state for one provider.
// Ollama needs no key but must be opted into, otherwise every install
// would count as configured and boot validation could never fail.
func (l *Loader) resolveProvider(t provider.Type, def definition) Provider {
	if t == provider.TypeOllama {
		baseURL := def.Providers.Ollama.BaseURL
		if host := os.Getenv("OLLAMA_HOST"); baseURL == "" && host != "" {
			baseURL = host
		}
		return Provider{
			Type:       t,
			BaseURL:    baseURL,
			Configured: def.Providers.Ollama.Enabled || baseURL != "",
		}
	}

	key := provider.GetAPIKeyFromEnv(t)
	return Provider{
		Type:       t,
		APIKey:     key,
		Configured: key != "",
	}
}
