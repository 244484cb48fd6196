package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/openmined/syftmirror/internal/backend"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// provider names end up in keys and comma joined journal columns
var providerNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const (
	DefaultDebounceMs           = 1000
	DefaultStabilityThresholdMs = 1000
	DefaultRetryAttempts        = 5
	DefaultRetryScanIntervalMs  = 5000
	DefaultRetryBaseDelayMs     = 1000
	DefaultRetryMaxDelayMs      = 5 * 60 * 1000
	DefaultMaxFileSizeBytes     = 100 << 20
	DefaultMaxConcurrentFiles   = 4
	DefaultDrainTimeoutMs       = 30 * 1000
	DefaultControlPlaneAddr     = "127.0.0.1:7939"
	DefaultConfigName           = "config.yaml"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".syftmirror")
	DefaultConfigPath = filepath.Join(DefaultDataDir, DefaultConfigName)
)

type Config struct {
	Directories          []string           `mapstructure:"directories" yaml:"directories"`
	IgnorePatterns       []string           `mapstructure:"ignorePatterns" yaml:"ignorePatterns,omitempty"`
	Providers            []ProviderConfig   `mapstructure:"providers" yaml:"providers"`
	MaxFileSizeBytes     int64              `mapstructure:"maxFileSizeBytes" yaml:"maxFileSizeBytes"`
	RetryAttempts        int                `mapstructure:"retryAttempts" yaml:"retryAttempts"`
	DebounceMs           int                `mapstructure:"debounceMs" yaml:"debounceMs"`
	RetryScanIntervalMs  int                `mapstructure:"retryScanIntervalMs" yaml:"retryScanIntervalMs"`
	StabilityThresholdMs int                `mapstructure:"stabilityThresholdMs" yaml:"stabilityThresholdMs"`
	RetryBaseDelayMs     int                `mapstructure:"retryBaseDelayMs" yaml:"retryBaseDelayMs"`
	RetryMaxDelayMs      int                `mapstructure:"retryMaxDelayMs" yaml:"retryMaxDelayMs"`
	MaxConcurrentFiles   int                `mapstructure:"maxConcurrentFiles" yaml:"maxConcurrentFiles"`
	DrainTimeoutMs       int                `mapstructure:"drainTimeoutMs" yaml:"drainTimeoutMs"`
	DataDir              string             `mapstructure:"dataDir" yaml:"dataDir"`
	ControlPlane         ControlPlaneConfig `mapstructure:"controlPlane" yaml:"controlPlane"`
	Path                 string             `mapstructure:"-" yaml:"-"`
}

type ProviderConfig struct {
	Name     string            `mapstructure:"name" yaml:"name"`
	Type     string            `mapstructure:"type" yaml:"type"`
	RootPath string            `mapstructure:"rootPath" yaml:"rootPath"`
	Enabled  bool              `mapstructure:"enabled" yaml:"enabled"`
	S3       *backend.S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

type ControlPlaneConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
}

// Default returns a config with every tunable set and no directories or providers
func Default() *Config {
	return &Config{
		MaxFileSizeBytes:     DefaultMaxFileSizeBytes,
		RetryAttempts:        DefaultRetryAttempts,
		DebounceMs:           DefaultDebounceMs,
		RetryScanIntervalMs:  DefaultRetryScanIntervalMs,
		StabilityThresholdMs: DefaultStabilityThresholdMs,
		RetryBaseDelayMs:     DefaultRetryBaseDelayMs,
		RetryMaxDelayMs:      DefaultRetryMaxDelayMs,
		MaxConcurrentFiles:   DefaultMaxConcurrentFiles,
		DrainTimeoutMs:       DefaultDrainTimeoutMs,
		DataDir:              DefaultDataDir,
		ControlPlane: ControlPlaneConfig{
			Addr: DefaultControlPlaneAddr,
		},
	}
}

// SetDefaults registers the defaults with v so env vars and flags can override them
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("maxFileSizeBytes", d.MaxFileSizeBytes)
	v.SetDefault("retryAttempts", d.RetryAttempts)
	v.SetDefault("debounceMs", d.DebounceMs)
	v.SetDefault("retryScanIntervalMs", d.RetryScanIntervalMs)
	v.SetDefault("stabilityThresholdMs", d.StabilityThresholdMs)
	v.SetDefault("retryBaseDelayMs", d.RetryBaseDelayMs)
	v.SetDefault("retryMaxDelayMs", d.RetryMaxDelayMs)
	v.SetDefault("maxConcurrentFiles", d.MaxConcurrentFiles)
	v.SetDefault("drainTimeoutMs", d.DrainTimeoutMs)
	v.SetDefault("dataDir", d.DataDir)
	v.SetDefault("controlPlane.enabled", d.ControlPlane.Enabled)
	v.SetDefault("controlPlane.addr", d.ControlPlane.Addr)
}

// FromViper decodes and validates the config held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a config file from path with defaults applied underneath it
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read %q: %w", path, err)
	}
	return FromViper(v)
}

func (c *Config) Validate() error {
	if len(c.Directories) == 0 {
		return fmt.Errorf("%w: at least one directory is required", ErrInvalidConfig)
	}

	names := make(map[string]string, len(c.Directories))
	for i, dir := range c.Directories {
		abs, err := utils.ResolvePath(dir)
		if err != nil {
			return fmt.Errorf("%w: directory %q: %w", ErrInvalidConfig, dir, err)
		}
		// the base name becomes the key prefix so it has to be unique
		base := filepath.Base(abs)
		if prev, ok := names[base]; ok {
			return fmt.Errorf("%w: directories %q and %q share the name %q", ErrInvalidConfig, prev, abs, base)
		}
		names[base] = abs
		c.Directories[i] = abs
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("%w: at least one provider is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%w: duplicate provider name %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	switch {
	case c.MaxFileSizeBytes <= 0:
		return fmt.Errorf("%w: maxFileSizeBytes must be positive", ErrInvalidConfig)
	case c.RetryAttempts < 1:
		return fmt.Errorf("%w: retryAttempts must be at least 1", ErrInvalidConfig)
	case c.DebounceMs < 0, c.StabilityThresholdMs < 0:
		return fmt.Errorf("%w: debounceMs and stabilityThresholdMs cannot be negative", ErrInvalidConfig)
	case c.RetryScanIntervalMs <= 0:
		return fmt.Errorf("%w: retryScanIntervalMs must be positive", ErrInvalidConfig)
	case c.RetryBaseDelayMs <= 0 || c.RetryMaxDelayMs < c.RetryBaseDelayMs:
		return fmt.Errorf("%w: retry delays must satisfy 0 < retryBaseDelayMs <= retryMaxDelayMs", ErrInvalidConfig)
	case c.MaxConcurrentFiles < 1:
		return fmt.Errorf("%w: maxConcurrentFiles must be at least 1", ErrInvalidConfig)
	case c.DrainTimeoutMs < 0:
		return fmt.Errorf("%w: drainTimeoutMs cannot be negative", ErrInvalidConfig)
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("%w: dataDir: %w", ErrInvalidConfig, err)
	}
	c.DataDir = dataDir

	if c.ControlPlane.Enabled && c.ControlPlane.Addr == "" {
		return fmt.Errorf("%w: controlPlane.addr is required when the control plane is enabled", ErrInvalidConfig)
	}

	return nil
}

func (p *ProviderConfig) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: provider name is required", ErrInvalidConfig)
	}
	if !providerNameRe.MatchString(p.Name) {
		return fmt.Errorf("%w: provider name %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidConfig, p.Name)
	}

	switch p.Type {
	case backend.TypeLocal:
		if p.RootPath == "" {
			return fmt.Errorf("%w: provider %q: rootPath is required", ErrInvalidConfig, p.Name)
		}
		abs, err := utils.ResolvePath(p.RootPath)
		if err != nil {
			return fmt.Errorf("%w: provider %q: %w", ErrInvalidConfig, p.Name, err)
		}
		p.RootPath = abs
	case backend.TypeS3:
		if p.S3 == nil || p.S3.Bucket == "" {
			return fmt.Errorf("%w: provider %q: s3.bucket is required", ErrInvalidConfig, p.Name)
		}
		if p.S3.Region == "" {
			return fmt.Errorf("%w: provider %q: s3.region is required", ErrInvalidConfig, p.Name)
		}
		if (p.S3.AccessKey == "") != (p.S3.SecretKey == "") {
			return fmt.Errorf("%w: provider %q: s3.accessKey and s3.secretKey go together", ErrInvalidConfig, p.Name)
		}
	default:
		return fmt.Errorf("%w: provider %q: unknown type %q", ErrInvalidConfig, p.Name, p.Type)
	}
	return nil
}

// BackendOptions converts the provider entry into backend construction options
func (p ProviderConfig) BackendOptions() backend.Options {
	return backend.Options{
		Name:     p.Name,
		Type:     p.Type,
		RootPath: p.RootPath,
		S3:       p.S3,
	}
}

func (c *Config) Debounce() time.Duration {
	return ms(c.DebounceMs)
}

func (c *Config) StabilityThreshold() time.Duration {
	return ms(c.StabilityThresholdMs)
}

func (c *Config) RetryScanInterval() time.Duration {
	return ms(c.RetryScanIntervalMs)
}

func (c *Config) RetryBaseDelay() time.Duration {
	return ms(c.RetryBaseDelayMs)
}

func (c *Config) RetryMaxDelay() time.Duration {
	return ms(c.RetryMaxDelayMs)
}

func (c *Config) DrainTimeout() time.Duration {
	return ms(c.DrainTimeoutMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}
