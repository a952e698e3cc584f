package qsdk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	BaseURL        string        `mapstructure:"baseUrl"`
	Model          string        `mapstructure:"model"`
	PollInterval   time.Duration `mapstructure:"pollInterval"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	LogLevel       string        `mapstructure:"logLevel"`

	v *viper.Viper // instance-specific viper
}

const (
	EnvPrefix  = "RUNBOOK"
	ConfigName = "runbook"
	ConfigRoot = ".runbook"

	BaseUrlKey        = "baseUrl"
	ModelKey          = "model"
	PollIntervalKey   = "pollInterval"
	RequestTimeoutKey = "requestTimeout"
	LogLevelKey       = "logLevel"

	DefaultBaseURL = "http://localhost:8080"
	DefaultModel   = "dbrx-instruct"
)

// LoadConfig creates a new Config instance with its own viper.
// Precedence: env (RUNBOOK_*) > .runbook/config.yaml > runbook.yaml > defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{BaseUrlKey, ModelKey, PollIntervalKey, RequestTimeoutKey, LogLevelKey} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		// Project config (tracked)
		for _, name := range []string{ConfigName + ".yaml", ConfigName + ".yml", "." + ConfigName + ".yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err == nil {
					break
				}
			}
		}

		// Local overrides (untracked)
		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", PollIntervalKey, cfg.PollInterval)
	}

	cfg.v = v
	return &cfg, nil
}

// Get returns a value from the underlying viper instance.
func (c *Config) Get(key string) interface{} {
	if c.v == nil {
		return nil
	}
	return c.v.Get(key)
}

func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// Viper returns the underlying viper instance, e.g. for BindPFlags.
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Reload re-reads the typed fields after flags were bound to the viper.
func (c *Config) Reload() error {
	if c.v == nil {
		return nil
	}
	keep := c.v
	if err := c.v.Unmarshal(c); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.v = keep
	return nil
}

func setDefaults(v *viper.Viper) {
	if !v.IsSet(BaseUrlKey) {
		v.SetDefault(BaseUrlKey, DefaultBaseURL)
	} else {
		normalized := strings.TrimRight(v.GetString(BaseUrlKey), "/")
		v.Set(BaseUrlKey, normalized)
	}

	v.SetDefault(ModelKey, DefaultModel)
	v.SetDefault(PollIntervalKey, "5s")
	v.SetDefault(RequestTimeoutKey, "30s")
	v.SetDefault(LogLevelKey, "info")
}

// ConfigFileUsed returns the config file that was used (if any)
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}
