// Package shared provides the configuration shared by perfharness commands.
package shared

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultMatrix     = "experiments.yaml"
	DefaultResultsDir = "results"
	DefaultConfigName = "perfharness"
	DefaultMQTTTopic  = "perfharness"
	EnvPrefix         = "PERFHARNESS"
)

// MQTTConfig selects the optional progress broker.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// Config holds the global configuration for perfharness. Zero values for
// Repetitions and Timeout, and an unset Seed, mean "use the matrix defaults".
// Timeout takes duration strings such as "90s" or "10m".
type Config struct {
	Matrix          string        `mapstructure:"matrix"`
	ResultsDir      string        `mapstructure:"results_dir"`
	Repetitions     int           `mapstructure:"repetitions"`
	FirstRepetition int           `mapstructure:"first_repetition"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Seed            int64         `mapstructure:"seed"`
	Ledger          bool          `mapstructure:"ledger"`
	SaveProblems    bool          `mapstructure:"save_problems"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`
	MQTT            MQTTConfig    `mapstructure:"mqtt"`

	// SeedSet is true when a seed was configured explicitly, so that 0 is
	// a usable seed.
	SeedSet bool `mapstructure:"-"`
	// ConfigFile is the configuration file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// NewViper returns a viper instance with perfharness defaults and
// environment binding (PERFHARNESS_RESULTS_DIR, PERFHARNESS_MQTT_BROKER, ...).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("matrix", DefaultMatrix)
	v.SetDefault("results_dir", DefaultResultsDir)
	v.SetDefault("repetitions", 0)
	v.SetDefault("first_repetition", 0)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("ledger", true)
	v.SetDefault("save_problems", false)
	v.SetDefault("log_level", "")
	v.SetDefault("log_file", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", DefaultMQTTTopic)
	v.SetDefault("mqtt.client_id", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Registers the key for Unmarshal without giving it a default.
	_ = v.BindEnv("seed")
	return v
}

// Load reads the optional configuration file and decodes the merged
// settings. configFile may be empty, in which case perfharness.yaml is
// looked up in the working directory.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// seed has no default, so IsSet only sees flags, env and the file.
	cfg.SeedSet = v.IsSet("seed")
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values viper cannot check for us.
func (c *Config) Validate() error {
	if c.Repetitions < 0 {
		return fmt.Errorf("repetitions must not be negative, got %d", c.Repetitions)
	}
	if c.FirstRepetition < 0 {
		return fmt.Errorf("first_repetition must not be negative, got %d", c.FirstRepetition)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if strings.TrimSpace(c.ResultsDir) == "" {
		return fmt.Errorf("results_dir must not be empty")
	}
	return nil
}

// StorePath returns the result store of experiment.
func (c *Config) StorePath(experiment string) string {
	return filepath.Join(c.ResultsDir, experiment+".csv")
}

// LedgerPath returns the run ledger database path.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.ResultsDir, "ledger.db")
}

// ReportDir is where per-view comparison tables are written.
func (c *Config) ReportDir() string {
	return filepath.Join(c.ResultsDir, "report")
}

// ProblemsDir is where generated problems are kept when SaveProblems is on.
func (c *Config) ProblemsDir() string {
	return filepath.Join(c.ResultsDir, "problems")
}

// WorkDir is the root of the per-instance working directories.
func (c *Config) WorkDir() string {
	return filepath.Join(c.ResultsDir, ".work")
}
