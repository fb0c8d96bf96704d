package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	internal "github.com/mariusoe/inspectIT-sub007/cmr"
	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// Config stores all configuration of the buffer service.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Buffer  BufferConfig  `mapstructure:"buffer"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// BufferConfig stores the memory budget and index layout
type BufferConfig struct {
	MaxBytes             uint64        `mapstructure:"maxBytes"`
	EvictionLowWatermark float64       `mapstructure:"evictionLowWatermark"`
	EvictionOccupancy    float64       `mapstructure:"evictionOccupancy"`
	CompactionInterval   time.Duration `mapstructure:"compactionInterval"`
	CompactionRate       float64       `mapstructure:"compactionRate"`
	Profile              string        `mapstructure:"profile"`
	PointerWidth         int           `mapstructure:"pointerWidth"`
	TreeShape            []string      `mapstructure:"treeShape"`
	TimeBucket           time.Duration `mapstructure:"timeBucket"`
}

// StorageConfig stores where evicted elements are persisted
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DSN       string `mapstructure:"dsn"`
	QueueSize int    `mapstructure:"queueSize"`
	BatchSize int    `mapstructure:"batchSize"`
	Workers   int    `mapstructure:"workers"`
}

// LogConfig stores logging options
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("buffer.maxBytes", internal.DefaultMaxBytes)
	v.SetDefault("buffer.evictionLowWatermark", internal.DefaultEvictionLowWatermark)
	v.SetDefault("buffer.evictionOccupancy", internal.DefaultEvictionOccupancy)
	v.SetDefault("buffer.compactionInterval", internal.DefaultCompactionInterval)
	v.SetDefault("buffer.compactionRate", internal.DefaultCompactionRate)
	v.SetDefault("buffer.profile", internal.DefaultProfile)
	v.SetDefault("buffer.pointerWidth", internal.DefaultPointerWidth)
	v.SetDefault("buffer.treeShape", internal.DefaultTreeShape)
	v.SetDefault("buffer.timeBucket", internal.DefaultTimeBucket)
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.dsn", internal.DefaultStorageDSN)
	v.SetDefault("storage.queueSize", internal.DefaultStorageQueueSize)
	v.SetDefault("storage.batchSize", internal.DefaultStorageBatchSize)
	v.SetDefault("storage.workers", internal.DefaultStorageWorkers)
	v.SetDefault("log.level", "info")

	v.AutomaticEnv()                                   // Read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // buffer.maxBytes becomes BUFFER_MAXBYTES

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that viper cannot express
func (c *Config) Validate() error {
	var errs []error
	if c.Buffer.MaxBytes == 0 {
		errs = append(errs, errors.New("buffer.maxBytes must be positive"))
	}
	if c.Buffer.EvictionLowWatermark <= 0 || c.Buffer.EvictionLowWatermark > 1 {
		errs = append(errs, fmt.Errorf("buffer.evictionLowWatermark %v outside (0, 1]", c.Buffer.EvictionLowWatermark))
	}
	if c.Buffer.EvictionOccupancy <= 0 || c.Buffer.EvictionOccupancy > 1 {
		errs = append(errs, fmt.Errorf("buffer.evictionOccupancy %v outside (0, 1]", c.Buffer.EvictionOccupancy))
	}
	if c.Buffer.CompactionInterval <= 0 {
		errs = append(errs, errors.New("buffer.compactionInterval must be positive"))
	}
	if c.Buffer.TimeBucket <= 0 {
		errs = append(errs, errors.New("buffer.timeBucket must be positive"))
	}
	if c.Storage.Enabled {
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage is enabled"))
		}
		if c.Storage.QueueSize <= 0 || c.Storage.BatchSize <= 0 || c.Storage.Workers <= 0 {
			errs = append(errs, errors.New("storage queueSize, batchSize and workers must be positive"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", common.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}
