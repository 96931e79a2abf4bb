package lightproc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Swind/go-lightproc/core"
	"github.com/Swind/go-lightproc/loadbalancer"
	"github.com/Swind/go-lightproc/placement"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config describes a pool and its ambient setup, usually loaded from YAML:
//
//	pool:
//	  id: workers
//	  workers: 8
//	  queue_capacity_hint: 64
//	load_balancer:
//	  sample_interval: 10ms
//	log:
//	  level: info
type Config struct {
	Pool         PoolConfig         `yaml:"pool"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Log          LogConfig          `yaml:"log"`
}

type PoolConfig struct {
	ID string `yaml:"id"`
	// Workers is the number of worker goroutines; zero means one per execution unit.
	Workers           int `yaml:"workers"`
	QueueCapacityHint int `yaml:"queue_capacity_hint"`
}

type LoadBalancerConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var defaultUnits placement.Enumerator = placement.CoreIDs

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Pool:         PoolConfig{ID: "lightproc"},
		LoadBalancer: LoadBalancerConfig{SampleInterval: loadbalancer.DefaultSampleInterval},
		Log:          LogConfig{Level: "info"},
	}
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("lightproc: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("lightproc: read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Pool.Workers < 0 {
		errs = append(errs, fmt.Errorf("pool.workers must not be negative, got %d", c.Pool.Workers))
	}
	if c.Pool.QueueCapacityHint < 0 {
		errs = append(errs, fmt.Errorf("pool.queue_capacity_hint must not be negative, got %d", c.Pool.QueueCapacityHint))
	}
	if c.LoadBalancer.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("load_balancer.sample_interval must be positive, got %v", c.LoadBalancer.SampleInterval))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("lightproc: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("lightproc: log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NewPoolFromConfig creates a pool described by cfg. The pool is not started.
// A zero worker count uses one worker per execution unit.
func NewPoolFromConfig(cfg Config, opts ...PoolOption) (*ProcPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workers := cfg.Pool.Workers
	if workers == 0 {
		ids, err := defaultUnits()
		if err != nil {
			return nil, err
		}
		workers = len(ids)
	}
	base := []PoolOption{
		WithQueueCapacity(cfg.Pool.QueueCapacityHint),
		WithSampleInterval(cfg.LoadBalancer.SampleInterval),
	}
	return NewProcPool(cfg.Pool.ID, workers, append(base, opts...)...), nil
}

// Setup installs the configured logger as the package logger of core and
// returns it so the caller can Sync it on exit.
func (c Config) Setup() (*zap.Logger, error) {
	z, err := c.NewLogger()
	if err != nil {
		return nil, err
	}
	core.SetLogger(core.NewZapLogger(z))
	return z, nil
}
