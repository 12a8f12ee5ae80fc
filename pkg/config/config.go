package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with defaults filled
// in for anything left unset.
type Config struct {
	NodeID  string `yaml:"nodeId" validate:"required"`
	DataDir string `yaml:"dataDir" validate:"required"`

	Cluster      Cluster      `yaml:"cluster"`
	Log          Log          `yaml:"log"`
	HTTP         HTTP         `yaml:"http"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Reconcile    Reconcile    `yaml:"reconcile"`
	Builds       Builds       `yaml:"builds"`
	Budget       Budget       `yaml:"budget"`
	Webhooks     Webhooks     `yaml:"webhooks"`
	Metrics      Metrics      `yaml:"metrics"`
	Retention    Retention    `yaml:"retention"`
	DNS          DNS          `yaml:"dns"`
	Regions      []Region     `yaml:"regions"`
}

// Orchestrator selects the cluster-manager gateway adapter.
type Orchestrator struct {
	Mode       string        `yaml:"mode" validate:"oneof=fake kubernetes"`
	Kubeconfig string        `yaml:"kubeconfig"`
	CacheTTL   time.Duration `yaml:"cacheTtl"`
}

// DNS configures the global routing resolver, served when regions are declared.
type DNS struct {
	ListenAddr string   `yaml:"listenAddr"`
	Upstream   []string `yaml:"upstream"`
}

// Cluster configures raft membership.
type Cluster struct {
	BindAddr  string `yaml:"bindAddr"`
	Bootstrap bool   `yaml:"bootstrap"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// HTTP configures the health and metrics listener.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Reconcile tunes the deployment reconciler.
type Reconcile struct {
	TickInterval time.Duration `yaml:"tickInterval"`
	LeaseTTL     time.Duration `yaml:"leaseTtl"`
	Parallelism  int           `yaml:"parallelism" validate:"min=0"`
}

// Builds tunes the build queue and executor.
type Builds struct {
	Registry          string        `yaml:"registry"`
	Workers           int           `yaml:"workers" validate:"min=0"`
	GlobalConcurrency int           `yaml:"globalConcurrency" validate:"min=0"`
	TenantConcurrency int           `yaml:"tenantConcurrency" validate:"min=0"`
	MaxAttempts       int           `yaml:"maxAttempts" validate:"min=0"`
	LeaseTTL          time.Duration `yaml:"leaseTtl"`
}

// Budget configures admission caps and metering.
type Budget struct {
	DefaultCap    float64            `yaml:"defaultCap" validate:"min=0"`
	Caps          map[string]float64 `yaml:"caps"`
	MeterInterval time.Duration      `yaml:"meterInterval"`
}

// Webhooks tunes the delivery dispatcher.
type Webhooks struct {
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Metrics points the health evaluator at its metrics source.
type Metrics struct {
	PrometheusURL string `yaml:"prometheusUrl"`
}

// Retention bounds how long terminal rows are kept.
type Retention struct {
	Events time.Duration `yaml:"events"`
	Builds time.Duration `yaml:"builds"`
	Sweep  time.Duration `yaml:"sweep"`
}

// Region declares one remote region for multi-region placements.
type Region struct {
	Name     string `yaml:"name" validate:"required"`
	Endpoint string `yaml:"endpoint" validate:"required,url"`
	DataDir  string `yaml:"dataDir"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NodeID:  "loom-1",
		DataDir: "/var/lib/loom",
		Cluster: Cluster{BindAddr: "127.0.0.1:7946", Bootstrap: true},
		Log:     Log{Level: "info"},
		HTTP:    HTTP{Addr: ":9090"},
		Orchestrator: Orchestrator{
			Mode:     "fake",
			CacheTTL: 5 * time.Second,
		},
		Reconcile: Reconcile{
			TickInterval: 2 * time.Second,
			LeaseTTL:     30 * time.Second,
			Parallelism:  4,
		},
		Builds: Builds{
			Registry:          "registry.local",
			Workers:           2,
			GlobalConcurrency: 8,
			TenantConcurrency: 2,
			MaxAttempts:       3,
			LeaseTTL:          5 * time.Minute,
		},
		Budget:   Budget{MeterInterval: time.Minute},
		Webhooks: Webhooks{PollInterval: 2 * time.Second},
		Retention: Retention{
			Events: 30 * 24 * time.Hour,
			Builds: 30 * 24 * time.Hour,
			Sweep:  time.Hour,
		},
		DNS: DNS{ListenAddr: "127.0.0.1:5353"},
	}
}

// Load reads, merges over defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for admission.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, r := range c.Regions {
		if seen[r.Name] {
			return fmt.Errorf("invalid config: region %q declared twice", r.Name)
		}
		seen[r.Name] = true
	}
	for tenant, cap := range c.Budget.Caps {
		if cap < 0 {
			return fmt.Errorf("invalid config: negative budget cap for tenant %q", tenant)
		}
	}
	return nil
}
