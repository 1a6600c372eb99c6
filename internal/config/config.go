package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"jobline/internal/route"
	"jobline/internal/schema"
)

// Config models jobline.yml. It is loaded once at startup, validated eagerly,
// and passed by reference into each component's constructor; nothing mutates
// it afterwards.
type Config struct {
	Budget   BudgetConfig             `yaml:"budget"`
	Costs    CostTable                `yaml:"costs"`
	Breakers BreakerSet               `yaml:"breakers"`
	Queue    QueueConfig              `yaml:"queue"`
	Routing  RoutingConfig            `yaml:"routing"`
	Schemas  map[string]schema.Schema `yaml:"schemas"`
	Workers  map[string]WorkerConfig  `yaml:"workers"`
	Auth     AuthConfig               `yaml:"auth"`
}

type BudgetConfig struct {
	DailyCap   float64 `yaml:"daily_cap"`
	MonthlyCap float64 `yaml:"monthly_cap"`
	Timezone   string  `yaml:"timezone"`
}

// CostTable is the static estimate lookup: per-service operation tables with
// per-service and global defaults.
type CostTable struct {
	Default  float64                `yaml:"default"`
	Services map[string]ServiceCost `yaml:"services"`
}

type ServiceCost struct {
	Default    float64            `yaml:"default"`
	Operations map[string]float64 `yaml:"operations"`
}

// Estimate returns the configured cost estimate for a service operation.
func (t CostTable) Estimate(service, operation string) float64 {
	if svc, ok := t.Services[service]; ok {
		if amount, ok := svc.Operations[operation]; ok {
			return amount
		}
		if svc.Default > 0 {
			return svc.Default
		}
	}
	return t.Default
}

// BreakerConfig holds one circuit breaker's tuning. Durations are milliseconds
// in YAML to match the original budget configuration shape.
type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	CallTimeoutMs    int64  `yaml:"call_timeout_ms"`
	ResetTimeoutMs   int64  `yaml:"reset_timeout_ms"`
}

func (b BreakerConfig) CallTimeout() time.Duration  { return time.Duration(b.CallTimeoutMs) * time.Millisecond }
func (b BreakerConfig) ResetTimeout() time.Duration { return time.Duration(b.ResetTimeoutMs) * time.Millisecond }

// BreakerSet is a shared default plus per-service overrides.
type BreakerSet struct {
	Default  BreakerConfig            `yaml:"default"`
	Services map[string]BreakerConfig `yaml:"services"`
}

// For returns the breaker config for a service, falling back to the default.
func (s BreakerSet) For(service string) BreakerConfig {
	if cfg, ok := s.Services[service]; ok {
		if cfg.FailureThreshold == 0 {
			cfg.FailureThreshold = s.Default.FailureThreshold
		}
		if cfg.CallTimeoutMs == 0 {
			cfg.CallTimeoutMs = s.Default.CallTimeoutMs
		}
		if cfg.ResetTimeoutMs == 0 {
			cfg.ResetTimeoutMs = s.Default.ResetTimeoutMs
		}
		return cfg
	}
	return s.Default
}

type QueueConfig struct {
	MaxAttempts     int   `yaml:"max_attempts"`
	DrainBatch      int   `yaml:"drain_batch"`
	DrainIntervalMs int64 `yaml:"drain_interval_ms"`
}

func (q QueueConfig) DrainInterval() time.Duration {
	return time.Duration(q.DrainIntervalMs) * time.Millisecond
}

type RoutingConfig struct {
	DefaultWorker string       `yaml:"default_worker"`
	Rules         []route.Rule `yaml:"rules"`
}

// WorkerConfig declares one downstream execution backend. Service is the
// budget/breaker scope the worker's calls are metered under.
type WorkerConfig struct {
	Kind      string            `yaml:"kind"` // http or static
	Service   string            `yaml:"service"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	TimeoutMs int64             `yaml:"timeout_ms,omitempty"`
}

type AuthConfig struct {
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// Load reads and validates config from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with jl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Budget.Timezone == "" {
		c.Budget.Timezone = "UTC"
	}
	if c.Breakers.Default.FailureThreshold == 0 {
		c.Breakers.Default.FailureThreshold = 5
	}
	if c.Breakers.Default.CallTimeoutMs == 0 {
		c.Breakers.Default.CallTimeoutMs = 30000
	}
	if c.Breakers.Default.ResetTimeoutMs == 0 {
		c.Breakers.Default.ResetTimeoutMs = 15000
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.DrainBatch == 0 {
		c.Queue.DrainBatch = 20
	}
	if c.Queue.DrainIntervalMs == 0 {
		c.Queue.DrainIntervalMs = 5000
	}
	if c.Costs.Default == 0 {
		c.Costs.Default = 0.01
	}
}

// Validate ensures the config is internally consistent: every routing target
// is a declared worker, every worker has a service key, the budget timezone
// parses.
func (c *Config) Validate() error {
	if c.Budget.DailyCap <= 0 {
		return fmt.Errorf("config.budget.daily_cap must be positive")
	}
	if c.Budget.MonthlyCap <= 0 {
		return fmt.Errorf("config.budget.monthly_cap must be positive")
	}
	if c.Budget.MonthlyCap < c.Budget.DailyCap {
		return fmt.Errorf("config.budget.monthly_cap is below daily_cap")
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		return fmt.Errorf("config.budget.timezone: %w", err)
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("config.workers is required")
	}
	for id, w := range c.Workers {
		if w.Service == "" {
			return fmt.Errorf("worker %s has no service key", id)
		}
		switch w.Kind {
		case "http":
			if w.URL == "" {
				return fmt.Errorf("worker %s: http workers need a url", id)
			}
		case "static":
		default:
			return fmt.Errorf("worker %s has unknown kind %q", id, w.Kind)
		}
	}
	if c.Routing.DefaultWorker == "" {
		return fmt.Errorf("config.routing.default_worker is required")
	}
	if _, ok := c.Workers[c.Routing.DefaultWorker]; !ok {
		return fmt.Errorf("default worker %s not declared in config.workers", c.Routing.DefaultWorker)
	}
	for i, rule := range c.Routing.Rules {
		if _, ok := c.Workers[rule.Worker]; !ok {
			return fmt.Errorf("routing rule %d targets undeclared worker %s", i, rule.Worker)
		}
	}
	if _, err := route.New(c.Routing.Rules, c.Routing.DefaultWorker); err != nil {
		return err
	}
	if len(c.Schemas) == 0 {
		return fmt.Errorf("config.schemas is required")
	}
	return nil
}

// Location returns the parsed budget timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Budget.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ToYAML serializes the config, used by `jl config show` and `jl config init`.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Default returns a runnable starter config mirroring the document-automation
// pipeline this orchestrator fronts.
func Default() *Config {
	floatPtr := func(v float64) *float64 { return &v }
	cfg := &Config{
		Budget: BudgetConfig{DailyCap: 25, MonthlyCap: 300, Timezone: "UTC"},
		Costs: CostTable{
			Default: 0.01,
			Services: map[string]ServiceCost{
				"pdf_services": {
					Default:    0.05,
					Operations: map[string]float64{"export": 0.10, "render": 0.05},
				},
				"image_services": {
					Default:    0.04,
					Operations: map[string]float64{"image_generation": 0.08},
				},
				"indesign_desktop": {Default: 0.0},
			},
		},
		Breakers: BreakerSet{
			Default: BreakerConfig{FailureThreshold: 5, CallTimeoutMs: 30000, ResetTimeoutMs: 15000},
			Services: map[string]BreakerConfig{
				"pdf_services": {FailureThreshold: 3, CallTimeoutMs: 30000, ResetTimeoutMs: 15000},
			},
		},
		Queue: QueueConfig{MaxAttempts: 5, DrainBatch: 20, DrainIntervalMs: 5000},
		Routing: RoutingConfig{
			DefaultWorker: "batch",
			Rules: []route.Rule{
				{
					When:   route.Predicate{Field: "routingHints.humanSession", Equals: true},
					Worker: "interactive",
					Reason: "human attended session",
				},
				{
					When: route.Predicate{All: []route.Predicate{
						{Field: "jobType", In: []any{"render", "export"}},
						{Field: "outputSpec.format", Equals: "pdf"},
					}},
					Worker: "batch",
					Reason: "pdf output renders on the batch farm",
				},
			},
		},
		Schemas: map[string]schema.Schema{
			"render": {Fields: map[string]schema.FieldSpec{
				"payload.title": {Type: "string", Required: true},
				"payload.pages": {Type: "number", Min: floatPtr(1), Max: floatPtr(64)},
				"outputSpec.format": {Type: "string", Required: true,
					Enum: []string{"pdf", "indd", "png"}},
			}},
			"export": {Fields: map[string]schema.FieldSpec{
				"payload.document":  {Type: "string", Required: true},
				"outputSpec.format": {Type: "string", Required: true, Enum: []string{"pdf", "png"}},
			}},
			"image_generation": {Fields: map[string]schema.FieldSpec{
				"payload.prompt": {Type: "string", Required: true},
				"payload.count":  {Type: "number", Min: floatPtr(1), Max: floatPtr(8)},
			}},
		},
		Workers: map[string]WorkerConfig{
			"interactive": {Kind: "static", Service: "indesign_desktop"},
			"batch":       {Kind: "static", Service: "pdf_services"},
		},
		Auth: AuthConfig{AllowAnonymous: true},
	}
	cfg.applyDefaults()
	return cfg
}
