package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Routing.DefaultWorker != "batch" {
		t.Fatalf("unexpected default worker: %s", cfg.Routing.DefaultWorker)
	}
}

func TestDefaultConfigRoundTripsThroughYAML(t *testing.T) {
	data, err := Default().ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	cfg, err := FromYAML(data)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Budget.DailyCap != 25 || cfg.Budget.MonthlyCap != 300 {
		t.Fatalf("budget lost in round trip: %+v", cfg.Budget)
	}
	if len(cfg.Routing.Rules) != 2 {
		t.Fatalf("rules lost in round trip: %d", len(cfg.Routing.Rules))
	}
	if _, ok := cfg.Schemas["render"]; !ok {
		t.Fatal("render schema lost in round trip")
	}
}

func TestValidateRejectsUndeclaredRoutingTarget(t *testing.T) {
	raw := `
budget:
  daily_cap: 10
  monthly_cap: 100
workers:
  batch:
    kind: static
    service: pdf_services
routing:
  default_worker: batch
  rules:
    - when:
        field: jobType
        equals: render
      worker: ghost
schemas:
  render:
    fields:
      payload.title: {type: string, required: true}
`
	_, err := FromYAML([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected undeclared worker error, got %v", err)
	}
}

func TestValidateRejectsHTTPWorkerWithoutURL(t *testing.T) {
	raw := `
budget:
  daily_cap: 10
  monthly_cap: 100
workers:
  remote:
    kind: http
    service: pdf_services
routing:
  default_worker: remote
schemas:
  render:
    fields: {}
`
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatal("expected url requirement error")
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := Default()
	cfg.Budget.Timezone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestValidateRejectsMonthlyBelowDaily(t *testing.T) {
	cfg := Default()
	cfg.Budget.DailyCap = 500
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected monthly below daily error")
	}
}

func TestBreakerSetBackfillsDefaults(t *testing.T) {
	set := BreakerSet{
		Default: BreakerConfig{FailureThreshold: 5, CallTimeoutMs: 30000, ResetTimeoutMs: 15000},
		Services: map[string]BreakerConfig{
			"pdf_services": {FailureThreshold: 3},
		},
	}
	got := set.For("pdf_services")
	if got.FailureThreshold != 3 {
		t.Fatalf("override lost: %+v", got)
	}
	if got.CallTimeoutMs != 30000 || got.ResetTimeoutMs != 15000 {
		t.Fatalf("defaults not backfilled: %+v", got)
	}
	if got := set.For("unknown"); got.FailureThreshold != 5 {
		t.Fatalf("unknown service should use default: %+v", got)
	}
}

func TestCostTableEstimate(t *testing.T) {
	table := CostTable{
		Default: 0.01,
		Services: map[string]ServiceCost{
			"pdf_services": {Default: 0.05, Operations: map[string]float64{"export": 0.10}},
		},
	}
	if got := table.Estimate("pdf_services", "export"); got != 0.10 {
		t.Fatalf("operation: %v", got)
	}
	if got := table.Estimate("pdf_services", "render"); got != 0.05 {
		t.Fatalf("service default: %v", got)
	}
	if got := table.Estimate("other", "x"); got != 0.01 {
		t.Fatalf("global default: %v", got)
	}
}

func TestAppliedDefaults(t *testing.T) {
	raw := `
budget:
  daily_cap: 10
  monthly_cap: 100
workers:
  batch:
    kind: static
    service: pdf_services
routing:
  default_worker: batch
schemas:
  render:
    fields: {}
`
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Budget.Timezone != "UTC" {
		t.Fatalf("timezone default: %s", cfg.Budget.Timezone)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.DrainBatch != 20 {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if cfg.Breakers.Default.FailureThreshold != 5 {
		t.Fatalf("breaker defaults: %+v", cfg.Breakers.Default)
	}
}
