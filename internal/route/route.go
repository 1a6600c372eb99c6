// Package route selects a downstream worker for a validated job by evaluating
// an ordered rule list. The first rule whose predicate matches wins; rule order
// is part of the routing configuration's semantics.
package route

import (
	"fmt"
	"reflect"
	"strings"
)

// Predicate is a closed boolean expression over job fields. Exactly one form
// must be set per node: a field comparison (Field with Equals or In), or a
// combinator (All, Any). Conditions are data, never executed code.
type Predicate struct {
	Field  string      `yaml:"field,omitempty" json:"field,omitempty"`
	Equals any         `yaml:"equals,omitempty" json:"equals,omitempty"`
	In     []any       `yaml:"in,omitempty" json:"in,omitempty"`
	All    []Predicate `yaml:"all,omitempty" json:"all,omitempty"`
	Any    []Predicate `yaml:"any,omitempty" json:"any,omitempty"`
}

// Rule binds a predicate to a worker. Reason is free text surfaced in logs and
// the run event ledger so operators can see why a job went where it did.
type Rule struct {
	When   Predicate `yaml:"when" json:"when"`
	Worker string    `yaml:"worker" json:"worker"`
	Reason string    `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Decision is the outcome of routing one job.
type Decision struct {
	Worker  string
	Reason  string
	Rule    int  // index of the matching rule
	Default bool // true when no rule matched
}

// Router evaluates rules in list order against a job document.
type Router struct {
	rules         []Rule
	defaultWorker string
}

// New builds a router. Rules are evaluated in the given order.
func New(rules []Rule, defaultWorker string) (*Router, error) {
	if defaultWorker == "" {
		return nil, fmt.Errorf("routing: default worker is required")
	}
	for i, r := range rules {
		if r.Worker == "" {
			return nil, fmt.Errorf("routing: rule %d has no worker", i)
		}
		if err := r.When.validate(); err != nil {
			return nil, fmt.Errorf("routing: rule %d: %w", i, err)
		}
	}
	return &Router{rules: rules, defaultWorker: defaultWorker}, nil
}

// Route returns the worker for the first matching rule, or the default worker
// when none match.
func (r *Router) Route(doc map[string]any) Decision {
	for i, rule := range r.rules {
		if rule.When.eval(doc) {
			return Decision{Worker: rule.Worker, Reason: rule.Reason, Rule: i}
		}
	}
	return Decision{Worker: r.defaultWorker, Reason: "no rule matched", Rule: -1, Default: true}
}

// DefaultWorker returns the configured fallback worker id.
func (r *Router) DefaultWorker() string { return r.defaultWorker }

func (p Predicate) validate() error {
	forms := 0
	if p.Field != "" {
		forms++
		if p.Equals == nil && len(p.In) == 0 {
			return fmt.Errorf("field %q needs equals or in", p.Field)
		}
		if p.Equals != nil && len(p.In) > 0 {
			return fmt.Errorf("field %q has both equals and in", p.Field)
		}
	}
	if len(p.All) > 0 {
		forms++
		for _, sub := range p.All {
			if err := sub.validate(); err != nil {
				return err
			}
		}
	}
	if len(p.Any) > 0 {
		forms++
		for _, sub := range p.Any {
			if err := sub.validate(); err != nil {
				return err
			}
		}
	}
	if forms != 1 {
		return fmt.Errorf("predicate must have exactly one of field/all/any")
	}
	return nil
}

func (p Predicate) eval(doc map[string]any) bool {
	switch {
	case len(p.All) > 0:
		for _, sub := range p.All {
			if !sub.eval(doc) {
				return false
			}
		}
		return true
	case len(p.Any) > 0:
		for _, sub := range p.Any {
			if sub.eval(doc) {
				return true
			}
		}
		return false
	case p.Field != "":
		val, ok := Lookup(doc, p.Field)
		if !ok {
			return false
		}
		if p.Equals != nil {
			return valueEqual(val, p.Equals)
		}
		for _, candidate := range p.In {
			if valueEqual(val, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

// Lookup resolves a dotted path ("routingHints.humanSession") inside a nested
// document of maps.
func Lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valueEqual compares loosely across the numeric types JSON and YAML decoding
// produce (float64 vs int).
func valueEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
