package route

import "testing"

func testDoc(jobType string, hints, output map[string]any) map[string]any {
	return map[string]any{
		"jobType":      jobType,
		"routingHints": hints,
		"outputSpec":   output,
	}
}

func TestFirstMatchWins(t *testing.T) {
	r, err := New([]Rule{
		{When: Predicate{Field: "jobType", Equals: "render"}, Worker: "first", Reason: "one"},
		{When: Predicate{Field: "jobType", Equals: "render"}, Worker: "second", Reason: "two"},
	}, "fallback")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	d := r.Route(testDoc("render", nil, nil))
	if d.Worker != "first" || d.Rule != 0 || d.Default {
		t.Fatalf("expected first rule to win, got %+v", d)
	}
}

func TestDefaultWhenNoRuleMatches(t *testing.T) {
	r, err := New([]Rule{
		{When: Predicate{Field: "jobType", Equals: "render"}, Worker: "renderer"},
	}, "fallback")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	d := r.Route(testDoc("export", nil, nil))
	if d.Worker != "fallback" || !d.Default || d.Rule != -1 {
		t.Fatalf("expected default decision, got %+v", d)
	}
}

func TestNestedFieldLookup(t *testing.T) {
	r, err := New([]Rule{
		{When: Predicate{Field: "routingHints.humanSession", Equals: true}, Worker: "interactive"},
	}, "batch")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	d := r.Route(testDoc("render", map[string]any{"humanSession": true}, nil))
	if d.Worker != "interactive" {
		t.Fatalf("expected interactive, got %+v", d)
	}
	// absent path falls through, never errors
	d = r.Route(testDoc("render", nil, nil))
	if d.Worker != "batch" {
		t.Fatalf("expected batch on missing field, got %+v", d)
	}
}

func TestCombinators(t *testing.T) {
	rule := Rule{
		When: Predicate{All: []Predicate{
			{Field: "jobType", In: []any{"render", "export"}},
			{Field: "outputSpec.format", Equals: "pdf"},
		}},
		Worker: "batch",
	}
	r, err := New([]Rule{rule}, "fallback")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if d := r.Route(testDoc("export", nil, map[string]any{"format": "pdf"})); d.Worker != "batch" {
		t.Fatalf("all should match, got %+v", d)
	}
	if d := r.Route(testDoc("export", nil, map[string]any{"format": "png"})); d.Worker != "fallback" {
		t.Fatalf("all should not match on format, got %+v", d)
	}

	anyRule := Rule{
		When: Predicate{Any: []Predicate{
			{Field: "jobType", Equals: "render"},
			{Field: "jobType", Equals: "export"},
		}},
		Worker: "either",
	}
	r2, err := New([]Rule{anyRule}, "fallback")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if d := r2.Route(testDoc("export", nil, nil)); d.Worker != "either" {
		t.Fatalf("any should match, got %+v", d)
	}
	if d := r2.Route(testDoc("image_generation", nil, nil)); d.Worker != "fallback" {
		t.Fatalf("any should not match, got %+v", d)
	}
}

func TestNumericEqualityAcrossDecoders(t *testing.T) {
	// YAML decodes 2 as int, JSON as float64; both must compare equal.
	r, err := New([]Rule{
		{When: Predicate{Field: "outputSpec.pages", Equals: 2}, Worker: "small"},
	}, "fallback")
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if d := r.Route(testDoc("render", nil, map[string]any{"pages": float64(2)})); d.Worker != "small" {
		t.Fatalf("int/float64 should compare equal, got %+v", d)
	}
}

func TestPredicateValidation(t *testing.T) {
	cases := []struct {
		name string
		p    Predicate
	}{
		{"empty", Predicate{}},
		{"field without comparison", Predicate{Field: "jobType"}},
		{"equals and in together", Predicate{Field: "jobType", Equals: "a", In: []any{"b"}}},
		{"two forms", Predicate{Field: "jobType", Equals: "a", All: []Predicate{{Field: "x", Equals: 1}}}},
		{"bad nested", Predicate{All: []Predicate{{}}}},
	}
	for _, tc := range cases {
		if _, err := New([]Rule{{When: tc.p, Worker: "w"}}, "fallback"); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestRouterRequiresDefaultWorker(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatal("expected error for missing default worker")
	}
	if _, err := New([]Rule{{When: Predicate{Field: "jobType", Equals: "x"}}}, "fallback"); err == nil {
		t.Fatal("expected error for rule without worker")
	}
}
