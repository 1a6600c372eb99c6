// Package schema validates incoming job documents against per-job-type
// schemas. Validation is pure: a job that fails here is rejected before any
// routing or cost is incurred.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"jobline/internal/domain"
	"jobline/internal/route"
)

const (
	ReasonUnknownJobType  = "unknown_job_type"
	ReasonSchemaViolation = "schema_violation"
)

// ValidationError reports why a job was rejected. Details lists every violated
// field path, not just the first.
type ValidationError struct {
	Reason  string   `json:"reason"`
	Details []string `json:"details,omitempty"`
}

func (e ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Details, "; "))
}

// FieldSpec constrains one dotted field path in the job document.
type FieldSpec struct {
	Type     string   `yaml:"type,omitempty" json:"type,omitempty"` // string, number, bool, object, array
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Enum     []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Schema is the set of field constraints for one job type.
type Schema struct {
	Fields map[string]FieldSpec `yaml:"fields" json:"fields"`
}

// Registry holds the schema per job type. Read-only after construction.
type Registry struct {
	schemas map[string]Schema
}

func NewRegistry(schemas map[string]Schema) *Registry {
	return &Registry{schemas: schemas}
}

// JobTypes returns the registered job types.
func (r *Registry) JobTypes() []string {
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}

// Validate checks the job against the schema registered for its type. It
// returns a ValidationError carrying all violations, or nil when the job
// conforms.
func (r *Registry) Validate(job domain.Job) error {
	s, ok := r.schemas[job.JobType]
	if !ok {
		return ValidationError{Reason: ReasonUnknownJobType, Details: []string{fmt.Sprintf("jobType: %q is not registered", job.JobType)}}
	}
	doc := job.Document()
	var details []string
	for _, path := range fieldPaths(s.Fields) {
		spec := s.Fields[path]
		val, present := route.Lookup(doc, path)
		if !present {
			if spec.Required {
				details = append(details, fmt.Sprintf("%s: required field missing", path))
			}
			continue
		}
		details = append(details, checkField(path, spec, val)...)
	}
	if len(details) > 0 {
		return ValidationError{Reason: ReasonSchemaViolation, Details: details}
	}
	return nil
}

// fieldPaths returns the schema's field paths in a stable order so violation
// details are deterministic.
func fieldPaths(fields map[string]FieldSpec) []string {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func checkField(path string, spec FieldSpec, val any) []string {
	var details []string
	if spec.Type != "" && !typeMatches(spec.Type, val) {
		details = append(details, fmt.Sprintf("%s: expected %s", path, spec.Type))
		return details
	}
	if len(spec.Enum) > 0 {
		s, ok := val.(string)
		if !ok || !contains(spec.Enum, s) {
			details = append(details, fmt.Sprintf("%s: must be one of [%s]", path, strings.Join(spec.Enum, ", ")))
		}
	}
	if spec.Min != nil || spec.Max != nil {
		n, ok := asNumber(val)
		if !ok {
			details = append(details, fmt.Sprintf("%s: expected number for range check", path))
		} else {
			if spec.Min != nil && n < *spec.Min {
				details = append(details, fmt.Sprintf("%s: must be >= %v", path, *spec.Min))
			}
			if spec.Max != nil && n > *spec.Max {
				details = append(details, fmt.Sprintf("%s: must be <= %v", path, *spec.Max))
			}
		}
	}
	return details
}

func typeMatches(typ string, val any) bool {
	switch typ {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := asNumber(val)
		return ok
	case "bool":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	}
	return false
}

func asNumber(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
