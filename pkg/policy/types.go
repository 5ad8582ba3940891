package policy

import "time"

// Severity of a policy violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Mode controls how violations affect a run.
type Mode string

const (
	// ModeAdvisory reports violations but never blocks a run.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing blocks a run on error-severity violations.
	ModeEnforcing Mode = "enforcing"
)

// Policy is one Rego policy evaluated against a pipeline definition.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Severity applies to violations this policy produces, unless the
	// deny result overrides it.
	Severity Severity `json:"severity"`

	// Rego is the policy source. Violations are read from the package's
	// deny set.
	Rego string `json:"-"`

	// Enabled controls whether the policy is evaluated.
	Enabled bool `json:"enabled"`
}

// Violation is one policy finding.
type Violation struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the outcome of evaluating all policies against a pipeline.
type Result struct {
	// Allowed is false when an error-severity violation was found. The
	// caller decides whether that blocks the run based on the Mode.
	Allowed bool `json:"allowed"`

	Violations  []Violation `json:"violations"`
	Warnings    []string    `json:"warnings"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Errors returns only the error-severity violations.
func (r *Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}
