package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against pipeline definitions.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	mode     Mode
	logger   zerolog.Logger
}

// NewEngine creates an engine preloaded with the built-in policies.
func NewEngine(mode Mode, logger zerolog.Logger) (*Engine, error) {
	if mode == "" {
		mode = ModeAdvisory
	}
	if mode != ModeAdvisory && mode != ModeEnforcing {
		return nil, fmt.Errorf("invalid policy mode: %s", mode)
	}

	e := &Engine{
		policies: make(map[string]*Policy),
		mode:     mode,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtin := GetBuiltinPolicies()
	for i := range builtin {
		e.policies[builtin[i].Name] = &builtin[i]
	}

	e.logger.Debug().Int("count", len(builtin)).Msg("built-in policies loaded")
	return e, nil
}

// Mode returns the engine's enforcement mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Evaluate runs every enabled policy against the given pipeline value.
// The value is converted through JSON so policies see the same shape the
// pipeline file declares.
func (e *Engine) Evaluate(ctx context.Context, pipeline interface{}) (*Result, error) {
	input, err := toInput(pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	result := &Result{Allowed: true, EvaluatedAt: start}

	for _, policy := range e.policies {
		if !policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, policy, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", policy.Name).Msg("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}

	e.logger.Debug().
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(start)).
		Msg("pipeline policy evaluation completed")

	return result, nil
}

// Blocks reports whether the result should stop a run under the engine's
// mode.
func (e *Engine) Blocks(result *Result) bool {
	return e.mode == ModeEnforcing && !result.Allowed
}

// LoadPolicy adds or replaces a policy.
func (e *Engine) LoadPolicy(policy Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if extractPackageName(policy.Rego) == "" {
		return fmt.Errorf("policy %s has no package declaration", policy.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Name] = &policy
	return nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		policies = append(policies, *p)
	}
	return policies
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	p.Enabled = false
	return nil
}

// evaluatePolicy queries the policy package's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, policy *Policy, input interface{}) ([]Violation, error) {
	packageName := extractPackageName(policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(policy, d))
			}
		}
	}

	return violations, nil
}

// makeViolation converts one deny result into a Violation.
func makeViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}

// toInput converts any value to the generic form rego.Input expects.
func toInput(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
