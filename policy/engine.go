// Package policy evaluates workspace role permissions with OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// module must define data.run_access.allow.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_access.allow"),
		rego.Module("run_access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadPolicy returns the content of path, or DefaultPolicy when path is empty.
func LoadPolicy(path string) (string, error) {
	if path == "" {
		return DefaultPolicy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy %s: %w", path, err)
	}
	return string(data), nil
}

// Allow reports whether role may perform action. A policy that yields no
// boolean result denies.
func (e *Engine) Allow(ctx context.Context, role domain.Role, action domain.Action) (bool, error) {
	input := map[string]interface{}{
		"role":   string(role),
		"action": string(action),
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// DefaultPolicy lets every role read and every role but viewer write.
const DefaultPolicy = `
package run_access

default allow := false

writers := {"owner", "admin", "member"}

allow if {
	input.action == "run.read"
	input.role in {"owner", "admin", "member", "viewer"}
}

allow if {
	input.action in {"run.create", "run.update"}
	input.role in writers
}
`
