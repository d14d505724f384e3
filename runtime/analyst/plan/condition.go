package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// CheckCondition reports whether cond is a syntactically valid expression.
// Identifiers and the result type are not resolved: the producing node's
// metadata is only known once it has run.
func CheckCondition(cond string) error {
	if strings.TrimSpace(cond) == "" {
		return nil
	}
	if _, err := expr.Compile(cond); err != nil {
		return fmt.Errorf("invalid condition %q: %w", cond, err)
	}
	return nil
}

// EvalCondition evaluates cond against the scalar fields of metadata. An
// empty condition is always true. Non-scalar metadata values (maps, slices,
// artifacts) are hidden from the expression, so referencing them fails the
// same way referencing an absent field does.
func EvalCondition(cond string, metadata map[string]any) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	env := ScalarEnv(metadata)
	program, err := expr.Compile(cond, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", cond, out)
	}
	return ok, nil
}

// ScalarEnv returns the subset of metadata whose values are booleans,
// numbers or strings. json.Number values are converted to float64.
func ScalarEnv(metadata map[string]any) map[string]any {
	env := make(map[string]any, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case bool, string,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			env[k] = val
		case json.Number:
			if f, err := val.Float64(); err == nil {
				env[k] = f
			}
		}
	}
	return env
}
