package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// ValidatorFunc checks one candidate field value, already decoded from
// JSON. A non-nil error drops the field.
type ValidatorFunc func(key string, value any) error

// RuleSet holds per-key validators: plain Go functions and
// expression rules evaluated against the candidate value.
type RuleSet struct {
	funcs map[string][]ValidatorFunc
	exprs map[string][]*govaluate.EvaluableExpression
}

func NewRuleSet() *RuleSet {
	return &RuleSet{
		funcs: map[string][]ValidatorFunc{},
		exprs: map[string][]*govaluate.EvaluableExpression{},
	}
}

// AddFunc registers a function validator for one key.
func (r *RuleSet) AddFunc(key string, fn ValidatorFunc) {
	r.funcs[key] = append(r.funcs[key], fn)
}

// AddRule registers an expression rule for one key. The expression sees
// the candidate as "value" (e.g. `value >= 0 && value <= 100`) and must
// evaluate to a boolean.
func (r *RuleSet) AddRule(key, expression string) error {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return errors.New("empty rule expression")
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return fmt.Errorf("rule for %s: %w", key, err)
	}
	r.exprs[key] = append(r.exprs[key], expr)
	return nil
}

// Check validates a raw JSON value for a key. Keys without rules always
// pass.
func (r *RuleSet) Check(key string, raw json.RawMessage) error {
	fns := r.funcs[key]
	exprs := r.exprs[key]
	if len(fns) == 0 && len(exprs) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	for _, fn := range fns {
		if err := fn(key, value); err != nil {
			return err
		}
	}
	params := map[string]any{"key": key, "value": value}
	for _, expr := range exprs {
		result, err := expr.Evaluate(params)
		if err != nil {
			return fmt.Errorf("rule for %s: %w", key, err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return fmt.Errorf("rule for %s did not evaluate to boolean", key)
		}
		if !ok {
			return fmt.Errorf("field %s rejected by rule", key)
		}
	}
	return nil
}
