package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// EvaluateStageEnabled resolves the stage's stageEnabled context entry
// against ctx, the stage's fully evaluated execution context.
//
// Absence of a stageEnabled entry evaluates to true (the stage runs). A
// present entry of an unrecognized type fails evaluation, which the
// caller treats as TERMINAL on the enclosing stage.
//
// The recognized expression type is "expression": a tiny boolean grammar
// supporting the literals "true"/"false", negation with a leading "!", and
// `${context.key}` lookups against ctx that compare truthy/non-empty.
// Concrete stage-type business logic may use a richer language upstream of
// this engine; the engine itself only needs to gate stage admission.
func EvaluateStageEnabled(s *Stage, ctx map[string]any) (bool, error) {
	typ, expr, ok := s.StageEnabledExpression()
	if !ok {
		return true, nil
	}
	if typ != "" && typ != "expression" {
		return false, fmt.Errorf("unrecognized stageEnabled type %q", typ)
	}
	return evaluateBoolExpression(expr, ctx)
}

func evaluateBoolExpression(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty stageEnabled expression")
	}

	negate := false
	for strings.HasPrefix(expr, "!") {
		negate = !negate
		expr = strings.TrimSpace(expr[1:])
	}

	var result bool
	switch {
	case expr == "true":
		result = true
	case expr == "false":
		result = false
	case strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}"):
		val, err := resolveContextLookup(expr[2:len(expr)-1], ctx)
		if err != nil {
			return false, err
		}
		result = truthy(val)
	default:
		if b, err := strconv.ParseBool(expr); err == nil {
			result = b
			break
		}
		return false, fmt.Errorf("unsupported stageEnabled expression %q", expr)
	}

	if negate {
		result = !result
	}
	return result, nil
}

// resolveContextLookup resolves a dotted path such as "context.region" or
// "region" against ctx.
func resolveContextLookup(path string, ctx map[string]any) (any, error) {
	path = strings.TrimPrefix(path, "context.")
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot resolve %q: not a map at %q", path, p)
		}
		cur, ok = m[p]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	default:
		return true
	}
}
