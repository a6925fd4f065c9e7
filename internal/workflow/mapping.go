package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/plugink/plugink/internal/errs"
)

// decodeContext unmarshals the shared execution context document
// (spec.md §4.6 "Execution context. A JSON document shared across
// nodes") into a generic map for JMESPath evaluation.
func decodeContext(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "workflow.decodeContext", "", err)
	}
	return m, nil
}

func encodeContext(ctx map[string]any) json.RawMessage {
	b, err := json.Marshal(ctx)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// resolveInput evaluates every JMESPath expression in mapping against
// ctx, producing the JSON parameter document a node's plugin invocation
// receives (spec.md §4.6 "Input mapping: a map whose values are JMESPath
// expressions evaluated against the current context").
func resolveInput(mapping map[string]string, ctx map[string]any) ([]byte, error) {
	out := make(map[string]any, len(mapping))
	for key, expr := range mapping {
		v, err := jmespath.Search(expr, ctx)
		if err != nil {
			return nil, errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "workflow.resolveInput", key, err)
		}
		out[key] = v
	}
	return json.Marshal(out)
}

// applyOutput extracts values from a node's JSON result per mapping's
// JMESPath expressions and writes each into ctx at the mapping key's
// dot-separated context path (spec.md §4.6 "Output mapping: a map from
// JSON-Path locations in the context to result-extraction expressions").
func applyOutput(mapping map[string]string, result json.RawMessage, ctx map[string]any) error {
	var resDoc any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &resDoc); err != nil {
			return errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "workflow.applyOutput", "decode result", err)
		}
	}
	for path, expr := range mapping {
		v, err := jmespath.Search(expr, resDoc)
		if err != nil {
			return errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "workflow.applyOutput", path, err)
		}
		setContextPath(ctx, path, v)
	}
	return nil
}

// setContextPath writes value into ctx at a dot-separated path, creating
// intermediate objects as needed.
func setContextPath(ctx map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := ctx
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

// evaluateCondition evaluates expr (spec.md §3 "Condition (JMESPath-like
// expression...)") against ctx and returns its boolean result.
func evaluateCondition(expr string, ctx map[string]any) (bool, error) {
	v, err := jmespath.Search(expr, ctx)
	if err != nil {
		return false, errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "workflow.evaluateCondition", expr, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "workflow.evaluateCondition", fmt.Sprintf("expression %q did not evaluate to a boolean", expr))
	}
	return b, nil
}
