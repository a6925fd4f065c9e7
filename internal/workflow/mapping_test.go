package workflow

import "testing"

func TestResolveInputEvaluatesJMESPath(t *testing.T) {
	ctx := map[string]any{"seed": map[string]any{"x": float64(5)}}
	out, err := resolveInput(map[string]string{"value": "seed.x"}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"value":5}` {
		t.Fatalf("unexpected input document: %s", out)
	}
}

func TestApplyOutputWritesNestedContextPath(t *testing.T) {
	ctx := map[string]any{}
	if err := applyOutput(map[string]string{"result.y": "y"}, []byte(`{"y":10}`), ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, ok := ctx["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected ctx[\"result\"] to be a nested object, got %#v", ctx["result"])
	}
	if result["y"] != float64(10) {
		t.Fatalf("expected result.y == 10, got %v", result["y"])
	}
}

func TestEvaluateConditionTrueAndFalse(t *testing.T) {
	ctx := map[string]any{"x": float64(5)}
	got, err := evaluateCondition("x > `3`", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatal("expected x > 3 to be true for x=5")
	}

	got, err = evaluateCondition("x > `10`", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal("expected x > 10 to be false for x=5")
	}
}

func TestEvaluateConditionNonBooleanIsError(t *testing.T) {
	ctx := map[string]any{"x": float64(5)}
	if _, err := evaluateCondition("x", ctx); err == nil {
		t.Fatal("expected non-boolean JMESPath result to be an error")
	}
}
