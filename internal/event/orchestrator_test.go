package event

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/ids"
)

type stubPluginInvoker struct {
	result []byte
	err    error
}

func (s stubPluginInvoker) Invoke(ctx context.Context, p PluginPayload) ([]byte, error) {
	return s.result, s.err
}

type stubAgentDriver struct {
	result []byte
	err    error
}

func (s stubAgentDriver) Drive(ctx context.Context, a AgentPayload) ([]byte, error) {
	return s.result, s.err
}

func runOrchestrator(t *testing.T, o *Orchestrator) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	return func() {
		_ = o.Shutdown(context.Background())
		cancel()
	}
}

func awaitEvent(t *testing.T, ch <-chan SystemEvent) SystemEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
		return SystemEvent{}
	}
}

func TestOrchestratorTaskCompletedOnNonEmptyPayload(t *testing.T) {
	o := New(nil, nil, nil, Config{})
	_, ch := o.Subscribe()
	stop := runOrchestrator(t, o)
	defer stop()

	if _, err := o.Submit(SystemEvent{Family: FamilyTask, Kind: KindStart, Task: &TaskPayload{Name: "greet", Input: []byte(`{"x":1}`)}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := awaitEvent(t, ch)
	if got.Kind != KindCompleted {
		t.Fatalf("expected KindCompleted, got %v", got.Kind)
	}
	if string(got.Task.Result) != `{"x":1}` {
		t.Fatalf("expected result to echo input, got %s", got.Task.Result)
	}
}

func TestOrchestratorTaskErrorsOnEmptyPayload(t *testing.T) {
	o := New(nil, nil, nil, Config{})
	_, ch := o.Subscribe()
	stop := runOrchestrator(t, o)
	defer stop()

	if _, err := o.Submit(SystemEvent{Family: FamilyTask, Kind: KindStart, Task: &TaskPayload{Name: "empty"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := awaitEvent(t, ch)
	if got.Kind != KindError {
		t.Fatalf("expected KindError for empty-payload task, got %v", got.Kind)
	}
}

func TestOrchestratorPluginHandlerInvokedAndCompletionBroadcast(t *testing.T) {
	o := New(nil, stubPluginInvoker{result: []byte(`{"ok":true}`)}, nil, Config{})
	_, ch := o.Subscribe()
	stop := runOrchestrator(t, o)
	defer stop()

	plugin := ids.NewPluginId()
	if _, err := o.Submit(SystemEvent{Family: FamilyPlugin, Kind: KindStart, Plugin: &PluginPayload{Plugin: plugin, Function: "run"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := awaitEvent(t, ch)
	if got.Kind != KindCompleted {
		t.Fatalf("expected KindCompleted, got %v", got.Kind)
	}
	if string(got.Plugin.Result) != `{"ok":true}` {
		t.Fatalf("unexpected plugin result: %s", got.Plugin.Result)
	}
}

func TestOrchestratorPluginHandlerErrorProducesErrorEvent(t *testing.T) {
	o := New(nil, stubPluginInvoker{err: fmt.Errorf("sandbox trap")}, nil, Config{})
	_, ch := o.Subscribe()
	stop := runOrchestrator(t, o)
	defer stop()

	if _, err := o.Submit(SystemEvent{Family: FamilyPlugin, Kind: KindStart, Plugin: &PluginPayload{Plugin: ids.NewPluginId(), Function: "run"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := awaitEvent(t, ch)
	if got.Kind != KindError {
		t.Fatalf("expected KindError, got %v", got.Kind)
	}
	if got.Plugin.Err != "sandbox trap" {
		t.Fatalf("expected error detail to propagate, got %q", got.Plugin.Err)
	}
}

func TestOrchestratorCorrelationIDPropagates(t *testing.T) {
	o := New(nil, nil, stubAgentDriver{result: []byte(`{}`)}, Config{})
	_, ch := o.Subscribe()
	stop := runOrchestrator(t, o)
	defer stop()

	if _, err := o.Submit(SystemEvent{Family: FamilyAgent, Kind: KindStart, Agent: &AgentPayload{AgentID: "a1", Goal: "explore"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := awaitEvent(t, ch)
	if got.Meta.CorrelationID == "" {
		t.Fatal("expected a non-empty correlation id on the derived event")
	}
}

func TestOrchestratorSubmitRejectsWhenQueueFull(t *testing.T) {
	o := New(nil, nil, nil, Config{InboundCapacity: 1})
	// Don't run the consumer loop, so the single slot stays occupied.
	if _, err := o.Submit(SystemEvent{Family: FamilyTask, Kind: KindStart, Task: &TaskPayload{Input: []byte(`{}`)}}); err != nil {
		t.Fatalf("unexpected error filling the queue: %v", err)
	}
	if _, err := o.Submit(SystemEvent{Family: FamilyTask, Kind: KindStart, Task: &TaskPayload{Input: []byte(`{}`)}}); err == nil {
		t.Fatal("expected the second submit to be rejected with a full queue")
	}
}

func TestOrchestratorReplaySummaryAggregatesByFamilyAndOutcome(t *testing.T) {
	o := New(nil, nil, nil, Config{})
	stop := runOrchestrator(t, o)
	defer stop()

	if _, err := o.Submit(SystemEvent{Family: FamilyTask, Kind: KindStart, Task: &TaskPayload{Input: []byte(`{}`)}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := o.Submit(SystemEvent{Family: FamilyTask, Kind: KindStart, Task: &TaskPayload{}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Give the single consumer goroutine a moment to process both events.
	time.Sleep(50 * time.Millisecond)

	summary := o.Log().ReplaySummary()
	if summary.ByFamily["task"] == 0 {
		t.Fatalf("expected task-family entries in the replay summary, got %+v", summary)
	}
	if summary.ByOutcome[string(OutcomeCompleted)] == 0 {
		t.Fatalf("expected at least one completed outcome, got %+v", summary)
	}
	if summary.ByOutcome[string(OutcomeError)] == 0 {
		t.Fatalf("expected at least one error outcome, got %+v", summary)
	}
}
