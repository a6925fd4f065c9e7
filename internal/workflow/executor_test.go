package workflow

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
)

// fakeInstance plays the role a compiled guest module would: it answers
// invokeJSON's allocate/write/call/read protocol itself, dispatching to a
// Go handler keyed by function name instead of real WebAssembly code.
type fakeInstance struct {
	mem      map[uint32]byte
	next     uint32
	handlers map[string]func([]byte) ([]byte, error)
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{mem: map[uint32]byte{}, next: 1, handlers: map[string]func([]byte) ([]byte, error){}}
}

func (f *fakeInstance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	ptr := f.next
	f.next += size + 1
	return ptr, nil
}

func (f *fakeInstance) WriteMemory(offset uint32, data []byte) error {
	for i, b := range data {
		f.mem[offset+uint32(i)] = b
	}
	return nil
}

func (f *fakeInstance) ReadMemory(offset, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = f.mem[offset+uint32(i)]
	}
	return buf, nil
}

func (f *fakeInstance) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	inPtr, inLen, outPtr := uint32(args[0]), uint32(args[1]), uint32(args[2])
	input, _ := f.ReadMemory(inPtr, inLen)
	h, ok := f.handlers[function]
	if !ok {
		return nil, fmt.Errorf("fakeInstance: no handler registered for %q", function)
	}
	output, err := h(input)
	if err != nil {
		return nil, err
	}
	if len(output) == 0 {
		_ = f.WriteMemory(outPtr, make([]byte, 8))
		return []uint64{0}, nil
	}
	ptr, _ := f.Allocate(ctx, uint32(len(output)))
	_ = f.WriteMemory(ptr, output)
	desc := make([]byte, 8)
	binary.LittleEndian.PutUint32(desc[0:4], ptr)
	binary.LittleEndian.PutUint32(desc[4:8], uint32(len(output)))
	_ = f.WriteMemory(outPtr, desc)
	return []uint64{0}, nil
}

func (f *fakeInstance) Usage() ids.ResourceUsage             { return ids.ResourceUsage{} }
func (f *fakeInstance) Close(ctx context.Context) error      { return nil }

type fakeHandle struct{ inst *fakeInstance }

func (h *fakeHandle) Instance() isolation.Instance { return h.inst }
func (h *fakeHandle) MarkFailed()                  {}
func (h *fakeHandle) Release(ctx context.Context)  {}

type fakeAcquirer struct {
	instances map[ids.PluginId]*fakeInstance
}

func (a *fakeAcquirer) Acquire(ctx context.Context, plugin ids.PluginId) (InstanceHandle, error) {
	inst, ok := a.instances[plugin]
	if !ok {
		return nil, fmt.Errorf("fakeAcquirer: no instance registered for plugin %s", plugin)
	}
	return &fakeHandle{inst: inst}, nil
}

func singlePluginCallWorkflow(plugin ids.PluginId, function string, inputMapping, outputMapping map[string]string) (*Workflow, ids.NodeId) {
	node := ids.NewNodeId()
	wf := &Workflow{
		ID:   ids.NewWorkflowId(),
		Name: "single",
		Nodes: map[ids.NodeId]*Node{
			node: {
				ID:            node,
				Kind:          NodePluginCall,
				Plugin:        plugin,
				Function:      function,
				InputMapping:  inputMapping,
				OutputMapping: outputMapping,
			},
		},
		Edges:      map[ids.NodeId]map[ids.NodeId]bool{},
		EntryNodes: []ids.NodeId{node},
	}
	return wf, node
}

func TestExecutorPluginCallAppliesOutputMapping(t *testing.T) {
	plugin := ids.NewPluginId()
	inst := newFakeInstance()
	inst.handlers["double"] = func(input []byte) ([]byte, error) { return []byte(`{"y":10}`), nil }
	acq := &fakeAcquirer{instances: map[ids.PluginId]*fakeInstance{plugin: inst}}

	wf, nodeID := singlePluginCallWorkflow(plugin, "double", map[string]string{"x": "seed.x"}, map[string]string{"result.y": "y"})

	ex := New(nil, acq, nil, nil, nil, Config{})
	if err := ex.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := ex.Start(context.Background(), wf.ID, []byte(`{"seed":{"x":5}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.State != ExecCompleted {
		t.Fatalf("expected Completed, got %s", exec.State)
	}
	if exec.Nodes[nodeID].State != NodeCompleted {
		t.Fatalf("expected node Completed, got %s", exec.Nodes[nodeID].State)
	}

	var ctxDoc map[string]any
	if err := json.Unmarshal(exec.Context, &ctxDoc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, ok := ctxDoc["result"].(map[string]any)
	if !ok || result["y"] != float64(10) {
		t.Fatalf("expected result.y == 10 in final context, got %v", ctxDoc)
	}
}

func TestExecutorRetrySucceedsOnThirdAttempt(t *testing.T) {
	plugin := ids.NewPluginId()
	inst := newFakeInstance()
	attempts := 0
	inst.handlers["flaky"] = func(input []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure on attempt %d", attempts)
		}
		return []byte(`{}`), nil
	}
	acq := &fakeAcquirer{instances: map[ids.PluginId]*fakeInstance{plugin: inst}}

	wf, nodeID := singlePluginCallWorkflow(plugin, "flaky", nil, nil)
	wf.Nodes[nodeID].Config.ErrorPolicy = ErrorPolicy{Kind: ErrorRetry, MaxRetries: 2, DelayMS: 10, ExponentialBackoff: false}

	ex := New(nil, acq, nil, nil, nil, Config{})
	if err := ex.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	exec, err := ex.Start(context.Background(), wf.ID, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.State != ExecCompleted {
		t.Fatalf("expected Completed, got %s", exec.State)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if exec.Nodes[nodeID].RetryCount != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", exec.Nodes[nodeID].RetryCount)
	}
	if elapsed < 20*time.Millisecond {
		t.Fatalf("expected elapsed time >= 20ms for two 10ms delays, got %s", elapsed)
	}
}

func TestExecutorConditionBranchSkipsOtherSide(t *testing.T) {
	plugin := ids.NewPluginId()
	inst := newFakeInstance()
	var readArg []byte
	inst.handlers["seed"] = func(input []byte) ([]byte, error) { return []byte(`{}`), nil }
	inst.handlers["readx"] = func(input []byte) ([]byte, error) {
		readArg = input
		return []byte(`{}`), nil
	}
	acq := &fakeAcquirer{instances: map[ids.PluginId]*fakeInstance{plugin: inst}}

	a := ids.NewNodeId()
	cond := ids.NewNodeId()
	trueNode := ids.NewNodeId()
	falseNode := ids.NewNodeId()

	wf := &Workflow{
		ID:   ids.NewWorkflowId(),
		Name: "condition",
		Nodes: map[ids.NodeId]*Node{
			a:    {ID: a, Kind: NodePluginCall, Plugin: plugin, Function: "seed", OutputMapping: map[string]string{"x": "`5`"}},
			cond: {ID: cond, Kind: NodeCondition, Expression: "x > `3`", TrueBranch: trueNode, FalseBranch: falseNode},
			trueNode:  {ID: trueNode, Kind: NodePluginCall, Plugin: plugin, Function: "readx", InputMapping: map[string]string{"v": "x"}},
			falseNode: {ID: falseNode, Kind: NodePluginCall, Plugin: plugin, Function: "readx", InputMapping: map[string]string{"v": "x"}},
		},
		Edges: map[ids.NodeId]map[ids.NodeId]bool{
			a:    {cond: true},
			cond: {trueNode: true, falseNode: true},
		},
		EntryNodes: []ids.NodeId{a},
	}

	ex := New(nil, acq, nil, nil, nil, Config{})
	if err := ex.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := ex.Start(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.State != ExecCompleted {
		t.Fatalf("expected Completed, got %s", exec.State)
	}
	if exec.Nodes[trueNode].State != NodeCompleted {
		t.Fatalf("expected true branch Completed, got %s", exec.Nodes[trueNode].State)
	}
	if exec.Nodes[falseNode].State != NodeSkipped {
		t.Fatalf("expected false branch Skipped, got %s", exec.Nodes[falseNode].State)
	}
	if string(readArg) != `{"v":5}` {
		t.Fatalf("expected true branch to read x=5 from context, got %s", readArg)
	}
}

func TestExecutorNodeFailStopsWorkflow(t *testing.T) {
	plugin := ids.NewPluginId()
	inst := newFakeInstance()
	inst.handlers["boom"] = func(input []byte) ([]byte, error) { return nil, fmt.Errorf("boom") }
	acq := &fakeAcquirer{instances: map[ids.PluginId]*fakeInstance{plugin: inst}}

	wf, nodeID := singlePluginCallWorkflow(plugin, "boom", nil, nil)

	ex := New(nil, acq, nil, nil, nil, Config{})
	if err := ex.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := ex.Start(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.State != ExecFailed {
		t.Fatalf("expected Failed, got %s", exec.State)
	}
	if exec.Nodes[nodeID].State != NodeFailed {
		t.Fatalf("expected node Failed, got %s", exec.Nodes[nodeID].State)
	}
}

func TestExecutorContinuePolicyAllowsWorkflowToComplete(t *testing.T) {
	plugin := ids.NewPluginId()
	inst := newFakeInstance()
	inst.handlers["boom"] = func(input []byte) ([]byte, error) { return nil, fmt.Errorf("boom") }
	acq := &fakeAcquirer{instances: map[ids.PluginId]*fakeInstance{plugin: inst}}

	failing := ids.NewNodeId()
	descendant := ids.NewNodeId()
	wf := &Workflow{
		ID:   ids.NewWorkflowId(),
		Name: "continue",
		Nodes: map[ids.NodeId]*Node{
			failing:    {ID: failing, Kind: NodePluginCall, Plugin: plugin, Function: "boom", Config: NodeConfig{ErrorPolicy: ErrorPolicy{Kind: ErrorContinue}}},
			descendant: {ID: descendant, Kind: NodePluginCall, Plugin: plugin, Function: "boom"},
		},
		Edges:      map[ids.NodeId]map[ids.NodeId]bool{failing: {descendant: true}},
		EntryNodes: []ids.NodeId{failing},
	}

	ex := New(nil, acq, nil, nil, nil, Config{})
	if err := ex.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := ex.Start(context.Background(), wf.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.State != ExecCompleted {
		t.Fatalf("expected workflow to Complete despite a Continue-policy node failure, got %s", exec.State)
	}
	if exec.Nodes[failing].State != NodeFailed {
		t.Fatalf("expected failing node Failed, got %s", exec.Nodes[failing].State)
	}
	if exec.Nodes[descendant].State != NodeSkipped {
		t.Fatalf("expected descendant Skipped, got %s", exec.Nodes[descendant].State)
	}
}
