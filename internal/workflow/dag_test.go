package workflow

import (
	"testing"

	"github.com/plugink/plugink/internal/ids"
)

func TestWorkflowValidateDetectsCycle(t *testing.T) {
	a, b := ids.NewNodeId(), ids.NewNodeId()
	wf := &Workflow{
		ID:    ids.NewWorkflowId(),
		Nodes: map[ids.NodeId]*Node{a: {ID: a}, b: {ID: b}},
		Edges: map[ids.NodeId]map[ids.NodeId]bool{
			a: {b: true},
			b: {a: true},
		},
		EntryNodes: []ids.NodeId{a},
	}
	if err := wf.Validate(); err == nil {
		t.Fatal("expected cyclic workflow to fail validation")
	}
}

func TestWorkflowValidateAcceptsDAG(t *testing.T) {
	a, b, c := ids.NewNodeId(), ids.NewNodeId(), ids.NewNodeId()
	wf := &Workflow{
		ID:    ids.NewWorkflowId(),
		Nodes: map[ids.NodeId]*Node{a: {ID: a}, b: {ID: b}, c: {ID: c}},
		Edges: map[ids.NodeId]map[ids.NodeId]bool{
			a: {b: true, c: true},
			b: {c: true},
		},
		EntryNodes: []ids.NodeId{a},
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWorkflowAddEdgeRejectsCycle(t *testing.T) {
	a, b := ids.NewNodeId(), ids.NewNodeId()
	wf := &Workflow{
		ID:         ids.NewWorkflowId(),
		Nodes:      map[ids.NodeId]*Node{a: {ID: a}, b: {ID: b}},
		Edges:      map[ids.NodeId]map[ids.NodeId]bool{a: {b: true}},
		EntryNodes: []ids.NodeId{a},
	}
	if err := wf.AddEdge(b, a); err == nil {
		t.Fatal("expected add_edge introducing a cycle to fail")
	}
	if _, ok := wf.Edges[b][a]; ok {
		t.Fatal("rejected edge must not be left in the graph")
	}
}

func TestWorkflowAddNodeRejectsDanglingConditionBranch(t *testing.T) {
	a := ids.NewNodeId()
	wf := &Workflow{
		ID:         ids.NewWorkflowId(),
		Nodes:      map[ids.NodeId]*Node{a: {ID: a}},
		Edges:      map[ids.NodeId]map[ids.NodeId]bool{},
		EntryNodes: []ids.NodeId{a},
	}
	bad := &Node{ID: ids.NewNodeId(), Kind: NodeCondition, TrueBranch: ids.NewNodeId(), FalseBranch: ids.NewNodeId()}
	if err := wf.AddNode(bad); err == nil {
		t.Fatal("expected condition node with unknown branches to be rejected")
	}
}
