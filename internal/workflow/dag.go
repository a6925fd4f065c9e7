package workflow

import (
	cycle "github.com/joeycumines/go-detect-cycle/floyds"

	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
)

// hasCycle reports whether edges describes a cyclic graph over nodes,
// using a tortoise-and-hare branching detector per root rather than a
// plain DFS visited-set — the same technique joeycumines-go-utilpkg's
// sql/export package uses for its own dependency-cycle check, generalized
// here from table dependencies to workflow node dependencies.
func hasCycle(nodes map[ids.NodeId]*Node, edges map[ids.NodeId]map[ids.NodeId]bool) bool {
	var check func(k ids.NodeId, f cycle.BranchingDetector) bool
	check = func(k ids.NodeId, f cycle.BranchingDetector) bool {
		for v := range edges[k] {
			if func() bool {
				nf := f.Hare(v)
				defer nf.Clear()
				if !f.Ok() {
					return true
				}
				return check(v, nf)
			}() {
				return true
			}
		}
		return false
	}
	for k := range nodes {
		if check(k, cycle.NewBranchingDetector(k, nil)) {
			return true
		}
	}
	return false
}

// Validate checks structural invariants (spec.md §3 "Acyclicity is a
// structural invariant validated on registration"): every edge endpoint
// and every Condition branch names a node that exists, every entry node
// exists, and the graph is acyclic.
func (w *Workflow) Validate() error {
	for from, tos := range w.Edges {
		if _, ok := w.Nodes[from]; !ok {
			return errs.New(errs.FamilyWorkflow, errs.WorkflowNodeNotFound, "Workflow.Validate", from.String())
		}
		for to := range tos {
			if _, ok := w.Nodes[to]; !ok {
				return errs.New(errs.FamilyWorkflow, errs.WorkflowNodeNotFound, "Workflow.Validate", to.String())
			}
		}
	}
	for _, entry := range w.EntryNodes {
		if _, ok := w.Nodes[entry]; !ok {
			return errs.New(errs.FamilyWorkflow, errs.WorkflowNodeNotFound, "Workflow.Validate", entry.String())
		}
	}
	for id, n := range w.Nodes {
		if n.Kind != NodeCondition {
			continue
		}
		if _, ok := w.Nodes[n.TrueBranch]; !ok {
			return errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "Workflow.Validate", "condition "+id.String()+" true branch not found")
		}
		if _, ok := w.Nodes[n.FalseBranch]; !ok {
			return errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "Workflow.Validate", "condition "+id.String()+" false branch not found")
		}
	}
	if hasCycle(w.Nodes, w.Edges) {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowCyclic, "Workflow.Validate", w.ID.String())
	}
	return nil
}

// AddNode inserts node into the workflow, rejecting the update if it
// would leave the graph in an invalid (cyclic, or dangling-reference)
// state. Dynamic updates are only accepted while an execution of this
// workflow is Running (enforced by the Executor, not here).
func (w *Workflow) AddNode(node *Node) error {
	if _, exists := w.Nodes[node.ID]; exists {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "Workflow.AddNode", "duplicate node id "+node.ID.String())
	}
	w.Nodes[node.ID] = node
	if err := w.Validate(); err != nil {
		delete(w.Nodes, node.ID)
		return err
	}
	return nil
}

// AddEdge inserts an edge from -> to, rejecting the update if it would
// introduce a cycle (spec.md §4.6 "Dynamic updates... provided the
// update does not introduce a cycle").
func (w *Workflow) AddEdge(from, to ids.NodeId) error {
	if _, ok := w.Nodes[from]; !ok {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowNodeNotFound, "Workflow.AddEdge", from.String())
	}
	if _, ok := w.Nodes[to]; !ok {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowNodeNotFound, "Workflow.AddEdge", to.String())
	}
	if w.Edges == nil {
		w.Edges = make(map[ids.NodeId]map[ids.NodeId]bool)
	}
	added := false
	if w.Edges[from] == nil {
		w.Edges[from] = make(map[ids.NodeId]bool)
	}
	if !w.Edges[from][to] {
		w.Edges[from][to] = true
		added = true
	}
	if hasCycle(w.Nodes, w.Edges) {
		if added {
			delete(w.Edges[from], to)
		}
		return errs.New(errs.FamilyWorkflow, errs.WorkflowCyclic, "Workflow.AddEdge", from.String()+"->"+to.String())
	}
	return nil
}

// predecessors builds the reverse adjacency of w.Edges.
func (w *Workflow) predecessors() map[ids.NodeId][]ids.NodeId {
	preds := make(map[ids.NodeId][]ids.NodeId, len(w.Nodes))
	for from, tos := range w.Edges {
		for to := range tos {
			preds[to] = append(preds[to], from)
		}
	}
	return preds
}
