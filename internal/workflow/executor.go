package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
)

// InstanceHandle is a scoped borrow of a plugin instance, the shape
// *pool.Handle already satisfies.
type InstanceHandle interface {
	Instance() isolation.Instance
	MarkFailed()
	Release(ctx context.Context)
}

// InstanceAcquirer borrows a warm instance for a plugin, the shape
// *pool.Pool already satisfies once adapted by NewPoolAcquirer.
type InstanceAcquirer interface {
	Acquire(ctx context.Context, plugin ids.PluginId) (InstanceHandle, error)
}

type poolFunc func(ctx context.Context, plugin ids.PluginId) (InstanceHandle, error)

func (f poolFunc) Acquire(ctx context.Context, plugin ids.PluginId) (InstanceHandle, error) {
	return f(ctx, plugin)
}

// NewPoolAcquirer adapts any acquire function with the Instance Pool's
// shape (e.g. a method value of *pool.Pool.Acquire wrapped to return the
// InstanceHandle interface) into an InstanceAcquirer.
func NewPoolAcquirer(acquire func(ctx context.Context, plugin ids.PluginId) (InstanceHandle, error)) InstanceAcquirer {
	return poolFunc(acquire)
}

// Recorder receives audit events for workflow and node transitions,
// satisfied by *audit.Ledger alongside capability.Recorder and
// policy.Recorder.
type Recorder interface {
	RecordWorkflowEvent(e AuditEvent)
}

// AuditEvent is one workflow-level audit entry.
type AuditEvent struct {
	Execution ids.ExecutionId
	Workflow  ids.WorkflowId
	Node      ids.NodeId
	Event     string
	Detail    string
	At        time.Time
}

// CheckpointStore persists execution snapshots so a crashed or
// restarted process can resume a run from its latest checkpoint
// (spec.md §4.6 "Checkpointing").
type CheckpointStore interface {
	SaveCheckpoint(executionID ids.ExecutionId, snapshot []byte) error
	LoadCheckpoint(executionID ids.ExecutionId) ([]byte, bool, error)
}

// Config bounds one Executor's scheduling behavior.
type Config struct {
	MaxParallelNodes   int
	UseCheckpoints     bool
	CheckpointInterval time.Duration
	WorkflowTimeout    time.Duration
}

// Executor runs workflow DAGs (spec.md §4.6 "Workflow Executor").
type Executor struct {
	log      *zap.Logger
	acquirer InstanceAcquirer
	kernel   *capability.Kernel
	store    CheckpointStore
	rec      Recorder
	cfg      Config

	mu        sync.RWMutex
	workflows map[ids.WorkflowId]*Workflow

	execMu     sync.RWMutex
	executions map[ids.ExecutionId]*ExecutionStatus
	cancels    map[ids.ExecutionId]context.CancelFunc
}

// New constructs an Executor. kernel and store may be nil: without a
// kernel, node-level capability scoping is skipped; without a store,
// UseCheckpoints executions simply never persist (and cannot resume
// after a restart).
func New(log *zap.Logger, acquirer InstanceAcquirer, kernel *capability.Kernel, store CheckpointStore, rec Recorder, cfg Config) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = 4
	}
	return &Executor{
		log:        log,
		acquirer:   acquirer,
		kernel:     kernel,
		store:      store,
		rec:        rec,
		cfg:        cfg,
		workflows:  make(map[ids.WorkflowId]*Workflow),
		executions: make(map[ids.ExecutionId]*ExecutionStatus),
		cancels:    make(map[ids.ExecutionId]context.CancelFunc),
	}
}

// Register validates and stores a workflow definition.
func (e *Executor) Register(wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.ID] = wf
	return nil
}

// Workflow returns a registered workflow by id.
func (e *Executor) Workflow(id ids.WorkflowId) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// AddNode applies a dynamic add_node update to a registered workflow.
// Only accepted while the workflow has at least one Running execution
// (spec.md §4.6 "Dynamic updates... only while its status is Running").
func (e *Executor) AddNode(workflowID ids.WorkflowId, node *Node) error {
	if !e.hasRunningExecution(workflowID) {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "Executor.AddNode", "workflow is not running")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowNotFound, "Executor.AddNode", workflowID.String())
	}
	return wf.AddNode(node)
}

// AddEdge applies a dynamic add_edge update to a registered workflow.
func (e *Executor) AddEdge(workflowID ids.WorkflowId, from, to ids.NodeId) error {
	if !e.hasRunningExecution(workflowID) {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "Executor.AddEdge", "workflow is not running")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowNotFound, "Executor.AddEdge", workflowID.String())
	}
	return wf.AddEdge(from, to)
}

func (e *Executor) hasRunningExecution(workflowID ids.WorkflowId) bool {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	for _, exec := range e.executions {
		if exec.WorkflowID == workflowID && exec.State == ExecRunning {
			return true
		}
	}
	return false
}

// Status returns the current ExecutionStatus for executionID.
func (e *Executor) Status(executionID ids.ExecutionId) (*ExecutionStatus, bool) {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	exec, ok := e.executions[executionID]
	return exec, ok
}

// run is the mutable per-execution scheduling state, separate from the
// externally-visible ExecutionStatus so the scheduler's bookkeeping
// (pending predecessor counts, satisfied counts) never leaks out.
type run struct {
	wf   *Workflow
	exec *ExecutionStatus

	mu        sync.Mutex
	ctxDoc    map[string]any
	pending   map[ids.NodeId]int
	satisfied map[ids.NodeId]int
	preds     map[ids.NodeId][]ids.NodeId

	completedOrder []ids.NodeId // for saga compensation, in completion order
	failed         bool
	lastCheckpoint time.Time
}

// prepareRun validates workflowID, decodes the initial context, and
// registers a new ExecutionStatus + run, returning both before any node
// has been scheduled. Shared by Start and StartAsync so both observe the
// same registration-before-scheduling ordering.
func (e *Executor) prepareRun(workflowID ids.WorkflowId, initialContext json.RawMessage) (*run, error) {
	e.mu.RLock()
	wf, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.FamilyWorkflow, errs.WorkflowNotFound, "Executor.Start", workflowID.String())
	}

	ctxDoc, err := decodeContext(initialContext)
	if err != nil {
		return nil, err
	}

	exec := &ExecutionStatus{
		ID:         ids.NewExecutionId(),
		WorkflowID: workflowID,
		State:      ExecRunning,
		StartedAt:  time.Now().UTC(),
		Context:    encodeContext(ctxDoc),
		Nodes:      make(map[ids.NodeId]*NodeStatus, len(wf.Nodes)),
	}
	for id := range wf.Nodes {
		exec.Nodes[id] = &NodeStatus{State: NodePending}
	}

	e.execMu.Lock()
	e.executions[exec.ID] = exec
	e.execMu.Unlock()

	r := &run{
		wf:        wf,
		exec:      exec,
		ctxDoc:    ctxDoc,
		pending:   make(map[ids.NodeId]int, len(wf.Nodes)),
		satisfied: make(map[ids.NodeId]int, len(wf.Nodes)),
		preds:     wf.predecessors(),
	}
	for id := range wf.Nodes {
		r.pending[id] = len(r.preds[id])
	}
	return r, nil
}

// runToCompletion schedules every node of r to completion, records the
// cancel func so Cancel can reach this execution, and finalizes exec's
// terminal state and checkpoint/audit entries.
func (e *Executor) runToCompletion(ctx context.Context, r *run) {
	if e.cfg.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.WorkflowTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.execMu.Lock()
	e.cancels[r.exec.ID] = cancel
	e.execMu.Unlock()
	defer func() {
		cancel()
		e.execMu.Lock()
		delete(e.cancels, r.exec.ID)
		e.execMu.Unlock()
	}()

	e.schedule(ctx, r)

	r.exec.EndedAt = time.Now().UTC()
	if r.failed {
		r.exec.State = ExecFailed
	} else if ctx.Err() != nil {
		r.exec.State = ExecCancelled
	} else {
		r.exec.State = ExecCompleted
	}
	r.exec.Context = encodeContext(r.ctxDoc)
	e.checkpoint(r, true)
	e.audit(r.exec.ID, r.wf.ID, ids.NodeId{}, "execution_"+r.exec.State.String(), "")
}

// Start begins a new execution of workflowID with the given initial
// context, blocking until the execution reaches a terminal state.
func (e *Executor) Start(ctx context.Context, workflowID ids.WorkflowId, initialContext json.RawMessage) (*ExecutionStatus, error) {
	r, err := e.prepareRun(workflowID, initialContext)
	if err != nil {
		return nil, err
	}
	e.runToCompletion(ctx, r)
	return r.exec, nil
}

// StartAsync begins a new execution and returns its ExecutionId as soon
// as it is registered, running the execution to completion in the
// background — the shape the control surface's start-workflow /
// status-workflow / cancel-workflow commands need, since a long-running
// workflow cannot block a CLI round trip.
func (e *Executor) StartAsync(ctx context.Context, workflowID ids.WorkflowId, initialContext json.RawMessage) (ids.ExecutionId, error) {
	r, err := e.prepareRun(workflowID, initialContext)
	if err != nil {
		return ids.ExecutionId{}, err
	}
	go e.runToCompletion(ctx, r)
	return r.exec.ID, nil
}

// Cancel requests that a running execution stop scheduling further
// nodes. Already-running node calls are not interrupted mid-call; the
// executor stops at the next scheduling decision point and marks the
// execution Cancelled once in-flight nodes return (spec.md §4.6
// "Cancelled" terminal state).
func (e *Executor) Cancel(executionID ids.ExecutionId) error {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	cancel, ok := e.cancels[executionID]
	if !ok {
		return errs.New(errs.FamilyWorkflow, errs.WorkflowExecNotFound, "Executor.Cancel", executionID.String())
	}
	cancel()
	return nil
}

// schedule runs the topological work loop with bounded parallelism.
func (e *Executor) schedule(ctx context.Context, r *run) {
	ready := make(chan ids.NodeId, len(r.wf.Nodes))
	var wg sync.WaitGroup
	var inflight sync.WaitGroup

	r.mu.Lock()
	for _, entry := range r.wf.EntryNodes {
		r.exec.Nodes[entry].State = NodeReady
		inflight.Add(1)
		ready <- entry
	}
	r.mu.Unlock()

	sem := make(chan struct{}, e.cfg.MaxParallelNodes)
	done := make(chan struct{})
	go func() { inflight.Wait(); close(done) }()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		case <-ctx.Done():
			e.cancelRemaining(r)
			wg.Wait()
			return
		case nodeID := <-ready:
			sem <- struct{}{}
			wg.Add(1)
			go func(id ids.NodeId) {
				defer wg.Done()
				defer func() { <-sem }()
				defer inflight.Done()
				e.runNode(ctx, r, id, ready, &inflight)
			}(nodeID)
		}
	}
}

func (e *Executor) cancelRemaining(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, status := range r.exec.Nodes {
		if !status.State.IsTerminal() {
			status.State = NodeCancelled
			status.EndedAt = time.Now().UTC()
		}
	}
}

// runNode executes one node (with retry/timeout), then propagates its
// outcome to successors, pushing any newly-ready node onto ready.
func (e *Executor) runNode(ctx context.Context, r *run, nodeID ids.NodeId, ready chan<- ids.NodeId, inflight *sync.WaitGroup) {
	node := r.wf.Nodes[nodeID]
	status := r.exec.Nodes[nodeID]

	r.mu.Lock()
	status.State = NodeRunning
	status.StartedAt = time.Now().UTC()
	r.mu.Unlock()
	e.audit(r.exec.ID, r.wf.ID, nodeID, "node_started", "")

	result, conditionTrue, err := e.executeWithRetry(ctx, r, node, status)

	r.mu.Lock()
	status.EndedAt = time.Now().UTC()
	if err != nil {
		status.Error = err.Error()
		if node.Config.ErrorPolicy.Kind == ErrorContinue {
			status.State = NodeFailed
			r.mu.Unlock()
			e.audit(r.exec.ID, r.wf.ID, nodeID, "node_failed_continue", err.Error())
			e.propagate(r, node, nodeID, false, false, ready, inflight)
			return
		}
		status.State = NodeFailed
		r.failed = true
		r.mu.Unlock()
		e.audit(r.exec.ID, r.wf.ID, nodeID, "node_failed", err.Error())
		e.runCompensations(ctx, r)
		return
	}

	status.State = NodeCompleted
	status.Result = result
	r.completedOrder = append(r.completedOrder, nodeID)
	r.mu.Unlock()

	if node.Kind == NodePluginCall && len(node.OutputMapping) > 0 {
		r.mu.Lock()
		if mapErr := applyOutput(node.OutputMapping, result, r.ctxDoc); mapErr != nil {
			e.log.Warn("workflow: output mapping failed", zap.String("node", nodeID.String()), zap.Error(mapErr))
		}
		r.mu.Unlock()
	}

	e.audit(r.exec.ID, r.wf.ID, nodeID, "node_completed", "")
	e.checkpoint(r, false)
	e.propagate(r, node, nodeID, true, conditionTrue, ready, inflight)
}

// executeWithRetry runs node's body, retrying per its ErrorPolicy.
func (e *Executor) executeWithRetry(ctx context.Context, r *run, node *Node, status *NodeStatus) (json.RawMessage, bool, error) {
	maxAttempts := 1
	if node.Config.ErrorPolicy.Kind == ErrorRetry {
		maxAttempts = 1 + node.Config.ErrorPolicy.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(node.Config.ErrorPolicy.DelayMS) * time.Millisecond
			if node.Config.ErrorPolicy.ExponentialBackoff {
				delay = time.Duration(float64(delay) * math.Pow(2, float64(attempt-1)))
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			r.mu.Lock()
			status.RetryCount++
			r.mu.Unlock()
		}

		nodeCtx := ctx
		var cancel context.CancelFunc
		if node.Config.TimeoutMS > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Config.TimeoutMS)*time.Millisecond)
		}
		result, conditionTrue, err := e.executeOnce(nodeCtx, r, node)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, conditionTrue, nil
		}
		lastErr = err
		if node.Config.ErrorPolicy.Kind != ErrorRetry {
			break
		}
	}
	return nil, false, lastErr
}

// executeOnce dispatches a single attempt of node according to its Kind.
func (e *Executor) executeOnce(ctx context.Context, r *run, node *Node) (json.RawMessage, bool, error) {
	switch node.Kind {
	case NodePluginCall:
		res, err := e.invokePlugin(ctx, r, node, node.Plugin, node.Function, node.InputMapping)
		return res, false, err
	case NodeCondition:
		r.mu.Lock()
		cond, err := evaluateCondition(node.Expression, r.ctxDoc)
		r.mu.Unlock()
		return nil, cond, err
	case NodeSubflow:
		return e.executeSubflow(ctx, r, node)
	case NodeCustom:
		return nil, false, fmt.Errorf("workflow: custom node %q has no registered handler", node.Tag)
	default:
		return nil, false, errs.New(errs.FamilyWorkflow, errs.WorkflowDefinitionErr, "Executor.executeOnce", node.ID.String())
	}
}

func (e *Executor) executeSubflow(ctx context.Context, r *run, node *Node) (json.RawMessage, bool, error) {
	r.mu.Lock()
	input, err := resolveInput(node.SubflowInput, r.ctxDoc)
	r.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	sub, err := e.Start(ctx, node.Subflow, input)
	if err != nil {
		return nil, false, err
	}
	if sub.State != ExecCompleted {
		return nil, false, errs.New(errs.FamilyWorkflow, errs.WorkflowExecFailed, "Executor.executeSubflow", node.Subflow.String())
	}
	return sub.Context, false, nil
}

// invokePlugin acquires a pooled instance, optionally attenuates the
// plugin's authority to a scoped capability declared on node, invokes
// function, and releases the instance.
func (e *Executor) invokePlugin(ctx context.Context, r *run, node *Node, plugin ids.PluginId, function string, inputMapping map[string]string) (json.RawMessage, error) {
	r.mu.Lock()
	input, err := resolveInput(inputMapping, r.ctxDoc)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	release, err := e.scopeCapability(plugin, node)
	if err != nil {
		return nil, err
	}
	defer release()

	handle, err := e.acquirer.Acquire(ctx, plugin)
	if err != nil {
		return nil, err
	}
	result, callErr := invokeJSON(ctx, handle.Instance(), function, input)
	if callErr != nil {
		handle.MarkFailed()
	}
	handle.Release(ctx)
	return result, callErr
}

// scopeCapability grants plugin a fresh capability narrowed via
// node.Capability.Constrain(node.CapabilityConstraint), held only for the
// duration of this invocation, then revoked — giving each node only the
// authority it declared (spec.md §1) without touching the plugin's own
// ambient grants in the Capability Kernel.
func (e *Executor) scopeCapability(plugin ids.PluginId, node *Node) (release func(), err error) {
	if e.kernel == nil || node.Capability == nil {
		return func() {}, nil
	}
	scoped, err := node.Capability.Constrain(node.CapabilityConstraint)
	if err != nil {
		return nil, err
	}
	capID := e.kernel.Grant(plugin, scoped)
	return func() { _ = e.kernel.Revoke(capID) }, nil
}

// propagate decrements the pending predecessor count of every successor
// of nodeID, pushing newly-ready successors onto ready, and recursively
// skipping successors that can never become ready.
func (e *Executor) propagate(r *run, node *Node, nodeID ids.NodeId, completed bool, conditionTrue bool, ready chan<- ids.NodeId, inflight *sync.WaitGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.Kind == NodeCondition {
		chosen, other := node.TrueBranch, node.FalseBranch
		if !conditionTrue {
			chosen, other = node.FalseBranch, node.TrueBranch
		}
		e.resolveEdgeLocked(r, chosen, true, ready, inflight)
		e.resolveEdgeLocked(r, other, false, ready, inflight)
		return
	}
	for succ := range r.wf.Edges[nodeID] {
		e.resolveEdgeLocked(r, succ, completed, ready, inflight)
	}
}

// resolveEdgeLocked accounts for one resolved incoming edge of succ,
// called with r.mu held.
func (e *Executor) resolveEdgeLocked(r *run, succ ids.NodeId, satisfied bool, ready chan<- ids.NodeId, inflight *sync.WaitGroup) {
	status := r.exec.Nodes[succ]
	if status.State.IsTerminal() {
		return
	}
	r.pending[succ]--
	if satisfied {
		r.satisfied[succ]++
	}
	if r.pending[succ] > 0 {
		return
	}
	if r.satisfied[succ] == 0 {
		status.State = NodeSkipped
		status.EndedAt = time.Now().UTC()
		for grandchild := range r.wf.Edges[succ] {
			e.resolveEdgeLocked(r, grandchild, false, ready, inflight)
		}
		return
	}
	status.State = NodeReady
	inflight.Add(1)
	ready <- succ
}

// runCompensations invokes, in reverse completion order, the
// compensation counterpart of every node that completed before a
// Fail-policy failure (spec.md §4.6 "Compensation (saga)").
func (e *Executor) runCompensations(ctx context.Context, r *run) {
	completed := make([]ids.NodeId, len(r.completedOrder))
	copy(completed, r.completedOrder)

	for i := len(completed) - 1; i >= 0; i-- {
		nodeID := completed[i]
		node := r.wf.Nodes[nodeID]
		if node.Compensation == nil {
			continue
		}
		r.mu.Lock()
		input, err := resolveInput(node.Compensation.InputMapping, r.ctxDoc)
		r.mu.Unlock()
		if err != nil {
			e.log.Warn("workflow: compensation input mapping failed", zap.String("node", nodeID.String()), zap.Error(err))
			continue
		}
		handle, err := e.acquirer.Acquire(ctx, node.Compensation.Plugin)
		if err != nil {
			e.log.Warn("workflow: compensation acquire failed", zap.String("node", nodeID.String()), zap.Error(err))
			continue
		}
		_, callErr := invokeJSON(ctx, handle.Instance(), node.Compensation.Function, input)
		if callErr != nil {
			handle.MarkFailed()
			e.log.Warn("workflow: compensation call failed", zap.String("node", nodeID.String()), zap.Error(callErr))
		}
		handle.Release(ctx)
		e.audit(r.exec.ID, r.wf.ID, nodeID, "node_compensated", "")
	}
}

// checkpoint persists the execution snapshot if UseCheckpoints is
// enabled and either force is set or CheckpointInterval has elapsed
// since the last persisted checkpoint (spec.md §4.6 "persists... at most
// every checkpoint_interval_ms").
func (e *Executor) checkpoint(r *run, force bool) {
	if !e.cfg.UseCheckpoints || e.store == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(r.lastCheckpoint) < e.cfg.CheckpointInterval {
		return
	}
	r.lastCheckpoint = now

	r.mu.Lock()
	r.exec.Context = encodeContext(r.ctxDoc)
	var queueHead []ids.NodeId
	for id, status := range r.exec.Nodes {
		if status.State == NodeReady {
			queueHead = append(queueHead, id)
		}
	}
	r.exec.QueueHead = queueHead
	snapshot, err := json.Marshal(r.exec)
	r.mu.Unlock()
	if err != nil {
		e.log.Warn("workflow: checkpoint marshal failed", zap.Error(err))
		return
	}
	if err := e.store.SaveCheckpoint(r.exec.ID, snapshot); err != nil {
		e.log.Warn("workflow: checkpoint save failed", zap.Error(err))
	}
}

// Resume loads the latest checkpoint for executionID, if any, and
// resumes scheduling from its recorded Ready nodes (spec.md §4.6 "On
// restart, the executor loads the latest checkpoint and resumes from
// Ready nodes").
func (e *Executor) Resume(ctx context.Context, executionID ids.ExecutionId) (*ExecutionStatus, error) {
	if e.store == nil {
		return nil, errs.New(errs.FamilyWorkflow, errs.WorkflowPersistence, "Executor.Resume", "no checkpoint store configured")
	}
	snapshot, ok, err := e.store.LoadCheckpoint(executionID)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowPersistence, "Executor.Resume", executionID.String(), err)
	}
	if !ok {
		return nil, errs.New(errs.FamilyWorkflow, errs.WorkflowExecNotFound, "Executor.Resume", executionID.String())
	}
	var exec ExecutionStatus
	if err := json.Unmarshal(snapshot, &exec); err != nil {
		return nil, errs.WrapDetail(errs.FamilyWorkflow, errs.WorkflowPersistence, "Executor.Resume", executionID.String(), err)
	}

	e.mu.RLock()
	wf, ok := e.workflows[exec.WorkflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.FamilyWorkflow, errs.WorkflowNotFound, "Executor.Resume", exec.WorkflowID.String())
	}

	ctxDoc, err := decodeContext(exec.Context)
	if err != nil {
		return nil, err
	}

	r := &run{
		wf:        wf,
		exec:      &exec,
		ctxDoc:    ctxDoc,
		pending:   make(map[ids.NodeId]int, len(wf.Nodes)),
		satisfied: make(map[ids.NodeId]int, len(wf.Nodes)),
		preds:     wf.predecessors(),
	}
	for id := range wf.Nodes {
		if exec.Nodes[id] == nil {
			exec.Nodes[id] = &NodeStatus{State: NodePending}
		}
		switch exec.Nodes[id].State {
		case NodeCompleted:
			r.satisfied[id] = 1
		case NodeSkipped, NodeFailed, NodeCancelled:
			r.satisfied[id] = 0
		default:
			r.pending[id] = len(r.preds[id])
		}
	}

	e.execMu.Lock()
	e.executions[exec.ID] = &exec
	e.execMu.Unlock()

	e.scheduleFromQueueHead(ctx, r)

	exec.EndedAt = time.Now().UTC()
	if r.failed {
		exec.State = ExecFailed
	} else {
		exec.State = ExecCompleted
	}
	exec.Context = encodeContext(r.ctxDoc)
	return &exec, nil
}

func (e *Executor) scheduleFromQueueHead(ctx context.Context, r *run) {
	ready := make(chan ids.NodeId, len(r.wf.Nodes))
	var wg sync.WaitGroup
	var inflight sync.WaitGroup

	for _, id := range r.exec.QueueHead {
		status := r.exec.Nodes[id]
		if status.State.IsTerminal() {
			continue
		}
		status.State = NodeReady
		inflight.Add(1)
		ready <- id
	}

	sem := make(chan struct{}, e.cfg.MaxParallelNodes)
	done := make(chan struct{})
	go func() { inflight.Wait(); close(done) }()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		case <-ctx.Done():
			e.cancelRemaining(r)
			wg.Wait()
			return
		case nodeID := <-ready:
			sem <- struct{}{}
			wg.Add(1)
			go func(id ids.NodeId) {
				defer wg.Done()
				defer func() { <-sem }()
				defer inflight.Done()
				e.runNode(ctx, r, id, ready, &inflight)
			}(nodeID)
		}
	}
}

func (e *Executor) audit(execID ids.ExecutionId, wfID ids.WorkflowId, nodeID ids.NodeId, event, detail string) {
	if e.rec == nil {
		return
	}
	e.rec.RecordWorkflowEvent(AuditEvent{
		Execution: execID,
		Workflow:  wfID,
		Node:      nodeID,
		Event:     event,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
}
