package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/errs"
)

// PluginInvoker drives the plugin side of a Plugin-family event through
// the Instance Pool / Isolation Backend (C5–C6), satisfied by a thin
// adapter over *pool.Pool + the isolation.Instance ABI in
// internal/bootstrap.
type PluginInvoker interface {
	Invoke(ctx context.Context, plugin PluginPayload) (result []byte, err error)
}

// AgentDriver drives Agent-kind work "through the plugin or messaging
// layer as configured" (spec.md §4.7).
type AgentDriver interface {
	Drive(ctx context.Context, agent AgentPayload) (result []byte, err error)
}

// Config bounds the orchestrator's channels.
type Config struct {
	InboundCapacity    int
	SubscriberCapacity int
	LogCapacity        int
}

// Orchestrator is the Event Orchestrator (spec.md §4.7): a bounded
// inbound queue, a broadcast outbound channel, three per-family
// handlers, and an append-only event log.
type Orchestrator struct {
	log *zap.Logger
	cfg Config

	inbound      chan SystemEvent
	closeInbound sync.Once

	subMu       sync.Mutex
	subscribers map[int]chan SystemEvent
	nextSubID   int

	elog *Log

	pluginHandler PluginInvoker
	agentHandler  AgentDriver

	done chan struct{}
}

// New constructs an Orchestrator. pluginHandler/agentHandler may be nil;
// a Plugin or Agent event submitted without the corresponding handler
// wired completes as an error event rather than panicking.
func New(log *zap.Logger, pluginHandler PluginInvoker, agentHandler AgentDriver, cfg Config) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = 256
	}
	if cfg.SubscriberCapacity <= 0 {
		cfg.SubscriberCapacity = 64
	}
	return &Orchestrator{
		log:           log,
		cfg:           cfg,
		inbound:       make(chan SystemEvent, cfg.InboundCapacity),
		subscribers:   make(map[int]chan SystemEvent),
		elog:          NewLog(cfg.LogCapacity),
		pluginHandler: pluginHandler,
		agentHandler:  agentHandler,
		done:          make(chan struct{}),
	}
}

// Log returns the orchestrator's append-only event log.
func (o *Orchestrator) Log() *Log { return o.elog }

// Submit lodges ev on the inbound queue, assigning EventID/Timestamp if
// unset, and returns errs.EventQueueFull if the queue is at capacity
// (spec.md §4.7 "bounded, producer/consumer queue").
func (o *Orchestrator) Submit(ev SystemEvent) (ID, error) {
	if ev.Meta.EventID == "" {
		ev.Meta.EventID = newID()
	}
	if ev.Meta.Timestamp.IsZero() {
		ev.Meta.Timestamp = time.Now().UTC()
	}
	select {
	case o.inbound <- ev:
		return ev.Meta.EventID, nil
	default:
		return "", errs.New(errs.FamilyEvent, errs.EventQueueFull, "Orchestrator.Submit", "inbound queue at capacity")
	}
}

// Subscribe registers a new outbound broadcast listener, returning its
// id (for Unsubscribe) and the channel completion/progress events are
// delivered on.
func (o *Orchestrator) Subscribe() (int, <-chan SystemEvent) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan SystemEvent, o.cfg.SubscriberCapacity)
	o.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (o *Orchestrator) Unsubscribe(id int) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if ch, ok := o.subscribers[id]; ok {
		delete(o.subscribers, id)
		close(ch)
	}
}

// broadcast delivers ev to every current subscriber. A slow subscriber
// whose buffer is full has this delivery dropped for it — "lag
// reported, not errored" (spec.md §5) — rather than blocking the single
// consumer loop.
func (o *Orchestrator) broadcast(ev SystemEvent) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
			o.log.Warn("event: subscriber lagging, dropped broadcast", zap.Int("subscriber", id))
		}
	}
}

// Run consumes the inbound queue in submission order until ctx is
// cancelled or the queue is closed via Shutdown, dispatching each event
// to its family handler and broadcasting the derived completion event
// (spec.md §4.7 "single-threaded from the consumer side").
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.inbound:
			if !ok {
				return nil
			}
			o.process(ctx, ev)
		}
	}
}

// Shutdown stops accepting new events and waits, bounded by ctx, for the
// consumer loop to drain and exit (spec.md §5 "Orchestrator shutdown
// closes the inbound queue and waits with a bounded join timeout").
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeInbound.Do(func() { close(o.inbound) })
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) process(ctx context.Context, ev SystemEvent) {
	o.elog.Append(ev, OutcomeReceived)

	derived := o.dispatch(ctx, ev)

	outcome := OutcomeCompleted
	if derived.Kind == KindError {
		outcome = OutcomeError
	}
	o.elog.Append(derived, outcome)
	o.broadcast(derived)
}

func (o *Orchestrator) dispatch(ctx context.Context, ev SystemEvent) SystemEvent {
	switch ev.Family {
	case FamilyTask:
		return o.handleTask(ev)
	case FamilyPlugin:
		return o.handlePlugin(ctx, ev)
	case FamilyAgent:
		return o.handleAgent(ctx, ev)
	default:
		return o.errorEvent(ev, "unrecognized event family")
	}
}

// handleTask validates a Task event and produces TaskCompleted or
// TaskError (spec.md §4.7 "empty-payload task returns TaskError").
func (o *Orchestrator) handleTask(ev SystemEvent) SystemEvent {
	if ev.Task == nil || len(ev.Task.Input) == 0 {
		return o.errorEvent(ev, "task payload is empty")
	}
	out := *ev.Task
	out.Result = ev.Task.Input
	return SystemEvent{Family: FamilyTask, Kind: KindCompleted, Meta: o.derive(ev.Meta), Task: &out}
}

// handlePlugin drives a Plugin event through the configured
// PluginInvoker (spec.md §4.7 "asks C6 to acquire an instance from C5's
// pool").
func (o *Orchestrator) handlePlugin(ctx context.Context, ev SystemEvent) SystemEvent {
	if ev.Plugin == nil {
		return o.errorEvent(ev, "plugin payload is empty")
	}
	if o.pluginHandler == nil {
		return o.errorEvent(ev, "no plugin handler configured")
	}
	result, err := o.pluginHandler.Invoke(ctx, *ev.Plugin)
	out := *ev.Plugin
	if err != nil {
		out.Err = err.Error()
		return SystemEvent{Family: FamilyPlugin, Kind: KindError, Meta: o.derive(ev.Meta), Plugin: &out}
	}
	out.Result = result
	return SystemEvent{Family: FamilyPlugin, Kind: KindCompleted, Meta: o.derive(ev.Meta), Plugin: &out}
}

// handleAgent drives an Agent event through the configured AgentDriver.
func (o *Orchestrator) handleAgent(ctx context.Context, ev SystemEvent) SystemEvent {
	if ev.Agent == nil {
		return o.errorEvent(ev, "agent payload is empty")
	}
	if o.agentHandler == nil {
		return o.errorEvent(ev, "no agent handler configured")
	}
	result, err := o.agentHandler.Drive(ctx, *ev.Agent)
	out := *ev.Agent
	if err != nil {
		out.Err = err.Error()
		return SystemEvent{Family: FamilyAgent, Kind: KindError, Meta: o.derive(ev.Meta), Agent: &out}
	}
	out.Result = result
	return SystemEvent{Family: FamilyAgent, Kind: KindCompleted, Meta: o.derive(ev.Meta), Agent: &out}
}

// errorEvent builds a Kind-Error event of ev's own family, preserving
// whatever payload ev carried and recording reason on it.
func (o *Orchestrator) errorEvent(ev SystemEvent, reason string) SystemEvent {
	meta := o.derive(ev.Meta)
	switch ev.Family {
	case FamilyTask:
		payload := &TaskPayload{Err: reason}
		if ev.Task != nil {
			p := *ev.Task
			p.Err = reason
			payload = &p
		}
		return SystemEvent{Family: FamilyTask, Kind: KindError, Meta: meta, Task: payload}
	case FamilyPlugin:
		payload := &PluginPayload{Err: reason}
		if ev.Plugin != nil {
			p := *ev.Plugin
			p.Err = reason
			payload = &p
		}
		return SystemEvent{Family: FamilyPlugin, Kind: KindError, Meta: meta, Plugin: payload}
	case FamilyAgent:
		payload := &AgentPayload{Err: reason}
		if ev.Agent != nil {
			p := *ev.Agent
			p.Err = reason
			payload = &p
		}
		return SystemEvent{Family: FamilyAgent, Kind: KindError, Meta: meta, Agent: payload}
	default:
		return SystemEvent{Family: ev.Family, Kind: KindError, Meta: meta}
	}
}

// derive builds the Metadata for an event caused by parent, inheriting
// its correlation id — or, if parent is itself a root event, rooting the
// chain at parent's own EventID (spec.md §4.7 "Every derived event
// inherits the source event's correlation id unless explicitly
// re-rooted").
func (o *Orchestrator) derive(parent Metadata) Metadata {
	correlation := parent.CorrelationID
	if correlation == "" {
		correlation = parent.EventID
	}
	return Metadata{
		EventID:       newID(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlation,
		Context:       parent.Context,
	}
}
