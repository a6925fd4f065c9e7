// Package remote implements the Remote isolation backend (spec.md §3
// Plugin.plugin_type "remote"): a Backend that cannot share host memory
// with its instances because they run in a separate process, possibly on
// a separate machine. Host calls are brokered over NATS request/reply
// subjects instead of direct memory access, and "instantiation" means
// asking the remote process to start an instance and hand back a
// session id, rather than allocating linear memory in-process.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
)

// subject layout: one instantiate subject per module key, one call and
// one close subject per instance session, and a single evict subject
// that carries the module key as its payload, keeping routing cheap on
// the NATS side (no wildcard subscriptions needed on the hot path).
const (
	subjectPrefix = "octoplugin.remote"
)

func instantiateSubject(key isolation.ModuleKey) string {
	return fmt.Sprintf("%s.instantiate.%s", subjectPrefix, key)
}

func callSubject(session string) string {
	return fmt.Sprintf("%s.call.%s", subjectPrefix, session)
}

func closeSubject(session string) string {
	return fmt.Sprintf("%s.close.%s", subjectPrefix, session)
}

type instantiateRequest struct {
	ModuleKey string                   `json:"module_key"`
	Source    []byte                   `json:"source"`
	Limits    isolation.ResourceLimits `json:"limits"`
	Plugin    string                   `json:"plugin"`
}

type instantiateResponse struct {
	Session string `json:"session"`
	Error   string `json:"error,omitempty"`
}

type callRequest struct {
	Function string   `json:"function"`
	Args     []uint64 `json:"args"`
}

type callResponse struct {
	Results []uint64 `json:"results,omitempty"`
	Error   string   `json:"error,omitempty"`
	Trap    bool     `json:"trap,omitempty"`
	Timeout bool     `json:"timeout,omitempty"`
}

type usageResponse struct {
	MemoryBytes       uint64 `json:"memory_bytes"`
	PeakMemoryBytes   uint64 `json:"peak_memory_bytes"`
	CPUTimeMicros     uint64 `json:"cpu_time_micros"`
	FunctionCallCount uint64 `json:"function_call_count"`
}

// Backend brokers plugin execution to an out-of-process runner over
// NATS request/reply. It implements isolation.Backend so the Instance
// Pool can treat remote and in-process plugins identically.
type Backend struct {
	log     *zap.Logger
	conn    *nats.Conn
	timeout time.Duration
}

// NewBackend connects to the given NATS URL. The caller owns the
// lifetime of the returned Backend and must call Close to close the
// underlying connection.
func NewBackend(log *zap.Logger, natsURL string, timeout time.Duration) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(natsURL, nats.Name("plugink-isolation-remote"))
	if err != nil {
		return nil, fmt.Errorf("isolation/remote: connect to nats: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Backend{log: log, conn: conn, timeout: timeout}, nil
}

func (b *Backend) Name() string { return ids.PluginRemote.String() }

// Compile, for the Remote backend, records only the module key and the
// source size — there is no local compiled-module cache to populate,
// since compilation happens wherever the remote runner lives. The source
// is not kept and is never sent: Instantiate passes only the module key,
// so the remote runner must already hold the module for that key.
func (b *Backend) Compile(ctx context.Context, key isolation.ModuleKey, source []byte) (*isolation.CompiledModule, error) {
	return &isolation.CompiledModule{Key: key, SizeBytes: int64(len(source)), CompiledAt: time.Now().UTC()}, nil
}

func (b *Backend) Evict(key isolation.ModuleKey) {
	_ = b.conn.Publish(fmt.Sprintf("%s.evict", subjectPrefix), []byte(key))
}

func (b *Backend) Close(ctx context.Context) error {
	b.conn.Close()
	return nil
}

func (b *Backend) Instantiate(ctx context.Context, plugin ids.PluginId, cm *isolation.CompiledModule, limits isolation.ResourceLimits) (isolation.Instance, error) {
	req := instantiateRequest{ModuleKey: string(cm.Key), Limits: limits, Plugin: plugin.String()}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("isolation/remote: marshal instantiate request: %w", err)
	}

	msg, err := b.conn.Request(instantiateSubject(cm.Key), payload, b.timeout)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationInstantiateFailed, "remote.Backend.Instantiate", string(cm.Key), err)
	}
	var resp instantiateResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("isolation/remote: unmarshal instantiate response: %w", err)
	}
	if resp.Error != "" {
		return nil, errs.New(errs.FamilyIsolation, errs.IsolationInstantiateFailed, "remote.Backend.Instantiate", resp.Error)
	}

	return &instance{
		conn:     b.conn,
		session:  resp.Session,
		timeout:  b.timeout,
		pluginID: plugin,
	}, nil
}

// instance is a remote-backed Instance: every operation is a NATS
// request/reply round trip keyed by session.
type instance struct {
	conn     *nats.Conn
	session  string
	timeout  time.Duration
	pluginID ids.PluginId
}

func (i *instance) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	payload, err := json.Marshal(callRequest{Function: function, Args: args})
	if err != nil {
		return nil, fmt.Errorf("isolation/remote: marshal call request: %w", err)
	}
	msg, err := i.conn.RequestWithContext(ctx, callSubject(i.session), payload)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationTrap, "remote.instance.Call", function, err)
	}
	var resp callResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("isolation/remote: unmarshal call response: %w", err)
	}
	switch {
	case resp.Timeout:
		return nil, errs.New(errs.FamilyPlugin, errs.PluginTimeout, "remote.instance.Call", function)
	case resp.Trap:
		return nil, errs.New(errs.FamilyIsolation, errs.IsolationTrap, "remote.instance.Call", resp.Error)
	case resp.Error != "":
		return nil, errs.New(errs.FamilyPlugin, errs.PluginExecutionError, "remote.instance.Call", resp.Error)
	}
	return resp.Results, nil
}

func (i *instance) Usage() ids.ResourceUsage {
	msg, err := i.conn.Request(fmt.Sprintf("%s.usage.%s", subjectPrefix, i.session), nil, i.timeout)
	if err != nil {
		return ids.ResourceUsage{PluginID: i.pluginID, SampledAt: time.Now().UTC()}
	}
	var resp usageResponse
	_ = json.Unmarshal(msg.Data, &resp)
	return ids.ResourceUsage{
		PluginID:          i.pluginID,
		MemoryBytes:       resp.MemoryBytes,
		PeakMemoryBytes:   resp.PeakMemoryBytes,
		CPUTimeMicros:     resp.CPUTimeMicros,
		FunctionCallCount: resp.FunctionCallCount,
		SampledAt:         time.Now().UTC(),
	}
}

// WriteMemory, ReadMemory, and Allocate have no meaning for a Remote
// instance: there is no shared linear memory to touch from the host
// side. Host-call marshaling for remote plugins instead flows entirely
// through the call/response JSON envelope above. Callers that need to
// pass buffers to a remote plugin encode them as call Args or as a
// side-channel object subject, per the plugin's own manifest-declared
// contract — the runtime does not prescribe one.
func (i *instance) WriteMemory(offset uint32, data []byte) error {
	return errs.New(errs.FamilyIsolation, errs.IsolationMemoryAccess, "remote.instance.WriteMemory", "remote instances have no shared memory")
}

func (i *instance) ReadMemory(offset, size uint32) ([]byte, error) {
	return nil, errs.New(errs.FamilyIsolation, errs.IsolationMemoryAccess, "remote.instance.ReadMemory", "remote instances have no shared memory")
}

func (i *instance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	return 0, errs.New(errs.FamilyIsolation, errs.IsolationMemoryAccess, "remote.instance.Allocate", "remote instances have no shared memory")
}

func (i *instance) Close(ctx context.Context) error {
	_ = i.conn.Publish(closeSubject(i.session), nil)
	return nil
}
