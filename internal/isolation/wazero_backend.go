package isolation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
)

const hostModuleName = "octoplugin"

// ContentHash computes the ModuleKey a compiled module is cached under.
func ContentHash(source []byte) ModuleKey {
	sum := sha256.Sum256(source)
	return ModuleKey(hex.EncodeToString(sum[:]))
}

type wazeroModule struct {
	compiled   wazero.CompiledModule
	sizeBytes  int64
	compiledAt time.Time
}

// WazeroBackend is the local, in-process Backend for plugin_type "wasm",
// backed by tetratelabs/wazero — a pure-Go engine with no cgo
// dependency, matching the portable-static-binary preference the ambient
// stack already carries (spec.md §4.3, §1 "WebAssembly today").
//
// The compiled-module store is a size-budgeted LRU (spec.md §4.3 "evicts
// by LRU when a configured byte budget is exceeded"): the cache is keyed
// by entry count, re-derived from the observed average module size on
// every Compile that finds the byte budget exceeded, since golang-lru/v2
// caps by entry count rather than bytes.
type WazeroBackend struct {
	log     *zap.Logger
	runtime wazero.Runtime
	gate    *Gate
	handlers HostCallHandlers

	mu         sync.Mutex
	cache      *lru.Cache[ModuleKey, *wazeroModule]
	byteBudget int64
	usedBytes  int64
}

// NewWazeroBackend constructs a WazeroBackend. byteBudget bounds the
// total size of cached compiled modules; gate and handlers wire every
// host-call import through the two-phase authorization and the real I/O
// implementations.
func NewWazeroBackend(ctx context.Context, log *zap.Logger, byteBudget int64, gate *Gate, handlers HostCallHandlers) (*WazeroBackend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// A generous initial entry-count ceiling; enforceBudgetLocked recomputes it
	// once real average module sizes are known.
	cache, err := lru.New[ModuleKey, *wazeroModule](256)
	if err != nil {
		return nil, fmt.Errorf("isolation: construct module cache: %w", err)
	}
	b := &WazeroBackend{
		log:        log,
		runtime:    wazero.NewRuntime(ctx),
		gate:       gate,
		handlers:   handlers,
		cache:      cache,
		byteBudget: byteBudget,
	}
	if err := b.buildHostModule(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *WazeroBackend) Name() string { return ids.PluginWasm.String() }

func (b *WazeroBackend) Compile(ctx context.Context, key ModuleKey, source []byte) (*CompiledModule, error) {
	b.mu.Lock()
	if wm, ok := b.cache.Get(key); ok {
		b.mu.Unlock()
		return &CompiledModule{Key: key, SizeBytes: wm.sizeBytes, CompiledAt: wm.compiledAt, native: wm}, nil
	}
	b.mu.Unlock()

	compiled, err := b.runtime.CompileModule(ctx, source)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationCompileFailed, "WazeroBackend.Compile", string(key), err)
	}
	wm := &wazeroModule{compiled: compiled, sizeBytes: int64(len(source)), compiledAt: time.Now().UTC()}

	b.mu.Lock()
	b.cache.Add(key, wm)
	b.usedBytes += wm.sizeBytes
	b.enforceBudgetLocked()
	b.mu.Unlock()

	return &CompiledModule{Key: key, SizeBytes: wm.sizeBytes, CompiledAt: wm.compiledAt, native: wm}, nil
}

// enforceBudgetLocked re-derives the cache's entry-count ceiling from the
// observed average module size and evicts the least-recently-used
// entries until usedBytes is back under byteBudget. Called with mu held.
func (b *WazeroBackend) enforceBudgetLocked() {
	if b.byteBudget <= 0 || b.usedBytes <= b.byteBudget {
		return
	}
	avg := b.usedBytes / int64(max(1, b.cache.Len()))
	if avg > 0 {
		newCap := int(b.byteBudget / avg)
		if newCap < 1 {
			newCap = 1
		}
		b.cache.Resize(newCap)
	}
	for b.usedBytes > b.byteBudget && b.cache.Len() > 0 {
		_, wm, ok := b.cache.RemoveOldest()
		if !ok {
			break
		}
		b.usedBytes -= wm.sizeBytes
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (b *WazeroBackend) Evict(key ModuleKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wm, ok := b.cache.Peek(key); ok {
		b.usedBytes -= wm.sizeBytes
		b.cache.Remove(key)
	}
}

func (b *WazeroBackend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}

// Instantiate creates a fresh sandboxed instance of cm. Each instance
// gets its own module instantiation so instances of the same compiled
// module never share linear memory (spec.md §5 "instances never share
// address space").
func (b *WazeroBackend) Instantiate(ctx context.Context, plugin ids.PluginId, cm *CompiledModule, limits ResourceLimits) (Instance, error) {
	wm, ok := cm.native.(*wazeroModule)
	if !ok {
		return nil, errs.New(errs.FamilyIsolation, errs.IsolationInvalidModule, "WazeroBackend.Instantiate", string(cm.Key))
	}

	cfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("%s-%d", cm.Key, time.Now().UnixNano()))
	mod, err := b.runtime.InstantiateModule(ctx, wm.compiled, cfg)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationInstantiateFailed, "WazeroBackend.Instantiate", string(cm.Key), err)
	}

	inst := &wazeroInstance{
		mod:       mod,
		limits:    limits,
		startedAt: time.Now().UTC(),
		pluginID:  plugin,
	}
	return inst, nil
}

// buildHostModule registers the fixed "octoplugin" import vocabulary
// (spec.md §6) on the shared runtime. Every import is gated through
// b.gate.Check before b.handlers runs the real operation, and every
// result is marshaled back into the calling module's own memory via its
// exported "allocate" function, per the ABI's marshaling contract.
func (b *WazeroBackend) buildHostModule(ctx context.Context) error {
	builder := b.runtime.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().WithFunc(b.hostFileRead).Export("file_read")
	builder.NewFunctionBuilder().WithFunc(b.hostFileWrite).Export("file_write")
	builder.NewFunctionBuilder().WithFunc(b.hostNetworkRequest).Export("network_request")
	builder.NewFunctionBuilder().WithFunc(b.hostMessagePublish).Export("message_publish")
	builder.NewFunctionBuilder().WithFunc(b.hostMessageSend).Export("message_send")
	builder.NewFunctionBuilder().WithFunc(b.hostPluginCall).Export("plugin_call")
	builder.NewFunctionBuilder().WithFunc(b.hostLog).Export("log")

	_, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("isolation: build host module: %w", err)
	}
	return nil
}

func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return cp, true
}

// writeOutDescriptor allocates guest memory for data via the calling
// module's exported "allocate" function, writes data into it, and writes
// the resulting (ptr, len) pair as two little-endian u32s at outPtr —
// the fixed output-descriptor convention every ABI import with a return
// value uses.
func writeOutDescriptor(ctx context.Context, mod api.Module, outPtr uint32, data []byte) int32 {
	if len(data) == 0 {
		if !mod.Memory().WriteUint32Le(outPtr, 0) || !mod.Memory().WriteUint32Le(outPtr+4, 0) {
			return StatusInternal
		}
		return StatusOK
	}
	allocate := mod.ExportedFunction("allocate")
	if allocate == nil {
		return StatusInternal
	}
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil || len(results) != 1 {
		return StatusInternal
	}
	dataPtr := uint32(results[0])
	if !mod.Memory().Write(dataPtr, data) {
		return StatusInternal
	}
	if !mod.Memory().WriteUint32Le(outPtr, dataPtr) || !mod.Memory().WriteUint32Le(outPtr+4, uint32(len(data))) {
		return StatusInternal
	}
	return StatusOK
}

func (b *WazeroBackend) hostFileRead(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr uint32) int32 {
	path, ok := readGuestString(mod, pathPtr, pathLen)
	if !ok {
		return StatusInvalidArgument
	}
	plugin := pluginFromContext(ctx)
	allowed, _ := b.gate.Check(plugin, capability.FileRequest(path, true, false))
	if !allowed {
		return StatusPermissionDenied
	}
	data, err := b.handlers.ReadFile(ctx, plugin, path)
	if err != nil {
		return StatusNotFound
	}
	return writeOutDescriptor(ctx, mod, outPtr, data)
}

func (b *WazeroBackend) hostFileWrite(ctx context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) int32 {
	path, ok := readGuestString(mod, pathPtr, pathLen)
	if !ok {
		return StatusInvalidArgument
	}
	data, ok := readGuestBytes(mod, dataPtr, dataLen)
	if !ok {
		return StatusInvalidArgument
	}
	plugin := pluginFromContext(ctx)
	allowed, _ := b.gate.Check(plugin, capability.FileRequest(path, false, true))
	if !allowed {
		return StatusPermissionDenied
	}
	if err := b.handlers.WriteFile(ctx, plugin, path, data); err != nil {
		return StatusInternal
	}
	return StatusOK
}

func (b *WazeroBackend) hostNetworkRequest(ctx context.Context, mod api.Module, hostPtr, hostLen uint32, port uint32, payloadPtr, payloadLen, outPtr uint32) int32 {
	host, ok := readGuestString(mod, hostPtr, hostLen)
	if !ok {
		return StatusInvalidArgument
	}
	payload, ok := readGuestBytes(mod, payloadPtr, payloadLen)
	if !ok {
		return StatusInvalidArgument
	}
	plugin := pluginFromContext(ctx)
	allowed, _ := b.gate.Check(plugin, capability.NetworkRequest(host, int(port), true, false))
	if !allowed {
		return StatusPermissionDenied
	}
	resp, err := b.handlers.NetworkRequest(ctx, plugin, host, int(port), payload)
	if err != nil {
		return StatusInternal
	}
	return writeOutDescriptor(ctx, mod, outPtr, resp)
}

func (b *WazeroBackend) hostMessagePublish(ctx context.Context, mod api.Module, topicPtr, topicLen, payloadPtr, payloadLen uint32) int32 {
	topic, ok := readGuestString(mod, topicPtr, topicLen)
	if !ok {
		return StatusInvalidArgument
	}
	payload, ok := readGuestBytes(mod, payloadPtr, payloadLen)
	if !ok {
		return StatusInvalidArgument
	}
	plugin := pluginFromContext(ctx)
	allowed, _ := b.gate.Check(plugin, capability.MessageRequest(topic, true, false))
	if !allowed {
		return StatusPermissionDenied
	}
	if err := b.handlers.PublishMessage(ctx, plugin, topic, payload); err != nil {
		return StatusInternal
	}
	return StatusOK
}

func (b *WazeroBackend) hostMessageSend(ctx context.Context, mod api.Module, targetPtr, targetLen, payloadPtr, payloadLen uint32) int32 {
	targetStr, ok := readGuestString(mod, targetPtr, targetLen)
	if !ok {
		return StatusInvalidArgument
	}
	target, err := ids.ParsePluginId(targetStr)
	if err != nil {
		return StatusInvalidArgument
	}
	payload, ok := readGuestBytes(mod, payloadPtr, payloadLen)
	if !ok {
		return StatusInvalidArgument
	}
	plugin := pluginFromContext(ctx)
	allowed, _ := b.gate.Check(plugin, capability.MessageRequest("", false, true))
	if !allowed {
		return StatusPermissionDenied
	}
	if err := b.handlers.SendMessage(ctx, plugin, target, payload); err != nil {
		return StatusInternal
	}
	return StatusOK
}

func (b *WazeroBackend) hostPluginCall(ctx context.Context, mod api.Module, targetPtr, targetLen, funcPtr, funcLen, argsPtr, argsLen, outPtr uint32) int32 {
	targetStr, ok := readGuestString(mod, targetPtr, targetLen)
	if !ok {
		return StatusInvalidArgument
	}
	target, err := ids.ParsePluginId(targetStr)
	if err != nil {
		return StatusInvalidArgument
	}
	function, ok := readGuestString(mod, funcPtr, funcLen)
	if !ok {
		return StatusInvalidArgument
	}
	args, ok := readGuestBytes(mod, argsPtr, argsLen)
	if !ok {
		return StatusInvalidArgument
	}
	plugin := pluginFromContext(ctx)
	allowed, _ := b.gate.Check(plugin, capability.PluginCallRequest(target, function))
	if !allowed {
		return StatusPermissionDenied
	}
	resp, err := b.handlers.CallPlugin(ctx, plugin, target, function, args)
	if err != nil {
		return StatusInternal
	}
	return writeOutDescriptor(ctx, mod, outPtr, resp)
}

func (b *WazeroBackend) hostLog(ctx context.Context, mod api.Module, level uint32, msgPtr, msgLen uint32) {
	msg, ok := readGuestString(mod, msgPtr, msgLen)
	if !ok {
		return
	}
	plugin := pluginFromContext(ctx)
	switch level {
	case 0:
		b.log.Debug("plugin log", zap.String("plugin", plugin.String()), zap.String("msg", msg))
	case 2:
		b.log.Warn("plugin log", zap.String("plugin", plugin.String()), zap.String("msg", msg))
	case 3:
		b.log.Error("plugin log", zap.String("plugin", plugin.String()), zap.String("msg", msg))
	default:
		b.log.Info("plugin log", zap.String("plugin", plugin.String()), zap.String("msg", msg))
	}
}

type pluginIDCtxKey struct{}

// WithPlugin attaches plugin to ctx so host-call handlers invoked during
// Instance.Call can recover which plugin is calling. wazeroInstance.Call
// sets this on every call.
func WithPlugin(ctx context.Context, plugin ids.PluginId) context.Context {
	return context.WithValue(ctx, pluginIDCtxKey{}, plugin)
}

func pluginFromContext(ctx context.Context) ids.PluginId {
	p, _ := ctx.Value(pluginIDCtxKey{}).(ids.PluginId)
	return p
}

// wazeroInstance implements Instance over a single wazero module
// instantiation.
type wazeroInstance struct {
	mod       api.Module
	limits    ResourceLimits
	startedAt time.Time
	pluginID  ids.PluginId

	callCount  atomic.Uint64
	cpuMicros  atomic.Uint64
	closeOnce  sync.Once
}

func (i *wazeroInstance) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(function)
	if fn == nil {
		return nil, errs.New(errs.FamilyPlugin, errs.PluginFunctionNotFound, "wazeroInstance.Call", function)
	}
	if i.limits.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.limits.CallTimeout)
		defer cancel()
	}
	ctx = WithPlugin(ctx, i.pluginID)

	start := time.Now()
	results, err := fn.Call(ctx, args...)
	i.cpuMicros.Add(uint64(time.Since(start).Microseconds()))
	i.callCount.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.WrapDetail(errs.FamilyPlugin, errs.PluginTimeout, "wazeroInstance.Call", function, err)
		}
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationTrap, "wazeroInstance.Call", function, err)
	}
	return results, nil
}

func (i *wazeroInstance) Usage() ids.ResourceUsage {
	mem := i.mod.Memory()
	var memBytes uint64
	if mem != nil {
		memBytes = uint64(mem.Size())
	}
	return ids.ResourceUsage{
		PluginID:          i.pluginID,
		MemoryBytes:       memBytes,
		PeakMemoryBytes:   memBytes,
		CPUTimeMicros:     i.cpuMicros.Load(),
		FunctionCallCount: i.callCount.Load(),
		SampledAt:         time.Now().UTC(),
	}
}

func (i *wazeroInstance) WriteMemory(offset uint32, data []byte) error {
	if !i.mod.Memory().Write(offset, data) {
		return errs.New(errs.FamilyIsolation, errs.IsolationMemoryAccess, "wazeroInstance.WriteMemory", fmt.Sprintf("offset=%d len=%d", offset, len(data)))
	}
	return nil
}

func (i *wazeroInstance) ReadMemory(offset, size uint32) ([]byte, error) {
	buf, ok := i.mod.Memory().Read(offset, size)
	if !ok {
		return nil, errs.New(errs.FamilyIsolation, errs.IsolationMemoryAccess, "wazeroInstance.ReadMemory", fmt.Sprintf("offset=%d size=%d", offset, size))
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return cp, nil
}

func (i *wazeroInstance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := i.Call(ctx, "allocate", uint64(size))
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, errs.New(errs.FamilyIsolation, errs.IsolationLinkFailed, "wazeroInstance.Allocate", "allocate returned no value")
	}
	return uint32(results[0]), nil
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		err = i.mod.Close(ctx)
	})
	return err
}
