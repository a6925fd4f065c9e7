package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
	"github.com/plugink/plugink/internal/manifest"
	"github.com/plugink/plugink/internal/pool"
)

type fakeInstance struct{}

func (fakeInstance) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	return []uint64{0}, nil
}
func (fakeInstance) Usage() ids.ResourceUsage                       { return ids.ResourceUsage{} }
func (fakeInstance) WriteMemory(offset uint32, data []byte) error   { return nil }
func (fakeInstance) ReadMemory(offset, size uint32) ([]byte, error) { return nil, nil }
func (fakeInstance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	return 0, nil
}
func (fakeInstance) Close(ctx context.Context) error { return nil }

type fakeBackend struct{}

func (fakeBackend) Name() string { return "wasm" }
func (fakeBackend) Compile(ctx context.Context, key isolation.ModuleKey, source []byte) (*isolation.CompiledModule, error) {
	return &isolation.CompiledModule{Key: key, SizeBytes: int64(len(source))}, nil
}
func (fakeBackend) Instantiate(ctx context.Context, pluginID ids.PluginId, cm *isolation.CompiledModule, limits isolation.ResourceLimits) (isolation.Instance, error) {
	return fakeInstance{}, nil
}
func (fakeBackend) Evict(key isolation.ModuleKey)   {}
func (fakeBackend) Close(ctx context.Context) error { return nil }

func newTestManager() *Manager {
	kernel := capability.NewKernel(nil, nil)
	p := pool.New(nil, 0.8, 0.2, 0.3)
	backends := map[string]isolation.Backend{"wasm": fakeBackend{}}
	return NewManager(nil, p, kernel, backends,
		pool.Config{MinWarm: 0, MaxTotal: 2, AcquireTimeout: time.Second, IdleTTL: time.Minute},
		isolation.ResourceLimits{MaxMemoryBytes: 1 << 20})
}

func baseManifest() manifest.Manifest {
	return manifest.Manifest{
		Name: "echo", Version: "1.0.0", PluginType: "wasm",
		WasmPath: "echo.wasm", EntryPoint: "run", Functions: []string{"run"},
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	mgr := newTestManager()
	man := baseManifest()
	man.PluginType = "native"
	if _, err := mgr.Load(context.Background(), man, []byte("x")); err == nil {
		t.Fatal("expected Load to fail for a plugin_type with no registered backend")
	}
}

func TestLoadRejectsInvalidManifest(t *testing.T) {
	mgr := newTestManager()
	if _, err := mgr.Load(context.Background(), manifest.Manifest{}, []byte("x")); err == nil {
		t.Fatal("expected Load to reject a manifest missing required fields")
	}
}

func TestInvokeUnknownPlugin(t *testing.T) {
	mgr := newTestManager()
	if _, err := mgr.Invoke(context.Background(), ids.NewPluginId(), "run"); err == nil {
		t.Fatal("expected Invoke on an unloaded plugin id to fail")
	}
}

func TestRemoveTwiceFails(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()
	id, err := mgr.Load(ctx, baseManifest(), []byte("module-bytes"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.Remove(ctx, id); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := mgr.Remove(ctx, id); err == nil {
		t.Fatal("expected second Remove on an already-Terminated plugin to fail")
	}
}

func TestPluginCallCapabilityResolvesLoadedTarget(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	loggerMan := baseManifest()
	loggerMan.Name = "logger"
	loggerID, err := mgr.Load(ctx, loggerMan, []byte("logger-bytes"))
	if err != nil {
		t.Fatalf("load logger: %v", err)
	}

	callerMan := baseManifest()
	callerMan.Name = "caller"
	callerMan.Capabilities = []manifest.CapabilitySpec{
		{Kind: "plugin_call", TargetPluginName: "logger", Function: "write"},
	}
	callerID, err := mgr.Load(ctx, callerMan, []byte("caller-bytes"))
	if err != nil {
		t.Fatalf("load caller: %v", err)
	}

	if !mgr.kernel.HasKind(callerID, capability.KindPluginCall) {
		t.Fatal("expected caller to have been granted a plugin_call capability")
	}
	_ = loggerID
}

func TestPluginCallCapabilityUnresolvedTargetIsSkippedNotFatal(t *testing.T) {
	mgr := newTestManager()
	man := baseManifest()
	man.Capabilities = []manifest.CapabilitySpec{
		{Kind: "plugin_call", TargetPluginName: "does-not-exist", Function: "write"},
	}
	// An unresolved manifest capability is logged and skipped, not a Load
	// failure — the plugin still loads, just without that grant.
	id, err := mgr.Load(context.Background(), man, []byte("x"))
	if err != nil {
		t.Fatalf("expected Load to succeed despite one unresolved capability, got: %v", err)
	}
	if mgr.kernel.HasKind(id, capability.KindPluginCall) {
		t.Fatal("expected no plugin_call capability to have been granted")
	}
}
