package integration

import (
	"context"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
	"github.com/plugink/plugink/internal/manifest"
	"github.com/plugink/plugink/internal/plugin"
	"github.com/plugink/plugink/internal/pool"
)

type fakeBackend struct{ name string }

func (b fakeBackend) Name() string { return b.name }
func (b fakeBackend) Compile(ctx context.Context, key isolation.ModuleKey, source []byte) (*isolation.CompiledModule, error) {
	return &isolation.CompiledModule{Key: key, SizeBytes: int64(len(source))}, nil
}
func (b fakeBackend) Instantiate(ctx context.Context, pluginID ids.PluginId, cm *isolation.CompiledModule, limits isolation.ResourceLimits) (isolation.Instance, error) {
	return &stubInstance{}, nil
}
func (b fakeBackend) Evict(key isolation.ModuleKey)   {}
func (b fakeBackend) Close(ctx context.Context) error { return nil }

// TestPluginManagerLoadInvokeRemove drives a manifest through the plugin
// manager's full lifecycle: Load compiles and grants capabilities, the
// first Invoke moves the record Ready -> Running, and Remove tears the
// pool registration down and transitions to Terminated.
func TestPluginManagerLoadInvokeRemove(t *testing.T) {
	ctx := context.Background()
	kernel := capability.NewKernel(nil, nil)
	p := pool.New(nil, 0.8, 0.2, 0.3)
	backends := map[string]isolation.Backend{"wasm": fakeBackend{name: "wasm"}}
	mgr := plugin.NewManager(nil, p, kernel, backends,
		pool.Config{MinWarm: 1, MaxTotal: 2, AcquireTimeout: time.Second, IdleTTL: time.Minute},
		isolation.ResourceLimits{MaxMemoryBytes: 1 << 20})

	man := manifest.Manifest{
		Name:       "echo",
		Version:    "1.0.0",
		PluginType: "wasm",
		WasmPath:   "echo.wasm",
		EntryPoint: "run",
		Functions:  []string{"run"},
		Capabilities: []manifest.CapabilitySpec{
			{Kind: "file", PathPrefix: "/tmp/echo", Read: true},
		},
	}

	id, err := mgr.Load(ctx, man, []byte("fake-module-bytes"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec, ok := mgr.Get(id)
	if !ok {
		t.Fatal("expected plugin record to exist after Load")
	}
	if rec.State != ids.PluginReady {
		t.Fatalf("expected state Ready after Load, got %s", rec.State)
	}
	if !kernel.HasKind(id, capability.KindFile) {
		t.Fatal("expected the manifest's file capability to have been granted")
	}

	if _, err := mgr.Invoke(ctx, id, "run", 1, 2, 3); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	rec, _ = mgr.Get(id)
	if rec.State != ids.PluginRunning {
		t.Fatalf("expected state Running after first Invoke, got %s", rec.State)
	}

	if _, err := mgr.Invoke(ctx, id, "run", 4); err != nil {
		t.Fatalf("second Invoke on an already-Running plugin: %v", err)
	}
	rec, _ = mgr.Get(id)
	if rec.State != ids.PluginRunning {
		t.Fatalf("expected state to remain Running, got %s", rec.State)
	}

	if err := mgr.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	rec, _ = mgr.Get(id)
	if rec.State != ids.PluginTerminated {
		t.Fatalf("expected state Terminated after Remove, got %s", rec.State)
	}
}
