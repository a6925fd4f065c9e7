package pool

import (
	"context"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
)

type fakeInstance struct {
	closed bool
}

func (f *fakeInstance) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	return []uint64{1}, nil
}
func (f *fakeInstance) Usage() ids.ResourceUsage                        { return ids.ResourceUsage{} }
func (f *fakeInstance) WriteMemory(offset uint32, data []byte) error    { return nil }
func (f *fakeInstance) ReadMemory(offset, size uint32) ([]byte, error)  { return nil, nil }
func (f *fakeInstance) Allocate(ctx context.Context, size uint32) (uint32, error) { return 0, nil }
func (f *fakeInstance) Close(ctx context.Context) error                { f.closed = true; return nil }

type fakeFactory struct {
	created int
}

func (f *fakeFactory) New(ctx context.Context) (isolation.Instance, error) {
	f.created++
	return &fakeInstance{}, nil
}

func TestPoolAcquireReleaseReusesInstance(t *testing.T) {
	p := New(nil, 0.8, 0.2, 0.3)
	factory := &fakeFactory{}
	plugin := ids.NewPluginId()
	ctx := context.Background()

	if err := p.Register(ctx, plugin, Config{MinWarm: 1, MaxTotal: 2, AcquireTimeout: time.Second}, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if factory.created != 1 {
		t.Fatalf("expected 1 pre-warmed instance, got %d", factory.created)
	}

	h, err := p.Acquire(ctx, plugin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Release(ctx)

	h2, err := p.Acquire(ctx, plugin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if factory.created != 1 {
		t.Fatalf("expected the same pre-warmed instance to be reused, factory called %d times", factory.created)
	}
	h2.Release(ctx)
}

func TestPoolAcquireGrowsUpToMax(t *testing.T) {
	p := New(nil, 0.8, 0.2, 0.3)
	factory := &fakeFactory{}
	plugin := ids.NewPluginId()
	ctx := context.Background()

	if err := p.Register(ctx, plugin, Config{MinWarm: 0, MaxTotal: 1, AcquireTimeout: 50 * time.Millisecond}, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h1, err := p.Acquire(ctx, plugin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = p.Acquire(ctx, plugin)
	if err == nil {
		t.Fatal("expected acquisition timeout once MaxTotal is reached")
	}

	h1.Release(ctx)
}

func TestPoolMarkFailedTearsDownInstance(t *testing.T) {
	p := New(nil, 0.8, 0.2, 0.3)
	factory := &fakeFactory{}
	plugin := ids.NewPluginId()
	ctx := context.Background()

	if err := p.Register(ctx, plugin, Config{MinWarm: 1, MaxTotal: 1, AcquireTimeout: time.Second}, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h, err := p.Acquire(ctx, plugin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fi := h.Instance().(*fakeInstance)
	h.MarkFailed()
	h.Release(ctx)

	if !fi.closed {
		t.Fatal("expected failed instance to be closed on release")
	}
	if got := p.StatsFor(plugin).Total; got != 0 {
		t.Fatalf("expected total to drop to 0 after failed release, got %d", got)
	}
}
