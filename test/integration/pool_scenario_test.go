// Package integration holds end-to-end scenario tests that span more
// than one package's unit-test boundary.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/isolation"
	"github.com/plugink/plugink/internal/pool"
)

type stubInstance struct{ closed bool }

func (s *stubInstance) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	return []uint64{0}, nil
}
func (s *stubInstance) Usage() ids.ResourceUsage                       { return ids.ResourceUsage{} }
func (s *stubInstance) WriteMemory(offset uint32, data []byte) error   { return nil }
func (s *stubInstance) ReadMemory(offset, size uint32) ([]byte, error) { return nil, nil }
func (s *stubInstance) Allocate(ctx context.Context, size uint32) (uint32, error) {
	return 0, nil
}
func (s *stubInstance) Close(ctx context.Context) error { s.closed = true; return nil }

type stubFactory struct{}

func (stubFactory) New(ctx context.Context) (isolation.Instance, error) {
	return &stubInstance{}, nil
}

// TestPoolAcquisitionTimeoutThenSuccess reproduces the pool boundary
// scenario: with {min:0, max:1, acquire_timeout:50ms}, holding the one
// available instance forces a concurrently launched second Acquire to
// fail with an acquisition timeout within 100ms of being launched; once
// the held instance is released, a third Acquire succeeds.
func TestPoolAcquisitionTimeoutThenSuccess(t *testing.T) {
	p := pool.New(nil, 0.8, 0.2, 0.3)
	plugin := ids.NewPluginId()
	ctx := context.Background()

	cfg := pool.Config{MinWarm: 0, MaxTotal: 1, AcquireTimeout: 50 * time.Millisecond}
	if err := p.Register(ctx, plugin, cfg, stubFactory{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := p.Acquire(ctx, plugin)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	started := time.Now()
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, plugin)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected acquisition timeout, got nil error")
		}
		if elapsed := time.Since(started); elapsed > 100*time.Millisecond {
			t.Fatalf("acquisition timeout took too long: %v", elapsed)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("second acquire never returned")
	}

	first.Release(ctx)

	third, err := p.Acquire(ctx, plugin)
	if err != nil {
		t.Fatalf("third acquire after release: %v", err)
	}
	third.Release(ctx)
}
