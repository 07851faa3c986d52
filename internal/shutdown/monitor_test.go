package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMonitor_DisabledBlocksUntilCancelled(t *testing.T) {
	m := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
}

func TestMonitor_AbsentAtStartupTriggersImmediately(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "ready")

	m := New(Options{SentinelPath: sentinel, PollInterval: 10 * time.Millisecond})
	err := m.Start(context.Background())
	if !errors.Is(err, ErrShutdownRequested) {
		t.Fatalf("Start() = %v, want ErrShutdownRequested", err)
	}
}

func TestMonitor_RemovalTriggersShutdown(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "ready")
	if err := os.WriteFile(sentinel, []byte("ok"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	m := New(Options{SentinelPath: sentinel, PollInterval: 20 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Start(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(sentinel); err != nil {
		t.Fatalf("remove sentinel: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdownRequested) {
			t.Fatalf("Start() = %v, want ErrShutdownRequested", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after sentinel removal")
	}
}

func TestMonitor_ContextCancelWithoutRemovalReturnsNil(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "ready")
	if err := os.WriteFile(sentinel, []byte("ok"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	m := New(Options{SentinelPath: sentinel, PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
}

func TestMonitor_Stop(t *testing.T) {
	m := New(Options{})
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}
