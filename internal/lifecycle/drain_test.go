package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestDrainManager(t *testing.T) {
	m := NewDrainManager()
	if m.IsDraining() {
		t.Fatalf("new manager should not be draining")
	}

	release := m.TrackStream()
	if m.ActiveStreams() != 1 {
		t.Fatalf("expected 1 active stream, got %d", m.ActiveStreams())
	}

	m.StartDraining()
	if !m.IsDraining() {
		t.Fatalf("manager should be draining")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.WaitStreams(ctx); err == nil {
		t.Fatalf("wait should time out while a stream is live")
	}

	release()
	release() // releasing twice is a no-op
	if m.ActiveStreams() != 0 {
		t.Fatalf("expected 0 active streams, got %d", m.ActiveStreams())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := m.WaitStreams(ctx2); err != nil {
		t.Fatalf("WaitStreams error: %v", err)
	}
}
