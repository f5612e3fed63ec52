package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for event streams to drain")

// DrainManager tracks draining state and the live audit-event streams that
// must finish before shutdown completes.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) ActiveStreams() int64 {
	return m.active.Load()
}

// TrackStream registers a live stream and returns a release callback that
// is safe to call more than once.
func (m *DrainManager) TrackStream() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

func (m *DrainManager) WaitStreams(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-done:
		return nil
	}
}
