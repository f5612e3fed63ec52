// Package sandbox manages ephemeral execution environments: one container
// per training session, created with fixed resource limits, firewalled onto
// a training network, and destroyed explicitly or by the stale sweep.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"

	"github.com/cyberange/sandboxd/internal/docker"
	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/netiso"
)

const (
	DefaultCPULimit    = 1.0
	DefaultMemoryLimit = 1 << 29 // 512 MiB

	snapshotRepo = "sandboxd/snapshot"
)

// Config carries the fixed lifecycle-manager settings.
type Config struct {
	// Image is the base tool image every ephemeral sandbox boots from.
	Image      string
	ScratchDir string
}

// Manager owns the sandbox records. The mutex protects only the in-process
// bookkeeping maps; runtime round trips always run outside the lock.
type Manager struct {
	engine docker.Engine
	netMgr *netiso.Manager
	cfg    Config

	mu       sync.Mutex
	records  map[string]*model.SandboxRecord // by container ID
	sessions map[string]string               // session ID -> container ID
}

func NewManager(engine docker.Engine, netMgr *netiso.Manager, cfg Config) *Manager {
	return &Manager{
		engine:   engine,
		netMgr:   netMgr,
		cfg:      cfg,
		records:  make(map[string]*model.SandboxRecord),
		sessions: make(map[string]string),
	}
}

// CreateEphemeral creates the execution environment for one session.
// A session has at most one live sandbox: an existing one is force-destroyed
// first, never silently duplicated. Resource limits are fixed at creation;
// changing them requires destroy and recreate.
func (m *Manager) CreateEphemeral(ctx context.Context, sessionID string, cpuLimit float64, memoryLimit int64, isolated bool) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if cpuLimit <= 0 {
		cpuLimit = DefaultCPULimit
	}
	if memoryLimit <= 0 {
		memoryLimit = DefaultMemoryLimit
	}

	if old, ok := m.lookupSession(sessionID); ok {
		slog.Info("destroying previous session sandbox", "component", "sandbox_manager", "session_id", sessionID, "container_id", old)
		if err := m.Destroy(ctx, old); err != nil {
			return "", fmt.Errorf("failed to destroy previous sandbox for session %s: %w", sessionID, err)
		}
	}

	networkName := netiso.TrainingNetworkName
	ensure := m.netMgr.EnsureTrainingNetwork
	if isolated {
		networkName = netiso.IsolatedNetworkName
		ensure = m.netMgr.EnsureIsolatedNetwork
	}
	if _, err := ensure(ctx); err != nil {
		return "", err
	}

	return m.create(ctx, sessionID, m.cfg.Image, model.SandboxKindEphemeral, cpuLimit, memoryLimit, networkName)
}

func (m *Manager) create(ctx context.Context, sessionID, image string, kind model.SandboxKind, cpuLimit float64, memoryLimit int64, networkName string) (string, error) {
	now := time.Now().UTC()
	containerName := fmt.Sprintf("sandbox-%s-%s", sessionID, uuid.NewString()[:8])

	id, err := m.engine.CreateContainer(ctx, docker.ContainerSpec{
		Name:        containerName,
		Image:       image,
		WorkingDir:  m.cfg.ScratchDir,
		NetworkName: networkName,
		CPULimit:    cpuLimit,
		MemoryLimit: memoryLimit,
		// NET_ADMIN is needed for the in-container firewall; everything
		// else is dropped.
		CapAdd:  []string{"NET_ADMIN"},
		CapDrop: []string{"SYS_ADMIN", "SYS_PTRACE", "SYS_MODULE"},
		Labels: map[string]string{
			docker.LabelSessionID: sessionID,
			docker.LabelKind:      string(kind),
			docker.LabelCreatedAt: now.Format(time.RFC3339),
			docker.LabelNetwork:   networkName,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := m.engine.StartContainer(ctx, id); err != nil {
		_ = m.engine.RemoveContainer(context.WithoutCancel(ctx), id)
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}

	if err := m.netMgr.ApplyFirewall(ctx, id, nil); err != nil {
		_ = m.engine.RemoveContainer(context.WithoutCancel(ctx), id)
		return "", fmt.Errorf("failed to firewall sandbox: %w", err)
	}

	record := &model.SandboxRecord{
		ID:          id,
		SessionID:   sessionID,
		Kind:        kind,
		Image:       image,
		CPULimit:    cpuLimit,
		MemoryLimit: memoryLimit,
		NetworkName: networkName,
		Status:      model.SandboxStatusRunning,
		CreatedAt:   now,
	}

	m.mu.Lock()
	m.records[id] = record
	m.sessions[sessionID] = id
	m.mu.Unlock()

	slog.Info("sandbox created", "component", "sandbox_manager", "session_id", sessionID,
		"container_id", id, "kind", string(kind), "network", networkName)
	return id, nil
}

// Destroy removes the container and its record. Destroying a sandbox that
// is already gone from the runtime still clears the record.
func (m *Manager) Destroy(ctx context.Context, containerID string) error {
	if err := m.engine.RemoveContainer(ctx, containerID); err != nil {
		return err
	}

	m.mu.Lock()
	if record, ok := m.records[containerID]; ok {
		record.Status = model.SandboxStatusDestroyed
		if m.sessions[record.SessionID] == containerID {
			delete(m.sessions, record.SessionID)
		}
		delete(m.records, containerID)
	}
	m.mu.Unlock()

	slog.Info("sandbox destroyed", "component", "sandbox_manager", "container_id", containerID)
	return nil
}

// DestroySession destroys the sandbox owned by the session, if any.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) (bool, error) {
	id, ok := m.lookupSession(sessionID)
	if !ok {
		return false, nil
	}
	if err := m.Destroy(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot commits the container filesystem to an image.
func (m *Manager) Snapshot(ctx context.Context, containerID, snapshotName string) (string, error) {
	if snapshotName == "" {
		snapshotName = uuid.NewString()[:8]
	}
	reference := fmt.Sprintf("%s:%s-%d", snapshotRepo, snapshotName, time.Now().Unix())
	if _, err := name.ParseReference(reference); err != nil {
		return "", fmt.Errorf("invalid snapshot reference %q: %w", reference, err)
	}

	imageID, err := m.engine.Commit(ctx, containerID, reference)
	if err != nil {
		if docker.IsNotFound(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to commit sandbox %s: %w", containerID, err)
	}

	m.mu.Lock()
	if record, ok := m.records[containerID]; ok {
		record.Status = model.SandboxStatusSnapshotted
	}
	m.mu.Unlock()

	slog.Info("sandbox snapshotted", "component", "sandbox_manager", "container_id", containerID, "image", reference)
	return imageID, nil
}

// Restore creates a fresh sandbox for the session from a snapshot image.
// The restored sandbox is an independent record with no coupling to the
// source container.
func (m *Manager) Restore(ctx context.Context, imageID, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if !strings.HasPrefix(imageID, "sha256:") {
		if _, err := name.ParseReference(imageID); err != nil {
			return "", fmt.Errorf("invalid image reference %q: %w", imageID, err)
		}
	}

	if old, ok := m.lookupSession(sessionID); ok {
		if err := m.Destroy(ctx, old); err != nil {
			return "", fmt.Errorf("failed to destroy previous sandbox for session %s: %w", sessionID, err)
		}
	}

	if _, err := m.netMgr.EnsureTrainingNetwork(ctx); err != nil {
		return "", err
	}
	return m.create(ctx, sessionID, imageID, model.SandboxKindRestored, DefaultCPULimit, DefaultMemoryLimit, netiso.TrainingNetworkName)
}

// Metrics samples resource usage for one container.
func (m *Manager) Metrics(ctx context.Context, containerID string) (*model.ResourceMetrics, error) {
	sample, err := m.engine.Stats(ctx, containerID)
	if err != nil {
		return nil, err
	}

	metrics := &model.ResourceMetrics{
		ContainerID: containerID,
		CPUPercent:  sample.CPUPercent,
		MemoryUsage: sample.MemoryUsage,
		MemoryLimit: sample.MemoryLimit,
		PIDs:        sample.PIDs,
		SampledAt:   time.Now().UTC(),
	}
	if sample.MemoryLimit > 0 {
		metrics.MemoryPercent = float64(sample.MemoryUsage) / float64(sample.MemoryLimit) * 100.0
	}
	return metrics, nil
}

// Get returns the record for a container, if the manager owns one.
func (m *Manager) Get(containerID string) (*model.SandboxRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[containerID]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// SessionSandbox returns the container ID owned by a session.
func (m *Manager) SessionSandbox(sessionID string) (string, bool) {
	return m.lookupSession(sessionID)
}

func (m *Manager) List() []model.SandboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]model.SandboxRecord, 0, len(m.records))
	for _, record := range m.records {
		items = append(items, *record)
	}
	return items
}

// CleanupStale destroys every ephemeral or restored sandbox whose
// creation-time label is older than maxAge, whether or not its owning
// session is still considered active by the orchestrator. Base sandboxes
// are never touched. Returns the number destroyed.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	logger := slog.Default().With("component", "sandbox_cleaner")

	infos, err := m.engine.ListContainers(ctx, map[string]string{docker.LabelManaged: "true"})
	if err != nil {
		logger.Error("failed to list sandboxes", "error", err)
		return 0
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	destroyed := 0
	for i := range infos {
		info := &infos[i]
		kind := model.SandboxKind(info.Labels[docker.LabelKind])
		if kind != model.SandboxKindEphemeral && kind != model.SandboxKindRestored {
			continue
		}

		createdAt, err := time.Parse(time.RFC3339, info.Labels[docker.LabelCreatedAt])
		if err != nil {
			// Unparseable age means we cannot prove the sandbox is fresh;
			// fall back to the runtime's creation time.
			createdAt = info.CreatedAt
		}
		if !createdAt.Before(cutoff) {
			continue
		}

		logger.Info("destroying stale sandbox", "container_id", info.ID, "session_id", info.Labels[docker.LabelSessionID], "created_at", createdAt)
		if err := m.Destroy(ctx, info.ID); err != nil {
			logger.Warn("failed to destroy stale sandbox", "container_id", info.ID, "error", err)
			continue
		}
		destroyed++
	}
	return destroyed
}

// StartCleanupSweeper runs CleanupStale on a fixed interval until ctx ends.
func (m *Manager) StartCleanupSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupStale(ctx, maxAge)
			}
		}
	}()
}

// Rebuild repopulates the record maps from runtime labels after a restart.
func (m *Manager) Rebuild(ctx context.Context) error {
	infos, err := m.engine.ListContainers(ctx, map[string]string{docker.LabelManaged: "true"})
	if err != nil {
		return fmt.Errorf("failed to rebuild sandbox records: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range infos {
		info := &infos[i]
		kind := model.SandboxKind(info.Labels[docker.LabelKind])
		if kind == "" {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, info.Labels[docker.LabelCreatedAt])
		if err != nil {
			createdAt = info.CreatedAt
		}

		status := model.SandboxStatusUnknown
		if info.State == "running" {
			status = model.SandboxStatusRunning
		}

		record := &model.SandboxRecord{
			ID:          info.ID,
			SessionID:   info.Labels[docker.LabelSessionID],
			Kind:        kind,
			Image:       info.Image,
			NetworkName: info.Labels[docker.LabelNetwork],
			Status:      status,
			CreatedAt:   createdAt,
		}
		m.records[info.ID] = record
		if record.SessionID != "" {
			m.sessions[record.SessionID] = info.ID
		}
	}

	slog.Info("sandbox records rebuilt", "component", "sandbox_manager", "count", len(m.records))
	return nil
}

func (m *Manager) lookupSession(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessions[sessionID]
	return id, ok
}
