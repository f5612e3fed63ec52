// Package docker wraps the container-runtime client used by the sandbox
// control plane. Consumers depend on the Engine interface so the runtime
// can be faked in tests.
package docker

import (
	"context"
	"time"
)

// Engine is the set of runtime primitives the control plane needs:
// container create/start/stop/remove/exec/commit/stats plus bridge
// network management. Implemented by Client against a Docker engine.
type Engine interface {
	Ping(ctx context.Context) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	Exec(ctx context.Context, containerID string, cmd []string, workdir string) (*ExecResult, error)
	Commit(ctx context.Context, containerID, reference string) (string, error)
	Stats(ctx context.Context, containerID string) (*StatsSample, error)

	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	InspectNetwork(ctx context.Context, nameOrID string) (*NetworkInfo, error)
	ListNetworks(ctx context.Context, labels map[string]string) ([]NetworkInfo, error)
	ConnectNetwork(ctx context.Context, networkID, containerID, ip string) error
}

// ContainerSpec describes one container to create. CPULimit is in cores and
// is translated to a CPU quota over the standard 100ms period; MemoryLimit
// is in bytes. Limits are fixed for the container's lifetime.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         map[string]string
	Labels      map[string]string
	WorkingDir  string
	NetworkName string
	IP          string
	CPULimit    float64
	MemoryLimit int64
	CapAdd      []string
	CapDrop     []string
}

type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string
	Labels    map[string]string
	CreatedAt time.Time
}

// Running reports whether the container is in the runtime's running state.
func (c *ContainerInfo) Running() bool {
	return c != nil && c.State == "running"
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type NetworkSpec struct {
	Name     string
	Subnet   string
	Internal bool
	Labels   map[string]string
}

type NetworkInfo struct {
	ID         string
	Name       string
	Subnet     string
	Internal   bool
	Labels     map[string]string
	Containers []string
}

// StatsSample is one decoded usage sample from the runtime stats endpoint.
type StatsSample struct {
	CPUPercent  float64
	MemoryUsage int64
	MemoryLimit int64
	PIDs        int64
}
