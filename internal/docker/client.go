package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// cpuPeriod is the standard CFS scheduling period; quotas are expressed
	// against it so a CPULimit of 0.5 yields quota 50000/period 100000.
	cpuPeriod = 100_000

	LabelManaged   = "sandboxd.managed"
	LabelSessionID = "sandboxd.session-id"
	LabelKind      = "sandboxd.kind"
	LabelCreatedAt = "sandboxd.created-at"
	LabelNetwork   = "sandboxd.network"
	LabelTarget    = "sandboxd.target"
)

// Client implements Engine against a Docker-engine-compatible daemon.
type Client struct {
	api *client.Client
}

func NewClient() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// IsNotFound reports whether err means the referenced container, network or
// image does not exist on the runtime.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var env []string
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cmd := spec.Cmd
	if len(cmd) == 0 {
		cmd = []string{"sleep", "infinity"}
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        cmd,
		Env:        env,
		Labels:     labels,
		WorkingDir: spec.WorkingDir,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CPUPeriod: cpuPeriod,
			CPUQuota:  int64(spec.CPULimit * cpuPeriod),
			Memory:    spec.MemoryLimit,
		},
		CapAdd:  spec.CapAdd,
		CapDrop: spec.CapDrop,
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		endpoint := &network.EndpointSettings{}
		if spec.IP != "" {
			endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: spec.IP}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.NetworkName: endpoint},
		}
	}

	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func (c *Client) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	info, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	return &ContainerInfo{
		ID:        info.ID,
		Name:      strings.TrimPrefix(info.Name, "/"),
		Image:     info.Config.Image,
		State:     info.State.Status,
		Labels:    info.Config.Labels,
		CreatedAt: created,
	}, nil
}

func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:        item.ID,
			Name:      name,
			Image:     item.Image,
			State:     item.State,
			Labels:    item.Labels,
			CreatedAt: time.Unix(item.Created, 0).UTC(),
		})
	}
	return infos, nil
}

// Exec runs a single non-interactive, non-privileged command inside the
// container and captures demultiplexed stdout/stderr plus the exit code.
// Cancellation of ctx tears down the attached stream.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, workdir string) (*ExecResult, error) {
	created, err := c.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, err
	}

	attach, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec %s: %w", created.ID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		<-copyDone
		return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil && copyErr != io.EOF {
			return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	}

	inspect, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec %s: %w", created.ID, err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (c *Client) Commit(ctx context.Context, containerID, reference string) (string, error) {
	resp, err := c.api.ContainerCommit(ctx, containerID, container.CommitOptions{
		Reference: reference,
		Pause:     true,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Stats(ctx context.Context, containerID string) (*StatsSample, error) {
	resp, err := c.api.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", containerID, err)
	}

	sample := &StatsSample{
		MemoryUsage: int64(stats.MemoryStats.Usage),
		MemoryLimit: int64(stats.MemoryStats.Limit),
		PIDs:        int64(stats.PidsStats.Current),
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		sample.CPUPercent = (cpuDelta / sysDelta) * cpus * 100.0
	}
	return sample, nil
}

func (c *Client) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resp, err := c.api.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:   "bridge",
		Internal: spec.Internal,
		Labels:   labels,
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: spec.Subnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	err := c.api.NetworkRemove(ctx, id)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove network %s: %w", id, err)
	}
	return nil
}

func (c *Client) InspectNetwork(ctx context.Context, nameOrID string) (*NetworkInfo, error) {
	info, err := c.api.NetworkInspect(ctx, nameOrID, network.InspectOptions{})
	if err != nil {
		return nil, err
	}
	return networkInfoFromSummary(info), nil
}

func (c *Client) ListNetworks(ctx context.Context, labels map[string]string) ([]NetworkInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.api.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	infos := make([]NetworkInfo, 0, len(list))
	for i := range list {
		infos = append(infos, *networkInfoFromSummary(list[i]))
	}
	return infos, nil
}

func (c *Client) ConnectNetwork(ctx context.Context, networkID, containerID, ip string) error {
	endpoint := &network.EndpointSettings{}
	if ip != "" {
		endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ip}
	}
	if err := c.api.NetworkConnect(ctx, networkID, containerID, endpoint); err != nil {
		return fmt.Errorf("failed to connect %s to network %s: %w", containerID, networkID, err)
	}
	return nil
}

func networkInfoFromSummary(summary network.Inspect) *NetworkInfo {
	info := &NetworkInfo{
		ID:       summary.ID,
		Name:     summary.Name,
		Internal: summary.Internal,
		Labels:   summary.Labels,
	}
	if len(summary.IPAM.Config) > 0 {
		info.Subnet = summary.IPAM.Config[0].Subnet
	}
	for id := range summary.Containers {
		info.Containers = append(info.Containers, id)
	}
	return info
}
