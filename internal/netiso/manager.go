// Package netiso manages the virtual networks training exercises run on:
// the training bridge (egress to the training subnet only), the fully
// isolated tier (no external egress), per-sandbox firewall enforcement,
// and target provisioning.
package netiso

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"

	"github.com/cyberange/sandboxd/internal/docker"
	"github.com/cyberange/sandboxd/internal/model"
)

const (
	TrainingNetworkName = "sandboxd-training"
	IsolatedNetworkName = "sandboxd-isolated"

	DefaultTrainingSubnet = "172.30.0.0/16"
	DefaultIsolatedSubnet = "172.31.0.0/16"
)

// Manager owns the network records. Records are a cache over runtime state;
// the runtime itself is the source of truth and is re-queried on miss.
type Manager struct {
	engine         docker.Engine
	trainingSubnet string
	isolatedSubnet string
}

func NewManager(engine docker.Engine, trainingSubnet, isolatedSubnet string) *Manager {
	if trainingSubnet == "" {
		trainingSubnet = DefaultTrainingSubnet
	}
	if isolatedSubnet == "" {
		isolatedSubnet = DefaultIsolatedSubnet
	}
	return &Manager{engine: engine, trainingSubnet: trainingSubnet, isolatedSubnet: isolatedSubnet}
}

func (m *Manager) TrainingSubnet() string { return m.trainingSubnet }

// EnsureTrainingNetwork creates the bridge network exercises run on, or
// returns the existing one. External egress stays permitted at the network
// tier; the per-sandbox firewall narrows it to the training subnet.
func (m *Manager) EnsureTrainingNetwork(ctx context.Context) (string, error) {
	return m.ensureNetwork(ctx, TrainingNetworkName, m.trainingSubnet, false)
}

// EnsureIsolatedNetwork creates the internal bridge with no external egress
// at all, for exercises that must never reach outside systems.
func (m *Manager) EnsureIsolatedNetwork(ctx context.Context) (string, error) {
	return m.ensureNetwork(ctx, IsolatedNetworkName, m.isolatedSubnet, true)
}

func (m *Manager) ensureNetwork(ctx context.Context, networkName, subnet string, internal bool) (string, error) {
	if _, err := netip.ParsePrefix(subnet); err != nil {
		return "", fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}

	existing, err := m.engine.InspectNetwork(ctx, networkName)
	if err == nil {
		if existing.Internal != internal {
			return "", fmt.Errorf("network %s exists with internal=%v, want %v", networkName, existing.Internal, internal)
		}
		return existing.ID, nil
	}
	if !docker.IsNotFound(err) {
		return "", fmt.Errorf("failed to inspect network %s: %w", networkName, err)
	}

	id, err := m.engine.CreateNetwork(ctx, docker.NetworkSpec{
		Name:     networkName,
		Subnet:   subnet,
		Internal: internal,
		Labels:   map[string]string{docker.LabelNetwork: networkName},
	})
	if err != nil {
		return "", err
	}
	slog.Info("network created", "component", "netiso", "network", networkName, "subnet", subnet, "internal", internal)
	return id, nil
}

// defaultFirewallRules is the default-deny posture applied to every sandbox:
// flush, allow established/related and loopback, allow the training subnet
// both directions, drop everything else including all forwarding.
func (m *Manager) defaultFirewallRules() []string {
	return []string{
		"iptables -F",
		"iptables -P INPUT DROP",
		"iptables -P OUTPUT DROP",
		"iptables -P FORWARD DROP",
		"iptables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"iptables -A INPUT -i lo -j ACCEPT",
		"iptables -A OUTPUT -o lo -j ACCEPT",
		fmt.Sprintf("iptables -A INPUT -s %s -j ACCEPT", m.trainingSubnet),
		fmt.Sprintf("iptables -A OUTPUT -d %s -j ACCEPT", m.trainingSubnet),
		"iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
	}
}

// ApplyFirewall enforces the default-deny rule set inside the container,
// then appends any custom rules. Custom rules can only narrow further; the
// default posture is applied first and never skipped.
func (m *Manager) ApplyFirewall(ctx context.Context, containerID string, custom []string) error {
	rules := m.defaultFirewallRules()
	for _, rule := range custom {
		if !strings.HasPrefix(strings.TrimSpace(rule), "iptables ") {
			return fmt.Errorf("custom firewall rule must be an iptables command: %q", rule)
		}
		rules = append(rules, rule)
	}

	for _, rule := range rules {
		result, err := m.engine.Exec(ctx, containerID, strings.Fields(rule), "")
		if err != nil {
			return fmt.Errorf("failed to apply firewall rule %q: %w", rule, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("firewall rule %q failed: %s", rule, strings.TrimSpace(result.Stderr))
		}
	}

	slog.Info("firewall applied", "component", "netiso", "container_id", containerID, "rules", len(rules))
	return nil
}

// ProvisionTargets creates one container per spec on the given network.
// If any creation fails, every already-created target is removed; a partial
// target set is never left running.
func (m *Manager) ProvisionTargets(ctx context.Context, networkName string, specs []model.TargetSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no target specs given")
	}

	netInfo, err := m.engine.InspectNetwork(ctx, networkName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect network %s: %w", networkName, err)
	}

	created := make([]string, 0, len(specs))
	rollback := func() {
		for _, id := range created {
			if rmErr := m.engine.RemoveContainer(context.WithoutCancel(ctx), id); rmErr != nil {
				slog.Warn("target rollback failed", "component", "netiso", "container_id", id, "error", rmErr)
			}
		}
	}

	for _, spec := range specs {
		if _, err := name.ParseReference(spec.Image); err != nil {
			rollback()
			return nil, fmt.Errorf("invalid target image %q: %w", spec.Image, err)
		}

		targetName := spec.Name
		if targetName == "" {
			targetName = "target-" + uuid.NewString()[:8]
		}

		id, err := m.engine.CreateContainer(ctx, docker.ContainerSpec{
			Name:        "sandboxd-" + targetName,
			Image:       spec.Image,
			Env:         spec.Env,
			NetworkName: netInfo.Name,
			IP:          spec.IP,
			Labels: map[string]string{
				docker.LabelTarget:    targetName,
				docker.LabelNetwork:   netInfo.Name,
				docker.LabelCreatedAt: time.Now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			rollback()
			return nil, fmt.Errorf("failed to create target %s: %w", targetName, err)
		}
		created = append(created, id)

		if err := m.engine.StartContainer(ctx, id); err != nil {
			rollback()
			return nil, fmt.Errorf("failed to start target %s: %w", targetName, err)
		}
	}

	slog.Info("targets provisioned", "component", "netiso", "network", netInfo.Name, "count", len(created))
	return created, nil
}

func (m *Manager) ListNetworks(ctx context.Context) ([]model.NetworkRecord, error) {
	infos, err := m.engine.ListNetworks(ctx, map[string]string{docker.LabelManaged: "true"})
	if err != nil {
		return nil, err
	}

	records := make([]model.NetworkRecord, 0, len(infos))
	for i := range infos {
		records = append(records, toRecord(&infos[i]))
	}
	return records, nil
}

func (m *Manager) NetworkInfo(ctx context.Context, networkName string) (*model.NetworkRecord, error) {
	info, err := m.engine.InspectNetwork(ctx, networkName)
	if err != nil {
		return nil, err
	}
	record := toRecord(info)
	return &record, nil
}

func toRecord(info *docker.NetworkInfo) model.NetworkRecord {
	return model.NetworkRecord{
		ID:         info.ID,
		Name:       info.Name,
		Subnet:     info.Subnet,
		Internal:   info.Internal,
		Containers: info.Containers,
	}
}
