// Package monitor implements runtime behavioral security monitoring:
// per-user rate limiting, breakout detection with sticky blocking, and the
// append-only audit trail every execution attempt passes through.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/policy"
	"github.com/cyberange/sandboxd/internal/store"
)

type ThreatLevel string

const (
	ThreatLevelNone     ThreatLevel = "none"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelCritical ThreatLevel = "critical"
)

// Decision is the outcome of one authorization check. Breakout marks a
// rejection caused by a container-escape indicator, as opposed to a block
// or rate limit.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Reason      string      `json:"reason"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Breakout    bool        `json:"breakout,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
}

const (
	DefaultMaxCommands = 100
	DefaultWindow      = 5 * time.Minute
)

// Monitor owns the shared security state: rate-limit windows, the sticky
// blocked-user set, and the audit log. One mutex guards all three; sqlite
// writes happen outside the lock.
type Monitor struct {
	catalog *policy.Catalog
	audit   *store.AuditStore

	mu      sync.Mutex
	windows map[string][]time.Time
	blocked map[string]bool

	maxCommands int
	window      time.Duration
	now         func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan model.SecurityEvent
	nextID int
}

// New builds a monitor and restores the blocked-user set from the store so
// blocks stay sticky across restarts.
func New(ctx context.Context, catalog *policy.Catalog, audit *store.AuditStore, maxCommands int, window time.Duration) (*Monitor, error) {
	if maxCommands <= 0 {
		maxCommands = DefaultMaxCommands
	}
	if window <= 0 {
		window = DefaultWindow
	}

	m := &Monitor{
		catalog:     catalog,
		audit:       audit,
		windows:     make(map[string][]time.Time),
		blocked:     make(map[string]bool),
		maxCommands: maxCommands,
		window:      window,
		now:         time.Now,
		subs:        make(map[int]chan model.SecurityEvent),
	}

	blocked, err := audit.ListBlocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, user := range blocked {
		m.blocked[user] = true
	}
	return m, nil
}

// Authorize clears or rejects one execution request. Every rejection and
// every flagged match appends a SecurityEvent; a clean allow is audited by
// the execution record that follows it, so each attempt lands in the audit
// trail exactly once.
func (m *Monitor) Authorize(ctx context.Context, userID, command, containerID string) Decision {
	now := m.now().UTC()

	m.mu.Lock()
	if m.blocked[userID] {
		m.mu.Unlock()
		m.append(ctx, userID, command, containerID, model.ThreatNone, model.ActionBlocked, "user is blocked")
		return Decision{Allowed: false, Reason: "user is blocked", ThreatLevel: ThreatLevelCritical}
	}

	window := pruneWindow(m.windows[userID], now.Add(-m.window))
	if len(window) >= m.maxCommands {
		// Over the limit: the attempt is rejected and not counted, so the
		// window resets once the old timestamps age out.
		m.windows[userID] = window
		m.mu.Unlock()
		m.append(ctx, userID, command, containerID, model.ThreatNone, model.ActionBlocked, "rate limit exceeded")
		return Decision{Allowed: false, Reason: "rate limit exceeded", ThreatLevel: ThreatLevelMedium}
	}
	m.windows[userID] = append(window, now)
	m.mu.Unlock()

	if match := m.catalog.MatchesBreakout(command); match != "" {
		m.mu.Lock()
		m.blocked[userID] = true
		m.mu.Unlock()

		// Persist the block before the decision returns so the user stays
		// blocked even if the process dies immediately after.
		if err := m.audit.BlockUser(ctx, userID, "breakout indicator: "+match, now); err != nil {
			slog.Error("failed to persist user block", "component", "security_monitor", "user_id", userID, "error", err)
		}
		m.append(ctx, userID, command, containerID, model.ThreatBreakout, model.ActionBlocked, "breakout indicator: "+match)
		return Decision{Allowed: false, Reason: "breakout attempt detected: " + match, ThreatLevel: ThreatLevelCritical, Breakout: true}
	}

	if matches := m.catalog.MatchesSuspicious(command); len(matches) > 0 {
		m.append(ctx, userID, command, containerID, model.ThreatSuspicious, model.ActionFlagged, "suspicious indicators")
		warnings := make([]string, 0, len(matches))
		for _, match := range matches {
			warnings = append(warnings, "suspicious pattern: "+match)
		}
		return Decision{Allowed: true, Reason: "allowed with warnings", ThreatLevel: ThreatLevelNone, Warnings: warnings}
	}

	return Decision{Allowed: true, Reason: "allowed", ThreatLevel: ThreatLevelNone}
}

// Record appends an execution-outcome event. Called unconditionally after
// every exec attempt, success or failure.
func (m *Monitor) Record(ctx context.Context, event *model.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}
	if event.ThreatKind == "" {
		event.ThreatKind = model.ThreatNone
	}
	if event.Action == "" {
		event.Action = model.ActionMonitored
	}
	m.persist(ctx, event)
}

// Unblock is a privileged operation: it clears the sticky block and the
// user's rate-limit window, and is itself audited.
func (m *Monitor) Unblock(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	wasBlocked := m.blocked[userID]
	delete(m.blocked, userID)
	delete(m.windows, userID)
	m.mu.Unlock()

	removed, err := m.audit.UnblockUser(ctx, userID)
	if err != nil {
		return false, err
	}
	m.append(ctx, userID, "", "", model.ThreatNone, model.ActionMonitored, "user unblocked by operator")
	return wasBlocked || removed, nil
}

func (m *Monitor) IsBlocked(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[userID]
}

func (m *Monitor) AuditLog(ctx context.Context, userID string, limit int) ([]model.SecurityEvent, error) {
	return m.audit.List(ctx, userID, limit)
}

func (m *Monitor) Report(ctx context.Context) (*model.SecurityReport, error) {
	return m.audit.Report(ctx)
}

// Subscribe returns a channel receiving a copy of every new audit event,
// plus a cancel function. Slow subscribers drop events rather than block
// the authorization path.
func (m *Monitor) Subscribe() (<-chan model.SecurityEvent, func()) {
	ch := make(chan model.SecurityEvent, 64)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Monitor) append(ctx context.Context, userID, command, containerID string, kind model.ThreatKind, action model.AuditAction, detail string) {
	m.persist(ctx, &model.SecurityEvent{
		Timestamp:   m.now().UTC(),
		UserID:      userID,
		ContainerID: containerID,
		Command:     command,
		ThreatKind:  kind,
		Action:      action,
		Detail:      detail,
	})
}

func (m *Monitor) persist(ctx context.Context, event *model.SecurityEvent) {
	// A failed durable write is logged but never aborts the surrounding
	// request; the audit path must not become a denial-of-service vector.
	if err := m.audit.Append(ctx, event); err != nil {
		slog.Error("audit log write failed",
			"component", "security_monitor",
			"user_id", event.UserID,
			"action", string(event.Action),
			"error", err)
	}

	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- *event:
		default:
		}
	}
	m.subMu.Unlock()
}

func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(window) && window[idx].Before(cutoff) {
		idx++
	}
	return window[idx:]
}
