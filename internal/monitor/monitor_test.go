package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/policy"
	"github.com/cyberange/sandboxd/internal/store"
)

func newTestMonitor(t *testing.T, maxCommands int, window time.Duration) *Monitor {
	t.Helper()
	if err := store.InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	t.Cleanup(func() { store.CloseDB() })

	catalog, err := policy.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}
	m, err := New(context.Background(), catalog, store.NewAuditStore(), maxCommands, window)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return m
}

func TestAuthorizeCleanCommand(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)

	decision := m.Authorize(context.Background(), "alice", "nmap -sS 172.30.0.5", "c1")
	if !decision.Allowed {
		t.Fatalf("expected allow, got: %s", decision.Reason)
	}
	if decision.ThreatLevel != ThreatLevelNone {
		t.Fatalf("unexpected threat level: %s", decision.ThreatLevel)
	}

	// A clean allow writes no event of its own.
	events, err := m.AuditLog(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("AuditLog error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for a clean allow, got %d", len(events))
	}
}

func TestBreakoutBlocksUserStickily(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)
	ctx := context.Background()

	decision := m.Authorize(ctx, "mallory", "curl --unix-socket /var/run/docker.sock http://x/", "c1")
	if decision.Allowed {
		t.Fatalf("breakout attempt should be rejected")
	}
	if decision.ThreatLevel != ThreatLevelCritical {
		t.Fatalf("unexpected threat level: %s", decision.ThreatLevel)
	}
	if !decision.Breakout {
		t.Fatalf("decision should be marked as a breakout")
	}
	if !m.IsBlocked("mallory") {
		t.Fatalf("user should be blocked after a breakout attempt")
	}

	// Even harmless commands are rejected once the user is blocked, but the
	// rejection is an ordinary block, not a breakout.
	decision = m.Authorize(ctx, "mallory", "ls", "c1")
	if decision.Allowed {
		t.Fatalf("blocked user should stay blocked")
	}
	if decision.Reason != "user is blocked" {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
	if decision.Breakout {
		t.Fatalf("a blocked-user rejection should not be marked as a breakout")
	}

	// Other users are unaffected.
	if decision := m.Authorize(ctx, "alice", "ls", "c2"); !decision.Allowed {
		t.Fatalf("unrelated user rejected: %s", decision.Reason)
	}
}

func TestBlockSurvivesRestart(t *testing.T) {
	if err := store.InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	t.Cleanup(func() { store.CloseDB() })

	catalog, err := policy.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}
	ctx := context.Background()
	audit := store.NewAuditStore()

	m, err := New(ctx, catalog, audit, 10, time.Minute)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if decision := m.Authorize(ctx, "mallory", "nsenter -t 1 -m sh", "c1"); decision.Allowed {
		t.Fatalf("breakout attempt should be rejected")
	}

	restarted, err := New(ctx, catalog, audit, 10, time.Minute)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if !restarted.IsBlocked("mallory") {
		t.Fatalf("block should survive a monitor restart")
	}
}

func TestUnblockClearsState(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)
	ctx := context.Background()

	m.Authorize(ctx, "mallory", "nsenter -t 1 -m sh", "c1")
	if !m.IsBlocked("mallory") {
		t.Fatalf("user should be blocked")
	}

	removed, err := m.Unblock(ctx, "mallory")
	if err != nil {
		t.Fatalf("Unblock error: %v", err)
	}
	if !removed {
		t.Fatalf("Unblock should report the user was blocked")
	}
	if m.IsBlocked("mallory") {
		t.Fatalf("user should no longer be blocked")
	}
	if decision := m.Authorize(ctx, "mallory", "ls", "c1"); !decision.Allowed {
		t.Fatalf("unblocked user rejected: %s", decision.Reason)
	}

	removed, err = m.Unblock(ctx, "nobody")
	if err != nil {
		t.Fatalf("Unblock error: %v", err)
	}
	if removed {
		t.Fatalf("Unblock of an unblocked user should report false")
	}
}

func TestRateLimit(t *testing.T) {
	m := newTestMonitor(t, 3, time.Minute)
	ctx := context.Background()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if decision := m.Authorize(ctx, "alice", "ls", "c1"); !decision.Allowed {
			t.Fatalf("command %d rejected: %s", i, decision.Reason)
		}
	}

	decision := m.Authorize(ctx, "alice", "ls", "c1")
	if decision.Allowed {
		t.Fatalf("expected rate limit rejection")
	}
	if decision.Reason != "rate limit exceeded" {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
	if decision.ThreatLevel != ThreatLevelMedium {
		t.Fatalf("unexpected threat level: %s", decision.ThreatLevel)
	}

	// Other users have their own window.
	if decision := m.Authorize(ctx, "bob", "ls", "c2"); !decision.Allowed {
		t.Fatalf("unrelated user rejected: %s", decision.Reason)
	}

	// Rejected attempts are not counted, so the window clears once the
	// original timestamps age out.
	current = current.Add(61 * time.Second)
	if decision := m.Authorize(ctx, "alice", "ls", "c1"); !decision.Allowed {
		t.Fatalf("command after window expiry rejected: %s", decision.Reason)
	}
}

func TestSuspiciousCommandFlaggedButAllowed(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)
	ctx := context.Background()

	decision := m.Authorize(ctx, "alice", "cat /etc/shadow", "c1")
	if !decision.Allowed {
		t.Fatalf("suspicious command should still be allowed: %s", decision.Reason)
	}
	if len(decision.Warnings) == 0 {
		t.Fatalf("expected warnings on a suspicious command")
	}

	events, err := m.AuditLog(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("AuditLog error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one flagged event, got %d", len(events))
	}
	if events[0].Action != model.ActionFlagged || events[0].ThreatKind != model.ThreatSuspicious {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)
	ctx := context.Background()

	m.Record(ctx, &model.SecurityEvent{
		UserID:      "alice",
		ContainerID: "c1",
		Command:     "ls",
		Detail:      "exit_code=0",
	})

	events, err := m.AuditLog(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("AuditLog error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	event := events[0]
	if event.Action != model.ActionMonitored || event.ThreatKind != model.ThreatNone {
		t.Fatalf("defaults not applied: %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("timestamp not filled")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)
	ctx := context.Background()

	events, cancel := m.Subscribe()
	defer cancel()

	m.Authorize(ctx, "mallory", "cat /etc/shadow", "c1")

	select {
	case event := <-events:
		if event.UserID != "mallory" || event.Action != model.ActionFlagged {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
}

func TestReport(t *testing.T) {
	m := newTestMonitor(t, 10, time.Minute)
	ctx := context.Background()

	m.Authorize(ctx, "alice", "cat /etc/shadow", "c1")
	m.Authorize(ctx, "mallory", "nsenter -t 1 -m sh", "c1")

	report, err := m.Report(ctx)
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if report.TotalEvents != 2 {
		t.Fatalf("expected 2 events, got %d", report.TotalEvents)
	}
	if report.ThreatsByKind[string(model.ThreatBreakout)] != 1 {
		t.Fatalf("unexpected threat counts: %v", report.ThreatsByKind)
	}
	if len(report.BlockedUsers) != 1 || report.BlockedUsers[0] != "mallory" {
		t.Fatalf("unexpected blocked users: %v", report.BlockedUsers)
	}
}
