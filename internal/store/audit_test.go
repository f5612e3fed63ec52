package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyberange/sandboxd/internal/model"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	if err := InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	t.Cleanup(func() { CloseDB() })
	return NewAuditStore()
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &model.SecurityEvent{
		Timestamp:   time.Now().UTC(),
		UserID:      "alice",
		ContainerID: "c1",
		Command:     "nmap -sS 172.30.0.5",
		ThreatKind:  model.ThreatNone,
		Action:      model.ActionMonitored,
		Detail:      "exit_code=0",
	}
	if err := s.Append(ctx, first); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if first.ID == 0 {
		t.Fatalf("Append should fill the event ID")
	}

	second := &model.SecurityEvent{
		Timestamp:  time.Now().UTC(),
		UserID:     "bob",
		Command:    "nsenter -t 1 -m sh",
		ThreatKind: model.ThreatBreakout,
		Action:     model.ActionBlocked,
		Detail:     "breakout indicator",
	}
	if err := s.Append(ctx, second); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	events, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].UserID != "bob" || events[1].UserID != "alice" {
		t.Fatalf("unexpected ordering: %s, %s", events[0].UserID, events[1].UserID)
	}
	if events[0].ThreatKind != model.ThreatBreakout || events[0].Action != model.ActionBlocked {
		t.Fatalf("round trip mangled the event: %+v", events[0])
	}

	filtered, err := s.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(filtered) != 1 || filtered[0].UserID != "alice" {
		t.Fatalf("user filter not applied: %+v", filtered)
	}
}

func TestListLimitClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := &model.SecurityEvent{
			Timestamp:  time.Now().UTC(),
			UserID:     "alice",
			Command:    "ls",
			ThreatKind: model.ThreatNone,
			Action:     model.ActionMonitored,
		}
		if err := s.Append(ctx, event); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	events, err := s.List(ctx, "", 2)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("limit not applied, got %d events", len(events))
	}

	// A nonsense limit falls back to the default rather than failing.
	if _, err := s.List(ctx, "", -1); err != nil {
		t.Fatalf("List with negative limit: %v", err)
	}
}

func TestBlockUnblock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.BlockUser(ctx, "mallory", "breakout indicator", now); err != nil {
		t.Fatalf("BlockUser error: %v", err)
	}
	// Blocking twice is a no-op, not an error.
	if err := s.BlockUser(ctx, "mallory", "again", now); err != nil {
		t.Fatalf("repeat BlockUser error: %v", err)
	}

	blocked, err := s.ListBlocked(ctx)
	if err != nil {
		t.Fatalf("ListBlocked error: %v", err)
	}
	if len(blocked) != 1 || blocked[0] != "mallory" {
		t.Fatalf("unexpected blocked list: %v", blocked)
	}

	removed, err := s.UnblockUser(ctx, "mallory")
	if err != nil {
		t.Fatalf("UnblockUser error: %v", err)
	}
	if !removed {
		t.Fatalf("UnblockUser should report removal")
	}

	removed, err = s.UnblockUser(ctx, "mallory")
	if err != nil {
		t.Fatalf("UnblockUser error: %v", err)
	}
	if removed {
		t.Fatalf("second UnblockUser should report nothing removed")
	}
}

func TestReportAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, kind := range []model.ThreatKind{model.ThreatNone, model.ThreatSuspicious, model.ThreatSuspicious} {
		event := &model.SecurityEvent{
			Timestamp:  now,
			UserID:     "alice",
			Command:    "ls",
			ThreatKind: kind,
			Action:     model.ActionMonitored,
		}
		if err := s.Append(ctx, event); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}
	if err := s.BlockUser(ctx, "mallory", "breakout", now); err != nil {
		t.Fatalf("BlockUser error: %v", err)
	}

	report, err := s.Report(ctx)
	if err != nil {
		t.Fatalf("Report error: %v", err)
	}
	if report.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", report.TotalEvents)
	}
	if report.ThreatsByKind[string(model.ThreatSuspicious)] != 2 {
		t.Fatalf("unexpected aggregates: %v", report.ThreatsByKind)
	}
	if len(report.BlockedUsers) != 1 {
		t.Fatalf("unexpected blocked users: %v", report.BlockedUsers)
	}
}
