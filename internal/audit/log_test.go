package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"trellis.org/internal/identity"
	"trellis.org/internal/obs"
	"trellis.org/internal/roles"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = identity.ContextWith(ctx, identity.Identity{UserID: "user-42", Role: roles.Delegate})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	if entry["role"] != "delegate" {
		t.Fatalf("unexpected role: %v", entry["role"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestStoreAppendRequiresAction(t *testing.T) {
	s := NewInMemory()
	err := s.Append(context.Background(), &Entry{ResourceType: "user", ResourceID: "u1"})
	if !errors.Is(err, ErrEmptyAction) {
		t.Fatalf("expected ErrEmptyAction, got %v", err)
	}
}

func TestStoreAppendAndListByResource(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for _, action := range []string{"hierarchy.user.insert", "hierarchy.user.move"} {
		err := s.Append(ctx, &Entry{
			Action:       action,
			ResourceType: "user",
			ResourceID:   "u1",
			ActorID:      "admin-1",
			ActorRole:    roles.Admin,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, &Entry{Action: "x", ResourceType: "user", ResourceID: "other"}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListByResource(ctx, "user", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" || e.OccurredAt.IsZero() {
			t.Fatalf("append must stamp id and time: %+v", e)
		}
	}
}

func TestAccessLogAppendAndList(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	err := s.AppendAccess(ctx, &FinancialAccessEntry{
		CallerID:     "u1",
		CallerRole:   roles.Senior,
		AccessType:   "financial.view",
		ResourceType: "work_item",
		ResourceID:   "w1",
		Success:      false,
		Error:        "denied",
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListAccessByCaller(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Success || entries[0].Error != "denied" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].ID == "" || entries[0].OccurredAt.IsZero() {
		t.Fatal("append must stamp id and time")
	}
}
