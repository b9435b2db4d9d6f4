package storage

import (
	"context"
	"testing"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
)

func TestNatsStorage_Embedded(t *testing.T) {
	s, err := NewNatsStorage("", time.Hour, t.TempDir())
	if err != nil {
		t.Fatalf("NewNatsStorage: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	empty, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent on empty stream: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty stream returned %d notifications", len(empty))
	}

	for i, action := range []string{"login", "logout", "flagged by admin"} {
		n := models.Notification{ID: int64(i + 1), Action: action, Subject: "Alice"}
		if err := s.Add(ctx, n); err != nil {
			t.Fatalf("Add(%q): %v", action, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 2 {
		t.Errorf("Recent = %+v, want ids 3,2", got)
	}
	if got[0].Action != "flagged by admin" {
		t.Errorf("action = %q", got[0].Action)
	}
}

func TestSubjectFor(t *testing.T) {
	cases := map[string]string{
		"login":            "relay.notifications.login",
		"flagged by admin": "relay.notifications.flagged_by_admin",
		"a.b*c>":           "relay.notifications.a_b_c_",
		"":                 "relay.notifications.unknown",
	}
	for in, want := range cases {
		if got := subjectFor(in); got != want {
			t.Errorf("subjectFor(%q) = %q, want %q", in, got, want)
		}
	}
}
