package types

import (
	"strings"
	"testing"
	"time"
)

func TestSession_ExpiresAt(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{CreatedAt: created, TTL: 30 * time.Minute}

	want := created.Add(30 * time.Minute)
	if !s.ExpiresAt().Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", s.ExpiresAt(), want)
	}
}

func TestSyncStatus_Strings(t *testing.T) {
	cases := map[SyncStatus]string{
		SyncPending:    "pending",
		SyncInProgress: "in_progress",
		SyncCompleted:  "completed",
		SyncFailed:     "failed",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
	if SyncStatus(99).String() != "unknown" {
		t.Error("out-of-range status should stringify as unknown")
	}
}

func TestSyncStatus_Terminal(t *testing.T) {
	if SyncPending.Terminal() || SyncInProgress.Terminal() {
		t.Error("pending and in_progress are not terminal")
	}
	if !SyncCompleted.Terminal() || !SyncFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}

func TestInvariantError(t *testing.T) {
	err := InvariantError{Key: "inst-a", Message: "negative counter"}
	if !strings.Contains(err.Error(), "inst-a") || !strings.Contains(err.Error(), "negative counter") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
