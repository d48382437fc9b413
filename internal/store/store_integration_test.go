//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/capturelog"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestIntegration_MirrorSkipsDuplicateKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	service := "it-" + uuid.New().String()[:8]
	at := time.Now()

	m := capture.CapturedMessage{Role: capture.RoleAssistant, Content: "hello", ExternalID: "m1", Source: capture.SourceAPI}
	first := capturelog.NewEntry(service, "https://example.test/c/1", m, at)
	again := capturelog.NewEntry(service, "", m, at)
	other := capturelog.NewEntry(service, "", capture.CapturedMessage{Role: capture.RoleUser, Content: "hi", Source: capture.SourceDOM}, at)

	if err := s.Mirror(ctx, []capturelog.Entry{first, other}); err != nil {
		t.Fatalf("Mirror failed: %v", err)
	}
	if err := s.Mirror(ctx, []capturelog.Entry{again}); err != nil {
		t.Fatalf("Mirror of duplicate failed: %v", err)
	}

	n, err := s.CountMessages(ctx, service)
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 mirrored messages, got %d", n)
	}

	recent, err := s.Recent(ctx, service, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent messages, got %d", len(recent))
	}
	for _, e := range recent {
		if e.ExternalID == "m1" && e.URL != "https://example.test/c/1" {
			t.Errorf("expected first url to survive, got %q", e.URL)
		}
	}
}
