//go:build integration

package hermes

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_MergedNotification(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()
	logger := slog.Default()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	type notification struct {
		ServiceID string `json:"serviceId"`
	}
	received := make(chan notification, 1)

	var opts []nats.Option
	if token := os.Getenv("NATS_TOKEN"); token != "" {
		opts = append(opts, nats.Token(token))
	}
	listener, err := nats.Connect(natsURL, opts...)
	if err != nil {
		t.Fatalf("listener connect failed: %v", err)
	}
	defer listener.Close()

	_, err = listener.Subscribe(SubjectCaptureMerged, func(msg *nats.Msg) {
		var n notification
		json.Unmarshal(msg.Data, &n)
		received <- n
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	if err := client.Publish(SubjectCaptureMerged, map[string]any{"serviceId": "chatgpt", "messages": []any{}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case n := <-received:
		if n.ServiceID != "chatgpt" {
			t.Errorf("serviceId = %q, want chatgpt", n.ServiceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
