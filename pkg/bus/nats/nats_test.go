package nats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"coinsync/pkg/bus"
)

func connectOrSkip(t *testing.T) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	if url := os.Getenv("COINSYNC_TEST_NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.ConnectTimeout = 500 * time.Millisecond

	b, err := Connect(cfg, nil)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	return b
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Unexpected default URL %q", cfg.URL)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("Expected unlimited reconnects, got %d", cfg.MaxReconnects)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 100 * time.Millisecond

	if _, err := Connect(cfg, nil); err == nil {
		t.Error("Expected connect error")
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := connectOrSkip(t)
	defer b.Close()

	got := make(chan string, 1)
	sub, err := b.Subscribe(context.Background(), "update_gold", func(channel, payload string) {
		got <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(context.Background(), "update_gold", "hello"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case payload := <-got:
		if payload != "hello" {
			t.Errorf("Expected 'hello', got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_Closed(t *testing.T) {
	b := connectOrSkip(t)
	_ = b.Close()

	if err := b.Publish(context.Background(), "c", "x"); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
