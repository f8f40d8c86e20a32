package memory

import (
	"context"
	"errors"
	"testing"

	"coinsync/pkg/account"
	"coinsync/pkg/store"
	"coinsync/pkg/store/storetest"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestMemoryBackend_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return NewMemoryBackend(MemoryBackendConfig{Name: "test"})
	})
}

func TestMemoryBackend_DefaultName(t *testing.T) {
	b := NewMemoryBackend(MemoryBackendConfig{})
	if b.Name() != "memory" {
		t.Errorf("Expected name 'memory', got %q", b.Name())
	}
}

func TestMemoryBackend_Closed(t *testing.T) {
	b := NewMemoryBackend(MemoryBackendConfig{})
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	id := account.Player(uuid.New())

	if _, err := b.Balances(ctx, "gold"); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Expected ErrClosed from Balances, got %v", err)
	}
	err := b.SetBalance(ctx, "gold", store.Entry{Identity: id, Balance: decimal.NewFromInt(1)}, "")
	if !errors.Is(err, store.ErrClosed) {
		t.Errorf("Expected ErrClosed from SetBalance, got %v", err)
	}
	if _, err := b.AppendTransaction(ctx, id, "x"); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Expected ErrClosed from AppendTransaction, got %v", err)
	}
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := NewMemoryBackend(MemoryBackendConfig{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := b.Balance(ctx, "gold", account.Wildcard); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMemoryBackend_RevertCorruptRecord(t *testing.T) {
	b := NewMemoryBackend(MemoryBackendConfig{})
	defer b.Close()

	ctx := context.Background()
	id := account.Player(uuid.New())
	tx, err := b.AppendTransaction(ctx, id, "not;a;record")
	if err != nil {
		t.Fatalf("AppendTransaction failed: %v", err)
	}

	if _, err := b.RevertTransaction(ctx, id, tx, "x"); !errors.Is(err, store.ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord, got %v", err)
	}
}
