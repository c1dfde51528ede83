//go:build cgo

package kiln

import (
	"context"
	"testing"
)

func TestConfigValidateRejectsMissingRoot(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing Root")
	}
}

func TestConfigValidateRejectsMissingProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.Embedding.Provider = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing Embedding.Provider")
	}
}

func TestConfigValidateRejectsBadThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.VirtualizationThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero VirtualizationThreshold")
	}
}

func TestConfigValidateAccepts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewOpensAndCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.EmbeddingDim = 8

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.EmbeddingDim = 8

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	if _, err := e.ProcessFile(ctx, "note.md", false); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := e.Status(ctx); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
