package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "direct NotFoundError",
			err:  NotFoundError{Entity: "test", Key: "k"},
			want: true,
		},
		{
			name: "wrapped NotFoundError",
			err:  fmt.Errorf("outer: %w", NotFoundError{Entity: "test"}),
			want: true,
		},
		{
			name: "double-wrapped NotFoundError",
			err:  fmt.Errorf("a: %w", fmt.Errorf("b: %w", NotFoundError{})),
			want: true,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "other error type",
			err:  errors.New("something"),
			want: false,
		},
		{
			name: "wrapped other error",
			err:  fmt.Errorf("wrap: %w", errors.New("x")),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNotFoundErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  NotFoundError
		want string
	}{
		{
			name: "with key",
			err:  NotFoundError{Entity: "test", Key: "k"},
			want: "test k not found",
		},
		{
			name: "without key",
			err:  NotFoundError{Entity: "test"},
			want: "test not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func openTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "config.db")
	store, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, context.Background()
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")

	// First open read-write to create schema + seed data.
	rw, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open rw store for setup: %v", err)
	}
	if _, err := rw.PutShared(context.Background(), "bridgeStatus", []byte(`{"connected":true}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rw.Close()

	ro, err := Open(Options{DBPath: dbPath, ReadOnly: true})
	if err != nil {
		t.Fatalf("open ro store: %v", err)
	}
	defer ro.Close()

	got, err := ro.GetShared(context.Background(), "bridgeStatus")
	if err != nil {
		t.Fatalf("read seeded value: %v", err)
	}
	if string(got.Value) != `{"connected":true}` {
		t.Fatalf("unexpected value %q", got.Value)
	}

	if _, err := ro.PutShared(context.Background(), "bridgeStatus", []byte(`{}`)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}
