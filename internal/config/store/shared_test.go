package store

import (
	"testing"
)

func TestPutSharedSkipsIdenticalValue(t *testing.T) {
	s, ctx := openTestStore(t)

	changed, err := s.PutShared(ctx, "bridgeStatus", []byte(`{"connected":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("first write should report a change")
	}

	changed, err = s.PutShared(ctx, "bridgeStatus", []byte(`{"connected":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("identical write should be skipped")
	}

	got, err := s.GetShared(ctx, "bridgeStatus")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1 after skipped write, got %d", got.Version)
	}

	if _, err := s.PutShared(ctx, "bridgeStatus", []byte(`{"connected":true}`)); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetShared(ctx, "bridgeStatus")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || string(got.Value) != `{"connected":true}` {
		t.Fatalf("unexpected entry after update: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be parsed")
	}
}

func TestGetSharedNotFound(t *testing.T) {
	s, ctx := openTestStore(t)

	_, err := s.GetShared(ctx, "bridgeConfig")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPutSharedRejectsEmptyKey(t *testing.T) {
	s, ctx := openTestStore(t)

	if _, err := s.PutShared(ctx, " ", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}
