package snapshot

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, ok, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || !bytes.Equal(v, []byte("hello")) {
		t.Errorf("expected to read back the stored value, got %q ok=%v", v, ok)
	}
}

func TestMemoryStoreGetMissingKey(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for a missing key")
	}
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, "k1", []byte("first"))
	s.Put(ctx, "k1", []byte("second"))

	v, _, _ := s.Get(ctx, "k1")
	if !bytes.Equal(v, []byte("second")) {
		t.Errorf("expected last-writer-wins, got %q", v)
	}
}

func TestMemoryStoreReturnsIndependentCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	original := []byte("hello")
	s.Put(ctx, "k1", original)
	original[0] = 'X'

	v, _, _ := s.Get(ctx, "k1")
	if !bytes.Equal(v, []byte("hello")) {
		t.Errorf("expected stored value unaffected by caller mutation, got %q", v)
	}

	v[0] = 'Y'
	v2, _, _ := s.Get(ctx, "k1")
	if !bytes.Equal(v2, []byte("hello")) {
		t.Errorf("expected returned value to be a copy, store mutated to %q", v2)
	}
}
