package capability

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreDuplicateSave(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	g := &Grant{
		ID:          "g-1",
		AgentID:     "agent-1",
		Permissions: []Permission{{Category: "filesystem", Actions: []string{"read"}}},
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Save(ctx, g); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Save(ctx, g); err == nil {
		t.Error("expected error on duplicate save")
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown grant")
	}
	if err := s.Revoke(context.Background(), "missing", time.Now()); err == nil {
		t.Error("expected error revoking unknown grant")
	}
}

func TestMemoryStoreTokenNotPersisted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	g := &Grant{
		ID:          "g-1",
		AgentID:     "agent-1",
		Permissions: []Permission{{Category: "filesystem", Actions: []string{"read"}}},
		Token:       "signed-token",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Save(ctx, g); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.Get(ctx, "g-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Token != "" {
		t.Error("token must not be persisted")
	}
}
