package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "quarterdeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func TestCredentialLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetCredential(ctx); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}

	rec := CredentialRecord{
		PasswordHash:  "a1b2c3",
		SigningSecret: "s3cr3t",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SetCredential(ctx, rec); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	got, err := store.GetCredential(ctx)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.PasswordHash != rec.PasswordHash || got.SigningSecret != rec.SigningSecret {
		t.Fatalf("credential mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}

	// The credential is set exactly once.
	err = store.SetCredential(ctx, CredentialRecord{PasswordHash: "other", SigningSecret: "x", CreatedAt: time.Now()})
	if !errors.Is(err, ErrCredentialExists) {
		t.Fatalf("expected ErrCredentialExists, got %v", err)
	}
	got, _ = store.GetCredential(ctx)
	if got.PasswordHash != rec.PasswordHash {
		t.Fatalf("second set must not overwrite, got %+v", got)
	}
}

func TestChatMessagesOrderAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := store.AppendChatMessage(ctx, ChatMessageRecord{
			ID:        string(rune('a' + i)),
			Role:      "operator",
			Body:      "message",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	items, err := store.ListChatMessages(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	// Most recent three, oldest first.
	if items[0].ID != "c" || items[1].ID != "d" || items[2].ID != "e" {
		t.Fatalf("unexpected order: %v %v %v", items[0].ID, items[1].ID, items[2].ID)
	}

	all, err := store.ListChatMessages(ctx, 0)
	if err != nil {
		t.Fatalf("list default limit: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected all 5 with default limit, got %d", len(all))
	}
}

func TestSettingsUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.PutSettings(ctx, map[string]string{"theme": "dark", "locale": "en"}, now); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutSettings(ctx, map[string]string{"theme": "light"}, now.Add(time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["theme"] != "light" || got["locale"] != "en" {
		t.Fatalf("unexpected settings: %v", got)
	}
}

func TestSettingsEmpty(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty settings, got %v", got)
	}
}
