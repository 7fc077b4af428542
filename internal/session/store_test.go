package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"portal-client/internal/logging"
)

func TestFileStore_MissingFileMeansNoToken(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.json"))
	token, ok, err := store.CurrentToken(context.Background())
	if err != nil {
		t.Fatalf("CurrentToken() error = %v", err)
	}
	if ok || token != "" {
		t.Fatalf("CurrentToken() = %q, %v; want no token", token, ok)
	}
}

func TestFileStore_SetGetClearToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileStore(path)
	ctx := context.Background()

	if err := store.SetToken(ctx, " abc123 "); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if err := store.Set(ctx, "locale", "en"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// A second store on the same file sees the same state.
	other := NewFileStore(path)
	token, ok, err := other.CurrentToken(ctx)
	if err != nil || !ok || token != "abc123" {
		t.Fatalf("CurrentToken() = %q, %v, %v; want abc123", token, ok, err)
	}

	if err := store.ClearToken(ctx); err != nil {
		t.Fatalf("ClearToken() error = %v", err)
	}
	if _, ok, _ := other.CurrentToken(ctx); ok {
		t.Fatalf("token still present after ClearToken")
	}
	if locale, ok, _ := other.Get(ctx, "locale"); !ok || locale != "en" {
		t.Fatalf("Get(locale) = %q, %v; other keys must survive ClearToken", locale, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("credential file mode = %o, want 600", perm)
	}

	if err := store.SetToken(ctx, "   "); err == nil {
		t.Fatalf("SetToken(blank) expected error")
	}
}

func TestFileStore_BlankStoredTokenIsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"token":"  "}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, ok, err := NewFileStore(path).CurrentToken(context.Background()); ok || err != nil {
		t.Fatalf("CurrentToken() ok=%v err=%v, want absent", ok, err)
	}
}

func TestFileStore_CorruptFileReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{not-json`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, _, err := NewFileStore(path).CurrentToken(context.Background()); err == nil {
		t.Fatalf("CurrentToken() expected decode error")
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		wg.Go(func() {
			if err := store.Set(ctx, key, "v"); err != nil {
				t.Errorf("Set(%s) error = %v", key, err)
			}
		})
	}
	wg.Wait()
	for i := 0; i < 8; i++ {
		if _, ok, _ := store.Get(ctx, string(rune('a'+i))); !ok {
			t.Fatalf("key %c lost under concurrent writes", 'a'+i)
		}
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory("")
	if _, ok, _ := m.CurrentToken(context.Background()); ok {
		t.Fatalf("empty memory provider reported a token")
	}
	_ = m.SetToken(context.Background(), "tok")
	if token, ok, _ := m.CurrentToken(context.Background()); !ok || token != "tok" {
		t.Fatalf("CurrentToken() = %q, %v", token, ok)
	}
	_ = m.ClearToken(context.Background())
	if _, ok, _ := m.CurrentToken(context.Background()); ok {
		t.Fatalf("token present after ClearToken")
	}
}

func TestWatch_ReportsLoginAndLogout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	changes, err := Watch(ctx, store, logging.Discard())
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	next := func() Change {
		t.Helper()
		select {
		case change, ok := <-changes:
			if !ok {
				t.Fatalf("changes closed early")
			}
			return change
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for credential change")
		}
		return Change{}
	}

	if err := store.SetToken(ctx, "abc123"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if got := next(); !got.Present || got.Token != "abc123" {
		t.Fatalf("change = %#v, want login", got)
	}

	if err := store.ClearToken(ctx); err != nil {
		t.Fatalf("ClearToken() error = %v", err)
	}
	if got := next(); got.Present {
		t.Fatalf("change = %#v, want logout", got)
	}

	cancel()
	for range changes {
	}
}
