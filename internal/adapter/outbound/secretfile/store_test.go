package secretfile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "secrets.json"), testLogger(), opts...)
}

func TestGet_NoFile_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "jwt_secret")
	if !errors.Is(err, outbound.ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() on missing file: %v", err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "jwt_secret", map[string]string{"value": "s3cret"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := s.Get(ctx, "jwt_secret")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got["value"] != "s3cret" {
		t.Errorf("value = %q, want %q", got["value"], "s3cret")
	}

	// Mutating the returned map must not affect the store.
	got["value"] = "changed"
	again, _ := s.Get(ctx, "jwt_secret")
	if again["value"] != "s3cret" {
		t.Errorf("store mutated through returned map: %q", again["value"])
	}
}

func TestPut_AppendsVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, v := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, "active_rsa_key", map[string]string{"key_id": v}); err != nil {
			t.Fatalf("Put(%q) error: %v", v, err)
		}
	}

	got, err := s.Get(ctx, "active_rsa_key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got["key_id"] != "c" {
		t.Errorf("latest key_id = %q, want c", got["key_id"])
	}

	s.mu.Lock()
	f, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		t.Fatalf("loadLocked() error: %v", err)
	}
	if n := len(f.Secrets["active_rsa_key"].Versions); n != 3 {
		t.Errorf("versions = %d, want 3", n)
	}
}

func TestPut_FilePermissionsAndBackup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "a", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}
	if _, err := os.Stat(s.Path() + ".bak"); !os.IsNotExist(err) {
		t.Errorf("expected no backup after first write, got err=%v", err)
	}

	if err := s.Put(ctx, "b", map[string]string{"v": "2"}); err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	bak, err := os.ReadFile(s.Path() + ".bak")
	if err != nil {
		t.Fatalf("expected backup after second write: %v", err)
	}
	if strings.Contains(string(bak), `"b"`) {
		t.Error("backup should hold the previous revision")
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestList_ChildNames(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []string{"rsa_keys/1", "rsa_keys/2", "rsa_keys/old/3", "jwt_secret"} {
		if err := s.Put(ctx, p, map[string]string{"x": "y"}); err != nil {
			t.Fatalf("Put(%q) error: %v", p, err)
		}
	}

	got, err := s.List(ctx, "rsa_keys/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want := []string{"1", "2", "old/"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEncrypted_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.age")
	s := New(path, testLogger(), WithPassphrase("correct horse"), WithWorkFactor(10))

	if err := s.Put(ctx, "jwt_secret", map[string]string{"value": "hidden"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(raw, ageHeader) {
		t.Fatalf("file is not age-encrypted: %q", raw[:min(len(raw), 32)])
	}
	if bytes.Contains(raw, []byte("hidden")) {
		t.Error("plaintext secret found in encrypted file")
	}

	// A fresh store with the same passphrase reads it back.
	reader := New(path, testLogger(), WithPassphrase("correct horse"))
	got, err := reader.Get(ctx, "jwt_secret")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got["value"] != "hidden" {
		t.Errorf("value = %q, want hidden", got["value"])
	}
}

func TestEncrypted_WrongOrMissingPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.age")
	s := New(path, testLogger(), WithPassphrase("right"), WithWorkFactor(10))
	if err := s.Put(ctx, "a", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	noPass := New(path, testLogger())
	if _, err := noPass.Get(ctx, "a"); !errors.Is(err, ErrPassphraseRequired) {
		t.Errorf("expected ErrPassphraseRequired, got %v", err)
	}

	wrong := New(path, testLogger(), WithPassphrase("wrong"))
	if err := wrong.Ping(ctx); err == nil {
		t.Error("expected decrypt error with wrong passphrase")
	}
}

func TestPlaintextFile_WithPassphrase_Rejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := New(path, testLogger()).Put(ctx, "a", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	s := New(path, testLogger(), WithPassphrase("pw"))
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotEncrypted) {
		t.Errorf("expected ErrNotEncrypted, got %v", err)
	}
}

func TestCorruptFile_Error(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	s := New(path, testLogger())
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected parse error for corrupt file")
	}
}

func TestTwoStores_SeeEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.json")
	a := New(path, testLogger())
	b := New(path, testLogger())

	if err := a.Put(ctx, "k", map[string]string{"v": "from-a"}); err != nil {
		t.Fatalf("a.Put() error: %v", err)
	}
	if got, err := b.Get(ctx, "k"); err != nil || got["v"] != "from-a" {
		t.Fatalf("b.Get() = %v, %v", got, err)
	}

	// b appends on top of a's write without losing it.
	if err := b.Put(ctx, "other", map[string]string{"v": "from-b-longer"}); err != nil {
		t.Fatalf("b.Put() error: %v", err)
	}
	if _, err := a.Get(ctx, "other"); err != nil {
		t.Errorf("a.Get(other) error: %v", err)
	}
	if _, err := b.Get(ctx, "k"); err != nil {
		t.Errorf("b lost a's write: %v", err)
	}
}

func TestPut_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Put(ctx, "counter", map[string]string{"v": "x"}); err != nil {
				t.Errorf("Put() error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.mu.Lock()
	f, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		t.Fatalf("loadLocked() error: %v", err)
	}
	if n := len(f.Secrets["counter"].Versions); n != 20 {
		t.Errorf("versions = %d, want 20", n)
	}
}

func TestPut_UsesClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }))

	if err := s.Put(context.Background(), "a", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	s.mu.Lock()
	f, _ := s.loadLocked()
	s.mu.Unlock()
	if got := f.Secrets["a"].Versions[0].CreatedAt; !got.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", got, fixed)
	}
	if !f.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", f.UpdatedAt, fixed)
	}
}

func TestLoad_TooOpenPermissions_WarnsButSucceeds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"secrets":{}}`), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s := New(path, logger)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if !strings.Contains(buf.String(), "too-open permissions") {
		t.Errorf("expected warning about too-open permissions, got log output: %q", buf.String())
	}
}
