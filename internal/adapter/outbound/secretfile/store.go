package secretfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// ageHeader prefixes every age-encrypted file.
var ageHeader = []byte("age-encryption.org/")

// ErrPassphraseRequired is returned when the file is encrypted but no
// passphrase was configured.
var ErrPassphraseRequired = errors.New("secret file is encrypted: passphrase required")

// ErrNotEncrypted is returned when a passphrase is configured but the file
// on disk is plaintext.
var ErrNotEncrypted = errors.New("secret file is not encrypted but a passphrase is configured")

// fileStamp identifies one on-disk revision of the file.
type fileStamp struct {
	modTime time.Time
	size    int64
}

// Store manages the secrets file.
// It provides atomic writes (write-tmp-then-rename), a backup of the previous
// revision, file locking (flock for cross-process, mutex for in-process), and
// a decoded in-memory copy that is reloaded only when the file changes.
type Store struct {
	path       string
	passphrase string
	workFactor int
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cached *secretsFile
	stamp  fileStamp
}

// Option configures a Store.
type Option func(*Store)

// WithPassphrase enables age scrypt encryption of the whole file.
func WithPassphrase(passphrase string) Option {
	return func(s *Store) {
		s.passphrase = passphrase
	}
}

// WithWorkFactor sets the scrypt work factor (log2 N) used when encrypting.
// Zero keeps age's default.
func WithWorkFactor(logN int) Option {
	return func(s *Store) {
		s.workFactor = logN
	}
}

// WithClock overrides the time source used for version timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store for the given file path. The file is created on the
// first Put.
func New(path string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the latest version stored at path.
func (s *Store) Get(ctx context.Context, path string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	data, ok := f.latest(path)
	if !ok {
		return nil, outbound.ErrSecretNotFound
	}
	return copyFields(data), nil
}

// List returns names directly under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(f.Secrets))
	for p, e := range f.Secrets {
		if len(e.Versions) > 0 {
			paths = append(paths, p)
		}
	}
	return outbound.ChildNames(paths, prefix), nil
}

// Ping verifies the file (if present) can be read and decoded.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.loadLocked()
	return err
}

// Put appends a new version at path and rewrites the file.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire exclusive flock on path+".lock"
//  3. Re-read the file so writes from other processes are not lost
//  4. Append the version and encode (encrypting when configured)
//  5. Copy the current file to path+".bak"
//  6. Write path+".tmp" with 0600 permissions, fsync, rename over path
//  7. Release flock and mutex
func (s *Store) Put(ctx context.Context, path string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}

	release, err := s.lock(lockExclusive)
	if err != nil {
		return err
	}
	defer release()

	f, stamp, err := s.readFile()
	if err != nil {
		return err
	}

	now := s.now().UTC()
	e, ok := f.Secrets[path]
	if !ok {
		e = &secretEntry{}
		f.Secrets[path] = e
	}
	e.Versions = append(e.Versions, secretVersion{Data: copyFields(data), CreatedAt: now})
	f.UpdatedAt = now

	encoded, err := s.encode(f)
	if err != nil {
		return err
	}

	if stamp.size > 0 {
		if current, readErr := os.ReadFile(s.path); readErr == nil {
			if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
				s.logger.Warn("failed to create secrets backup", "error", writeErr)
			}
		}
	}

	if err := s.writeAtomic(encoded); err != nil {
		return err
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat secrets file: %w", err)
	}
	s.cached = f
	s.stamp = fileStamp{modTime: info.ModTime(), size: info.Size()}

	s.logger.Debug("secret written", "path", path, "version", len(e.Versions))
	return nil
}

// loadLocked returns the decoded file, reusing the cached copy while the
// file on disk is unchanged. Caller holds s.mu.
func (s *Store) loadLocked() (*secretsFile, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newSecretsFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat secrets file: %w", err)
	}

	stamp := fileStamp{modTime: info.ModTime(), size: info.Size()}
	if s.cached != nil && stamp == s.stamp {
		return s.cached, nil
	}

	release, err := s.lock(lockShared)
	if err != nil {
		return nil, err
	}
	defer release()

	f, stamp, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.cached = f
	s.stamp = stamp
	return f, nil
}

// readFile reads and decodes the file. A missing file yields an empty document.
func (s *Store) readFile() (*secretsFile, fileStamp, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newSecretsFile(), fileStamp{}, nil
	}
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("read secrets file: %w", err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("stat secrets file: %w", err)
	}
	s.warnPermissions(info.Mode().Perm())

	f, err := s.decode(raw)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return f, fileStamp{modTime: info.ModTime(), size: info.Size()}, nil
}

func (s *Store) warnPermissions(mode os.FileMode) {
	// Unix permission bits are not meaningful on Windows.
	if runtime.GOOS == "windows" {
		return
	}
	if mode&0077 != 0 {
		s.logger.Warn("secrets file has too-open permissions, should be 0600",
			"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
	}
}

func (s *Store) decode(raw []byte) (*secretsFile, error) {
	encrypted := bytes.HasPrefix(raw, ageHeader)
	switch {
	case encrypted && s.passphrase == "":
		return nil, ErrPassphraseRequired
	case !encrypted && s.passphrase != "":
		return nil, ErrNotEncrypted
	case encrypted:
		identity, err := age.NewScryptIdentity(s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(raw), identity)
		if err != nil {
			return nil, fmt.Errorf("decrypt secrets file: %w", err)
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read decrypted secrets: %w", err)
		}
	}

	f := newSecretsFile()
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	if f.Secrets == nil {
		f.Secrets = make(map[string]*secretEntry)
	}
	return f, nil
}

func (s *Store) encode(f *secretsFile) ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}
	data = append(data, '\n')

	if s.passphrase == "" {
		return data, nil
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("writing secrets to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// lock opens path+".lock" and applies lockFn. The returned func unlocks and
// closes the lock file.
func (s *Store) lock(lockFn func(uintptr) error) (func(), error) {
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFn(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = unlock(lockFile.Fd())
		_ = lockFile.Close()
	}, nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *Store) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to secrets file: %w", err)
	}
	return nil
}

// Path returns the configured file path.
func (s *Store) Path() string {
	return s.path
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ outbound.SecretStore = (*Store)(nil)
