package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// TokenKey is the well-known key the session credential is stored under.
const TokenKey = "token"

const lockRetryDelay = 25 * time.Millisecond

// Provider exposes the current session credential. A missing credential is
// reported with ok == false and a nil error.
type Provider interface {
	CurrentToken(ctx context.Context) (token string, ok bool, err error)
}

// TokenStore is a Provider that the login and logout flows can write to.
type TokenStore interface {
	Provider
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// FileStore is a small JSON key-value file shared between processes.
// Access is serialized in-process with a mutex and across processes with an
// advisory lock on a sibling ".lock" file.
type FileStore struct {
	path     string
	lockPath string
	mu       sync.RWMutex
}

func NewFileStore(path string) *FileStore {
	if strings.TrimSpace(path) == "" {
		panic("session.NewFileStore: path must not be empty")
	}
	return &FileStore{path: path, lockPath: path + ".lock"}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var values map[string]string
	err := s.withFileLock(ctx, false, func() error {
		var readErr error
		values, readErr = s.readLocked()
		return readErr
	})
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value string) error {
	return s.update(ctx, func(values map[string]string) {
		values[key] = value
	})
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.update(ctx, func(values map[string]string) {
		delete(values, key)
	})
}

func (s *FileStore) CurrentToken(ctx context.Context) (string, bool, error) {
	token, ok, err := s.Get(ctx, TokenKey)
	if err != nil {
		return "", false, err
	}
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", false, nil
	}
	return token, true, nil
}

func (s *FileStore) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("session token must not be empty")
	}
	return s.Set(ctx, TokenKey, token)
}

func (s *FileStore) ClearToken(ctx context.Context) error {
	return s.Delete(ctx, TokenKey)
}

func (s *FileStore) update(ctx context.Context, mutate func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withFileLock(ctx, true, func() error {
		values, err := s.readLocked()
		if err != nil {
			return err
		}
		mutate(values)
		return s.writeLocked(values)
	})
}

func (s *FileStore) withFileLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	lock := flock.New(s.lockPath)
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("lock credential store: %w", err)
	}
	if !locked {
		return errors.New("lock credential store: not acquired")
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return fn()
}

func (s *FileStore) readLocked() (map[string]string, error) {
	values := map[string]string{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode credential store: %w", err)
	}
	return values, nil
}

func (s *FileStore) writeLocked(values map[string]string) error {
	payload, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}

// Memory keeps the credential in process memory.
type Memory struct {
	mu    sync.RWMutex
	token string
}

func NewMemory(token string) *Memory {
	return &Memory{token: strings.TrimSpace(token)}
}

func (m *Memory) CurrentToken(context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != "", nil
}

func (m *Memory) SetToken(_ context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("session token must not be empty")
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearToken(context.Context) error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}
