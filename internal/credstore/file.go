package credstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

const (
	defaultWorkFactor = 18
	fileSuffix        = ".age"
)

// FileStore keeps one age-encrypted file per key in a private directory. Secrets are sealed
// with a scrypt passphrase recipient, so the files are useless without the passphrase.
type FileStore struct {
	dir        string
	passphrase string
	workFactor int

	mu sync.Mutex
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithWorkFactor sets the scrypt work factor (log2 N) used when sealing.
func WithWorkFactor(logN int) FileOption {
	return func(s *FileStore) {
		if logN > 0 {
			s.workFactor = logN
		}
	}
}

// NewFileStore creates dir (0700) if needed and returns a store sealing with passphrase.
func NewFileStore(dir, passphrase string, opts ...FileOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("credstore: directory is required")
	}
	if passphrase == "" {
		return nil, errors.New("credstore: passphrase is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create directory: %w", err)
	}
	s := &FileStore{dir: dir, passphrase: passphrase, workFactor: defaultWorkFactor}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileSuffix)
}

func (s *FileStore) Save(_ context.Context, key, secret string) bool {
	if !validKey(key) {
		logFailure("save", key, ErrInvalidKey)
		return false
	}
	sealed, err := s.seal([]byte(secret))
	if err != nil {
		logFailure("save", key, err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.dir, s.path(key), sealed); err != nil {
		logFailure("save", key, err)
		return false
	}
	return true
}

func (s *FileStore) Load(_ context.Context, key string) (string, bool) {
	if !validKey(key) {
		return "", false
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path(key))
	s.mu.Unlock()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logFailure("load", key, err)
		}
		return "", false
	}
	plain, err := s.open(data)
	if err != nil {
		logFailure("load", key, err)
		return "", false
	}
	return string(plain), true
}

func (s *FileStore) Delete(_ context.Context, key string) bool {
	if !validKey(key) {
		logFailure("delete", key, ErrInvalidKey)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logFailure("delete", key, err)
		return false
	}
	return true
}

func (s *FileStore) seal(plain []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(s.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *FileStore) open(sealed []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return io.ReadAll(r)
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, target)
}
