// Package secret provides the keyed secret store used for accounts and the
// device identifier.
package secret

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/and161185/ipakeeper/internal/crypto"
	"github.com/and161185/ipakeeper/internal/errs"
)

// Well-known keys.
const (
	KeyAccounts         = "Accounts"
	KeyDeviceIdentifier = "DeviceIdentifier"
)

// Store is a get/set/delete keyed secret store. Get returns errs.ErrNotFound
// for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{data: map[string][]byte{}} }

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// fileFormat is the on-disk layout of a File store.
type fileFormat struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Entries map[string]string `json:"entries"`
}

// File is a Store persisted as one JSON file. Each entry is sealed with a
// key derived from the passphrase and the entry name.
type File struct {
	path   string
	master []byte

	mu      sync.Mutex
	salt    []byte
	entries map[string][]byte // sealed
}

// OpenFile opens or creates the encrypted store at path.
func OpenFile(path string, passphrase []byte) (*File, error) {
	f := &File{path: path, entries: map[string][]byte{}}
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		salt, err := crypto.RandBytes(crypto.SaltLen)
		if err != nil {
			return nil, err
		}
		f.salt = salt
	case err != nil:
		return nil, fmt.Errorf("read secret store: %w", err)
	default:
		var ff fileFormat
		if err := json.Unmarshal(b, &ff); err != nil {
			return nil, fmt.Errorf("decode secret store: %w", err)
		}
		if f.salt, err = base64.StdEncoding.DecodeString(ff.Salt); err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		for k, v := range ff.Entries {
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("decode entry %q: %w", k, err)
			}
			f.entries[k] = raw
		}
	}
	f.master = crypto.DeriveKey(passphrase, f.salt)
	return f, nil
}

func (f *File) entryKey(name string) ([]byte, error) {
	return crypto.DeriveSubKey(f.master, []byte(name))
}

// Get decrypts the entry for key.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	sealed, ok := f.entries[key]
	f.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	k, err := f.entryKey(key)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.Open(k, []byte(key), sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret %q: %w", key, err)
	}
	return pt, nil
}

// Set seals value and rewrites the store file.
func (f *File) Set(_ context.Context, key string, value []byte) error {
	k, err := f.entryKey(key)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(k, []byte(key), value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.entries[key]
	f.entries[key] = sealed
	if err := f.saveLocked(); err != nil {
		if had {
			f.entries[key] = prev
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.saveLocked()
}

// saveLocked writes the store atomically (write-then-rename).
func (f *File) saveLocked() error {
	ff := fileFormat{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(f.salt),
		Entries: make(map[string]string, len(f.entries)),
	}
	for k, v := range f.entries {
		ff.Entries[k] = base64.StdEncoding.EncodeToString(v)
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write secret store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace secret store: %w", err)
	}
	return nil
}
