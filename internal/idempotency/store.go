// Package idempotency remembers the outcome of write requests by client key
// so a retried submission replays the first response instead of signing a
// second transaction.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Record is the stored outcome of one write request. A Pending record holds
// the key while the first request is still being handled.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Pending     bool      `json:"pending"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	ActionID    string    `json:"actionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store abstracts idempotency persistence.
type Store interface {
	// Reserve claims key with rec unless a live record already holds it, in
	// which case that record is returned and claimed is false.
	Reserve(ctx context.Context, key string, rec Record) (existing *Record, claimed bool, err error)
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, rec Record) error
	// Release drops a reservation so the key can be retried.
	Release(ctx context.Context, key string) error
}

// heldBy stands in for a live reservation that vanished before it could be
// read back. It keeps the caller's fingerprint so the request is reported as
// in progress rather than as a different request.
func heldBy(rec Record) *Record {
	return &Record{
		Fingerprint: rec.Fingerprint,
		Pending:     true,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
}

// Fingerprint binds a key to the request it was first used with.
func Fingerprint(method, path string, body []byte) string {
	return crypto.Keccak256Hash([]byte(method), []byte(" "), []byte(path), []byte("\n"), body).Hex()
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Options struct {
	Backend     string
	Path        string
	PostgresDSN string
	RedisAddr   string
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	noop := func() {}
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), noop, nil
	case BackendFile, "":
		s, err := NewFileStore(opts.Path)
		return s, noop, err
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, opts.RedisAddr)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown idempotency backend %q", opts.Backend)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, rec Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok && !cur.Expired(m.now()) {
		return &cur, false, nil
	}
	m.data[key] = rec
	return nil, true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = rec
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore persists records to a JSON file. Suitable for a single local
// instance.
type FileStore struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("idempotency store path is empty")
	}
	fs := &FileStore{
		path: path,
		now:  time.Now,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	// A pending record on disk belongs to a process that is gone.
	for key, rec := range f.data {
		if rec.Pending || rec.Expired(f.now()) {
			delete(f.data, key)
		}
	}
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Reserve(_ context.Context, key string, rec Record) (*Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.data[key]
	if ok && !cur.Expired(f.now()) {
		return &cur, false, nil
	}
	f.data[key] = rec
	if err := f.persist(); err != nil {
		// The claim never reached disk; leave the key free for a retry.
		if ok {
			f.data[key] = cur
		} else {
			delete(f.data, key)
		}
		return nil, false, err
	}
	return nil, true, nil
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if rec.Expired(f.now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Save(_ context.Context, key string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = rec
	return f.persist()
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}
