package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"

	"github.com/cutline/render/internal/model"
)

// Store persists the client's job records
type Store interface {
	Load(ctx context.Context) ([]model.StoredJobRecord, error)
	Save(ctx context.Context, records []model.StoredJobRecord) error
}

// StorageKey is the namespaced key the job list lives under
func StorageKey(namespace string) string {
	if namespace == "" {
		namespace = "cutline"
	}
	return namespace + ":render-jobs"
}

// FileStore keeps records in a JSON file shared by every namespace.
// mu serializes goroutines of this process; lock excludes other processes.
type FileStore struct {
	path string
	key  string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStore creates a store backed by path
func NewFileStore(path, namespace string) *FileStore {
	return &FileStore{
		path: path,
		key:  StorageKey(namespace),
		lock: flock.New(path + ".lock"),
	}
}

func (s *FileStore) Load(ctx context.Context) ([]model.StoredJobRecord, error) {
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire read lock: %w", err)
	}
	defer s.lock.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return all[s.key], nil
}

func (s *FileStore) Save(ctx context.Context, records []model.StoredJobRecord) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("store is locked by another process")
	}
	defer s.lock.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		delete(all, s.key)
	} else {
		all[s.key] = records
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".jobs-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func (s *FileStore) readAll() (map[string][]model.StoredJobRecord, error) {
	all := make(map[string][]model.StoredJobRecord)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}
	return all, nil
}

func (s *FileStore) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return nil
}

// RedisStore keeps records as one JSON value per namespace
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore creates a redis-backed store
func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	return &RedisStore{rdb: rdb, key: StorageKey(namespace)}
}

func (s *RedisStore) Load(ctx context.Context) ([]model.StoredJobRecord, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	var records []model.StoredJobRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

func (s *RedisStore) Save(ctx context.Context, records []model.StoredJobRecord) error {
	if len(records) == 0 {
		return s.rdb.Del(ctx, s.key).Err()
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	return s.rdb.Set(ctx, s.key, data, 0).Err()
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.Mutex
	records []model.StoredJobRecord
	// Err, when set, is returned by every call
	Err error
}

func NewMemoryStore(records ...model.StoredJobRecord) *MemoryStore {
	return &MemoryStore{records: records}
}

func (s *MemoryStore) Load(ctx context.Context) ([]model.StoredJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]model.StoredJobRecord(nil), s.records...), nil
}

func (s *MemoryStore) Save(ctx context.Context, records []model.StoredJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.records = append([]model.StoredJobRecord(nil), records...)
	return nil
}
