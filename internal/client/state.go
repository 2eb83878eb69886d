package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	keyLastNotifiedAt  = "last_notified_at"
	keyLastFingerprint = "last_fingerprint"

	defaultStateKey = "envalert:client"
)

// State is the durable cooldown record.
type State struct {
	LastNotifiedAt  time.Time `yaml:"last_notified_at"`
	LastFingerprint string    `yaml:"last_fingerprint"`
}

// StateStore persists State across restarts.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
	Close() error
}

// OpenStateStore returns a redis-backed store when client.redis.addr is set
// and a yaml file store otherwise.
func OpenStateStore(s conf.ClientSettings) (StateStore, error) {
	if s.Redis.Addr != "" {
		key := s.StateKey
		if key == "" {
			key = defaultStateKey
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		return NewRedisStore(rdb, key), nil
	}
	if s.StateFile == "" {
		return nil, errors.Newf("client state needs a state_file or a redis address").
			Component("client.state").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return NewFileStore(s.StateFile), nil
}

// FileStore keeps State in a yaml file.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the file. A missing file is an empty State.
func (f *FileStore) Load(_ context.Context) (State, error) {
	var s State
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, stateError(err, "read")
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return State{}, stateError(fmt.Errorf("corrupt state file %s: %w", f.path, err), "decode")
	}
	return s, nil
}

// Save replaces the file atomically.
func (f *FileStore) Save(_ context.Context, s State) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return stateError(err, "encode")
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stateError(err, "mkdir")
	}
	tmp, err := os.CreateTemp(dir, ".envalert-state-*")
	if err != nil {
		return stateError(err, "write")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return stateError(err, "write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return stateError(err, "write")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return stateError(err, "rename")
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }

// RedisStore keeps State in a redis hash.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore returns a store using the hash at key. The store owns rdb.
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key}
}

// Load reads the hash. A missing key is an empty State.
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	var s State
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return s, stateError(err, "hgetall")
	}
	s.LastFingerprint = fields[keyLastFingerprint]
	if at := fields[keyLastNotifiedAt]; at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return State{}, stateError(fmt.Errorf("corrupt %s: %w", keyLastNotifiedAt, err), "decode")
		}
		s.LastNotifiedAt = t
	}
	return s, nil
}

// Save writes both fields in one command.
func (r *RedisStore) Save(ctx context.Context, s State) error {
	err := r.rdb.HSet(ctx, r.key,
		keyLastNotifiedAt, s.LastNotifiedAt.UTC().Format(time.RFC3339Nano),
		keyLastFingerprint, s.LastFingerprint,
	).Err()
	if err != nil {
		return stateError(err, "hset")
	}
	return nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func stateError(err error, op string) error {
	return errors.New(err).
		Component("client.state").
		Category(errors.CategorySystem).
		Context("operation", op).
		Build()
}
