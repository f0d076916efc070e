package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
	"github.com/memtensor/dynabot/pkg/logger"
)

// DefaultKeyPrefix namespaces session keys in Redis
const DefaultKeyPrefix = "dynabot:session:"

// RedisStore mirrors contexts into Redis with the session timeout as TTL.
// The local store stays authoritative for live contexts; Redis lets another
// process pick up a session it has not seen yet.
type RedisStore struct {
	local  *MemoryStore
	client redis.UniversalClient
	prefix string
	logger interfaces.Logger
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(l interfaces.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// NewRedisStore wraps local with a Redis mirror
func NewRedisStore(client redis.UniversalClient, local *MemoryStore, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		local:  local,
		client: client,
		prefix: DefaultKeyPrefix,
		logger: logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Get implements Store, falling back to Redis when the session is not live locally
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Context, error) {
	c, err := s.local.Get(ctx, sessionID)
	if err == nil {
		return c, nil
	}

	data, rerr := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if rerr != nil {
		if !errors.Is(rerr, redis.Nil) {
			s.logger.Warn("redis session lookup failed", map[string]interface{}{"session_id": sessionID, "error": rerr.Error()})
		}
		return nil, err
	}

	var snap Snapshot
	if uerr := json.Unmarshal(data, &snap); uerr != nil {
		s.logger.Warn("discarding unreadable redis session", map[string]interface{}{"session_id": sessionID, "error": uerr.Error()})
		return nil, err
	}
	restored := Restore(snap)
	if restored.expired(s.local.now(), s.local.timeout) {
		return nil, chatErrors.NewSessionExpiredError(sessionID)
	}
	return s.local.Add(ctx, restored)
}

// Add implements Store
func (s *RedisStore) Add(ctx context.Context, c *Context) (*Context, error) {
	registered, err := s.local.Add(ctx, c)
	if err != nil || registered != c {
		return registered, err
	}
	c.Lock()
	defer c.Unlock()
	return c, s.Save(ctx, c)
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, c *Context) error {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return chatErrors.NewInternalErrorWithCause("encode session", err)
	}
	if err := s.client.Set(ctx, s.key(c.SessionID), data, s.local.timeout).Err(); err != nil {
		return chatErrors.NewConnectionFailedError("redis", err)
	}
	return nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	_ = s.local.Delete(ctx, sessionID)
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return chatErrors.NewConnectionFailedError("redis", err)
	}
	return nil
}

// IDs implements Store; only sessions live in this process are listed
func (s *RedisStore) IDs(ctx context.Context) ([]string, error) {
	return s.local.IDs(ctx)
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewStore builds the store selected by cfg. When Redis is selected but unreachable
// the in-memory store is used and the failure is logged.
func NewStore(cfg config.SessionConfig, now func() time.Time, log interfaces.Logger) Store {
	local := NewMemoryStore(cfg.Timeout, now)
	if cfg.Store != "redis" {
		return local
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, keeping sessions in memory", map[string]interface{}{"addr": cfg.RedisAddr, "error": err.Error()})
		_ = client.Close()
		return local
	}
	log.Info("redis session mirror enabled", map[string]interface{}{"addr": cfg.RedisAddr, "db": cfg.RedisDB})
	return NewRedisStore(client, local, WithKeyPrefix(cfg.KeyPrefix), WithLogger(log))
}

// Sweep drops expired sessions from the local store; Redis expires its copies by TTL
func (s *RedisStore) Sweep() int {
	return s.local.Sweep()
}
