package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/imgharvest/internal/crawler"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RedisLock holds a category across hosts with SET NX PX. Redis expiry plays
// the role of the sentinel age check.
type RedisLock struct {
	client redis.Cmdable
	key    string

	mu    sync.Mutex
	token string
	ttl   time.Duration
}

// NewRedisLock returns a lock stored under key.
func NewRedisLock(client redis.Cmdable, key string) *RedisLock {
	return &RedisLock{client: client, key: key}
}

// TryAcquire implements crawler.Lock.
func (l *RedisLock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return true, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.token = token
		l.ttl = ttl
	}
	return ok, nil
}

// Refresh extends the expiry when the key still carries our token.
func (l *RedisLock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return crawler.ErrLockHeld
	}
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		l.token = ""
		return fmt.Errorf("refresh %s: %w", l.key, crawler.ErrLockHeld)
	}
	return nil
}

// Release deletes the key when it still carries our token.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// RedisFactory builds category locks that share one client.
type RedisFactory struct {
	client *redis.Client
	prefix string
}

// NewRedisFactory connects to Redis and verifies the connection.
func NewRedisFactory(ctx context.Context, cfg RedisConfig) (*RedisFactory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "imgharvest:lock:"
	}
	return &RedisFactory{client: client, prefix: prefix}, nil
}

// ForCategory implements crawler.LockFactory.
func (f *RedisFactory) ForCategory(category string) (crawler.Lock, error) {
	return NewRedisLock(f.client, f.prefix+category), nil
}

// Close closes the shared client.
func (f *RedisFactory) Close() error {
	return f.client.Close()
}
