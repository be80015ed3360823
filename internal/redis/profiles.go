package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamestats-mongo/internal/config"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	fieldUUID     = "uuid"
	fieldUsername = "username"
)

// ProfileCache caches player profiles in Redis hashes
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewProfileCache connects to Redis and pings it
func NewProfileCache(ctx context.Context, cfg *config.RedisConfig, logger zerolog.Logger) (*ProfileCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &ProfileCache{
		client: client,
		ttl:    cfg.ProfileTTL,
		logger: logger.With().Str("component", "redis").Logger(),
	}, nil
}

// Close closes the Redis connection
func (c *ProfileCache) Close() error {
	return c.client.Close()
}

// profileKey returns the Redis key for a cached profile
func profileKey(id uuid.UUID) string {
	return fmt.Sprintf("player:%s:profile", id)
}

// GetProfile returns the cached profile, or nil on a cache miss
func (c *ProfileCache) GetProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error) {
	result, err := c.client.HGetAll(ctx, profileKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting cached profile: %w", err)
	}
	return profileFromFields(id, result)
}

// SetProfile replaces the cached copy of a profile
func (c *ProfileCache) SetProfile(ctx context.Context, profile *domain.PlayerProfile) error {
	key := profileKey(profile.UUID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, profileFields(profile))
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("caching profile: %w", err)
	}
	return nil
}

// Invalidate drops a cached profile
func (c *ProfileCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if err := c.client.Del(ctx, profileKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidating cached profile: %w", err)
	}
	return nil
}

func profileFields(p *domain.PlayerProfile) map[string]any {
	fields := map[string]any{fieldUUID: p.UUID.String()}
	if p.Username != nil {
		fields[fieldUsername] = *p.Username
	}
	return fields
}

func profileFromFields(id uuid.UUID, fields map[string]string) (*domain.PlayerProfile, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	cached, err := uuid.Parse(fields[fieldUUID])
	if err != nil {
		return nil, fmt.Errorf("cached profile %s: %w", id, err)
	}
	if cached != id {
		return nil, errors.New("cached profile does not match its key")
	}
	profile := &domain.PlayerProfile{UUID: id}
	if name, ok := fields[fieldUsername]; ok {
		profile.Username = &name
	}
	return profile, nil
}
