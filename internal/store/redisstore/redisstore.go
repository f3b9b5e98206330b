package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func oauthStateKey(state string) string {
	return "oauth:state:" + state
}

func (s *Store) SaveOAuthState(ctx context.Context, state string, ttl time.Duration) error {
	return s.rdb.Set(ctx, oauthStateKey(state), "1", ttl).Err()
}

// ConsumeOAuthState deletes the nonce and reports whether it existed.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (bool, error) {
	err := s.rdb.GetDel(ctx, oauthStateKey(state)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
