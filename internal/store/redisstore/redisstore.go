package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	captchaTTL      = 10 * time.Minute
	subscriptionTTL = 60 * time.Second
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func captchaKey(email string) string { return fmt.Sprintf("captcha:%s", email) }

func (s *Store) SetCaptcha(ctx context.Context, email, code string) error {
	return s.rdb.Set(ctx, captchaKey(email), code, captchaTTL).Err()
}

// GetCaptcha returns redis.Nil when the code expired or was never sent.
func (s *Store) GetCaptcha(ctx context.Context, email string) (string, error) {
	return s.rdb.Get(ctx, captchaKey(email)).Result()
}

func (s *Store) DeleteCaptcha(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, captchaKey(email)).Err()
}

func subscriptionKey(userID uint64) string { return fmt.Sprintf("sub:%d", userID) }

func (s *Store) SetSubscriptionStatus(ctx context.Context, userID uint64, status string) error {
	return s.rdb.Set(ctx, subscriptionKey(userID), status, subscriptionTTL).Err()
}

// GetSubscriptionStatus returns redis.Nil on cache miss.
func (s *Store) GetSubscriptionStatus(ctx context.Context, userID uint64) (string, error) {
	return s.rdb.Get(ctx, subscriptionKey(userID)).Result()
}

func (s *Store) InvalidateSubscriptionStatus(ctx context.Context, userID uint64) error {
	return s.rdb.Del(ctx, subscriptionKey(userID)).Err()
}
