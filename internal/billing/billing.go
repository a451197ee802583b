package billing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/novaai/novachat/internal/models"
	"github.com/novaai/novachat/internal/store/redisstore"
)

// Service answers the one question the chat core asks of billing: does this
// account hold an active paid entitlement. Subscription state itself is
// written by the external payment process; this only reads it.
type Service struct {
	db    *gorm.DB
	cache *redisstore.Store
}

func NewService(db *gorm.DB, cache *redisstore.Store) *Service {
	return &Service{db: db, cache: cache}
}

// Status returns the user's subscription status, redis-cached. Unknown users
// report "free" rather than an error, matching the signup race where a user
// exists upstream before their first sync.
func (s *Service) Status(ctx context.Context, userID uint64) (models.SubscriptionStatus, error) {
	if s.cache != nil {
		if v, err := s.cache.GetSubscriptionStatus(ctx, userID); err == nil {
			return models.SubscriptionStatus(v), nil
		} else if !errors.Is(err, redis.Nil) {
			log.Printf("[billing] cache read failed user=%d err=%v", userID, err)
		}
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.SubFree, nil
		}
		return "", err
	}

	if s.cache != nil {
		if err := s.cache.SetSubscriptionStatus(ctx, userID, string(user.SubscriptionStatus)); err != nil {
			log.Printf("[billing] cache write failed user=%d err=%v", userID, err)
		}
	}
	return user.SubscriptionStatus, nil
}

// Privileged reports the paid-entitlement flag. Errors degrade to
// non-privileged so a billing outage can only tighten limits, not lift them.
func (s *Service) Privileged(ctx context.Context, userID uint64) bool {
	status, err := s.Status(ctx, userID)
	if err != nil {
		log.Printf("[billing] status lookup failed user=%d err=%v", userID, err)
		return false
	}
	return status == models.SubActive
}

// Invalidate drops the cached status, forcing the next read through to the
// store. Called after a known entitlement change.
func (s *Service) Invalidate(ctx context.Context, userID uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSubscriptionStatus(ctx, userID); err != nil {
		log.Printf("[billing] cache invalidate failed user=%d err=%v", userID, err)
	}
}

const maxActivationAttempts = 5

// AwaitActivation polls the store for the subscription to flip to active,
// e.g. right after a checkout redirect while the payment webhook is still in
// flight. Bounded: at most maxActivationAttempts reads with growing delay,
// returning the last status seen.
func (s *Service) AwaitActivation(ctx context.Context, userID uint64) models.SubscriptionStatus {
	last := models.SubFree
	for attempt := 1; attempt <= maxActivationAttempts; attempt++ {
		s.Invalidate(ctx, userID)
		status, err := s.Status(ctx, userID)
		if err == nil {
			last = status
			if status == models.SubActive {
				return status
			}
		} else {
			log.Printf("[billing] activation poll failed user=%d attempt=%d err=%v", userID, attempt, err)
		}

		if attempt == maxActivationAttempts {
			break
		}
		delay := time.Duration(attempt)*time.Second + 2*time.Second
		select {
		case <-ctx.Done():
			return last
		case <-time.After(delay):
		}
	}
	return last
}
