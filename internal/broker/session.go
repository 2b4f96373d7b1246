package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tradeengine/internal/cache"
	"tradeengine/internal/logger"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldFeedToken    = "feed_token"
)

func SessionKey(brokerID uint64) string {
	return fmt.Sprintf("broker:%d", brokerID)
}

type cachedSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	FeedToken    string    `json:"feed_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionStore persists broker sessions sealed, in the broker record and in redis.
type SessionStore struct {
	Repo   repository.Repository
	Redis  *redis.Client
	Sealer *Sealer
	Logger *zap.Logger
}

// Save writes the session to the broker record and the cache in one transaction; a
// cache failure rolls the record back.
func (s *SessionStore) Save(ctx context.Context, brokerID uint64, sess Session) error {
	at := sess.IssuedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	sealed := repository.BrokerSession{
		AccessToken:  s.Sealer.Seal(fieldAccessToken, sess.AccessToken),
		RefreshToken: s.Sealer.Seal(fieldRefreshToken, sess.RefreshToken),
		FeedToken:    s.Sealer.Seal(fieldFeedToken, sess.FeedToken),
		UpdatedAt:    at,
	}
	return s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := s.Repo.UpdateBrokerSessionTx(ctx, tx, brokerID, sealed); err != nil {
			return fmt.Errorf("update broker %d session: %w", brokerID, err)
		}
		if s.Redis == nil {
			return nil
		}
		return cache.SetJSON(ctx, s.Redis, SessionKey(brokerID), cachedSession{
			AccessToken:  sealed.AccessToken,
			RefreshToken: sealed.RefreshToken,
			FeedToken:    sealed.FeedToken,
			UpdatedAt:    at,
		}, 0)
	})
}

// Load returns the latest session of b, preferring the cached copy.
func (s *SessionStore) Load(ctx context.Context, b models.Broker) Session {
	sealed := cachedSession{AccessToken: b.AccessToken, RefreshToken: b.RefreshToken, FeedToken: b.FeedToken}
	if b.SessionUpdatedAt != nil {
		sealed.UpdatedAt = *b.SessionUpdatedAt
	}
	if s.Redis != nil {
		var cached cachedSession
		found, err := cache.GetJSON(ctx, s.Redis, SessionKey(b.ID), &cached)
		if err != nil {
			logger.OrNop(s.Logger).Warn("read cached broker session failed", zap.Uint64("broker_id", b.ID), zap.Error(err))
		}
		if found && !cached.UpdatedAt.Before(sealed.UpdatedAt) {
			sealed = cached
		}
	}
	return Session{
		AccessToken:  s.Sealer.Open(fieldAccessToken, sealed.AccessToken),
		RefreshToken: s.Sealer.Open(fieldRefreshToken, sealed.RefreshToken),
		FeedToken:    s.Sealer.Open(fieldFeedToken, sealed.FeedToken),
		IssuedAt:     sealed.UpdatedAt,
	}
}
