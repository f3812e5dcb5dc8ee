package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marzgate-bot/internal/provision"
	"marzgate-bot/internal/store"
)

// Checker is the hourly background sweep: it warns subscribers a day before
// expiry and retries invoices whose money was captured but whose grant
// failed.
type Checker struct {
	Entitlements *store.EntitlementStore
	Engine       *provision.Engine
	Redis        *redis.Client
	Bot          *telego.Bot
	Log          *zap.Logger
}

func NewChecker(ents *store.EntitlementStore, engine *provision.Engine, rdb *redis.Client, bot *telego.Bot, log *zap.Logger) *Checker {
	return &Checker{
		Entitlements: ents,
		Engine:       engine,
		Redis:        rdb,
		Bot:          bot,
		Log:          log.Named("worker"),
	}
}

func (c *Checker) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	c.Log.Info("background worker started")

	c.runCycle()

	for range ticker.C {
		c.runCycle()
	}
}

func (c *Checker) runCycle() {
	ctx := context.Background()
	c.notifyExpiring(ctx)
	c.retryPendingAccess(ctx)
}

// notifyExpiring warns subscribers whose grant expires in roughly a day.
// The redis key keeps the warning to one message per expiry window.
func (c *Checker) notifyExpiring(ctx context.Context) {
	now := time.Now().UTC()
	start := now.Add(23 * time.Hour)
	end := now.Add(25 * time.Hour)

	expiring, err := c.Entitlements.ExpiringBetween(ctx, start, end)
	if err != nil {
		c.Log.Error("failed to query expiring entitlements", zap.Error(err))
		return
	}

	for _, ent := range expiring {
		key := fmt.Sprintf("notified_24h_%d", ent.TelegramID)
		exists, err := c.Redis.Exists(ctx, key).Result()
		if err != nil {
			c.Log.Error("redis lookup failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if exists != 0 {
			continue
		}

		_, err = c.Bot.SendMessage(ctx, tu.Message(
			tu.ID(ent.TelegramID),
			"⚠️ Ваша подписка истекает через сутки! Продлите её, чтобы не потерять доступ.",
		))
		if err != nil {
			c.Log.Warn("failed to send expiry warning",
				zap.Int64("telegram_id", ent.TelegramID), zap.Error(err))
			continue
		}
		c.Redis.Set(ctx, key, "true", 48*time.Hour)
		c.Log.Info("expiry warning sent", zap.Int64("telegram_id", ent.TelegramID))
	}
}

func (c *Checker) retryPendingAccess(ctx context.Context) {
	recovered, err := c.Engine.RetryPendingAccess(ctx)
	if err != nil {
		c.Log.Error("pending access sweep failed", zap.Error(err))
		return
	}
	if recovered > 0 {
		c.Log.Info("pending access sweep recovered invoices", zap.Int("count", recovered))
	}
}
