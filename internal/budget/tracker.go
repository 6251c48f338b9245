// Package budget counts client requests and anchoring transactions per
// UTC calendar day. The database row is the durable record; when Redis is
// configured the same counters are mirrored there so the hot path reads
// them without touching Postgres.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anchorgate/anchorgate/internal/models"
)

const redisKeyTTL = 48 * time.Hour

type Tracker struct {
	db     *gorm.DB
	rdb    *redis.Client // optional
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, rdb: rdb, logger: logger, now: time.Now}
}

// Period returns the current UTC day key, YYYY-MM-DD.
func (t *Tracker) Period() string {
	return t.now().UTC().Format("2006-01-02")
}

// NextRollover returns the next UTC midnight, when a fresh counting
// period begins.
func (t *Tracker) NextRollover() time.Time {
	now := t.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(24 * time.Hour)
}

// Hour returns the elapsed fraction of the current UTC day in hours.
func (t *Tracker) Hour() float64 {
	now := t.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return now.Sub(midnight).Hours()
}

// IncrRequest bumps today's request counter.
func (t *Tracker) IncrRequest(ctx context.Context) {
	if err := t.incr(ctx, "request_count", "requests"); err != nil {
		t.logger.Warn("failed to count request", zap.Error(err))
	}
}

// IncrAnchor bumps today's anchoring transaction counter.
func (t *Tracker) IncrAnchor(ctx context.Context) error {
	return t.incr(ctx, "tx_count", "anchors")
}

func (t *Tracker) incr(ctx context.Context, column, redisSuffix string) error {
	period := t.Period()

	if t.rdb != nil {
		key := fmt.Sprintf("budget:%s:%s", period, redisSuffix)
		pipe := t.rdb.Pipeline()
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, redisKeyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			t.logger.Warn("redis budget counter failed", zap.String("key", key), zap.Error(err))
		}
	}

	row := models.DailyBudget{Period: period, LastUpdated: t.now().UTC()}
	switch column {
	case "request_count":
		row.RequestCount = 1
	case "tx_count":
		row.TxCount = 1
	}
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "period"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				column:         gorm.Expr(column+" + 1"),
				"last_updated": t.now().UTC(),
			}),
		}).
		Create(&row).Error
}

// Today returns today's counters. Redis serves the read when available,
// falling back to the database row.
func (t *Tracker) Today(ctx context.Context) (txCount, requestCount int64, err error) {
	period := t.Period()

	if t.rdb != nil {
		txKey := fmt.Sprintf("budget:%s:anchors", period)
		reqKey := fmt.Sprintf("budget:%s:requests", period)
		vals, rerr := t.rdb.MGet(ctx, txKey, reqKey).Result()
		if rerr == nil {
			return asInt64(vals[0]), asInt64(vals[1]), nil
		}
		t.logger.Warn("redis budget read failed, using database", zap.Error(rerr))
	}

	var row models.DailyBudget
	err = t.db.WithContext(ctx).First(&row, "period = ?", period).Error
	if err == gorm.ErrRecordNotFound {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return row.TxCount, row.RequestCount, nil
}

// History returns recent daily rows, newest first.
func (t *Tracker) History(ctx context.Context, days int) ([]models.DailyBudget, error) {
	if days <= 0 {
		days = 7
	}
	var rows []models.DailyBudget
	err := t.db.WithContext(ctx).
		Order("period DESC").
		Limit(days).
		Find(&rows).Error
	return rows, err
}

func asInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscan(s, &n)
	return n
}
