// Package quota owns consumer balances and the usage audit log. The
// billing invariant lives here: a call's cost is debited and its audit
// record inserted inside one database transaction, so the books and the
// log can never disagree.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anchorgate/anchorgate/internal/models"
)

// ErrQuotaExceeded rejects admission when a consumer's spend has reached
// its quota. In-flight calls admitted before exhaustion still settle, so
// the final balance may overshoot by at most one call per concurrent
// request.
var ErrQuotaExceeded = errors.New("quota exceeded")

type Store struct {
	db           *gorm.DB
	logger       *zap.Logger
	defaultQuota decimal.Decimal
}

func NewStore(db *gorm.DB, logger *zap.Logger, defaultQuota decimal.Decimal) *Store {
	return &Store{db: db, logger: logger, defaultQuota: defaultQuota}
}

// GetOrCreate returns the consumer row, creating it with the default
// quota on first sight.
func (s *Store) GetOrCreate(ctx context.Context, consumerID, name, externalID string) (*models.Consumer, error) {
	var consumer models.Consumer
	err := s.db.WithContext(ctx).
		Where(models.Consumer{ConsumerID: consumerID}).
		Attrs(models.Consumer{
			Name:       name,
			ExternalID: externalID,
			Quota:      s.defaultQuota,
			Used:       decimal.Zero,
		}).
		FirstOrCreate(&consumer).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load consumer %s: %w", consumerID, err)
	}
	return &consumer, nil
}

// CheckAdmission admits the call while used remains strictly below quota.
func (s *Store) CheckAdmission(ctx context.Context, consumerID, name, externalID string) error {
	consumer, err := s.GetOrCreate(ctx, consumerID, name, externalID)
	if err != nil {
		return err
	}
	if consumer.Used.GreaterThanOrEqual(consumer.Quota) {
		return fmt.Errorf("%w: consumer %s used %s of %s",
			ErrQuotaExceeded, consumerID, consumer.Used, consumer.Quota)
	}
	return nil
}

// RecordUsage settles one call: the audit record insert and the quota
// debit commit together or not at all.
func (s *Store) RecordUsage(ctx context.Context, log *models.UsageLog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(log).Error; err != nil {
			return fmt.Errorf("failed to insert usage log: %w", err)
		}

		result := tx.Model(&models.Consumer{}).
			Where("consumer_id = ?", log.ConsumerID).
			Update("used", gorm.Expr("used + ?", log.Cost))
		if result.Error != nil {
			return fmt.Errorf("failed to debit consumer %s: %w", log.ConsumerID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("consumer %s missing at settlement", log.ConsumerID)
		}
		return nil
	})
}

// GetLog loads one audit record by id.
func (s *Store) GetLog(ctx context.Context, id uuid.UUID) (*models.UsageLog, error) {
	var log models.UsageLog
	if err := s.db.WithContext(ctx).First(&log, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

// ListLogs returns audit records newest first.
func (s *Store) ListLogs(ctx context.Context, filter models.UsageFilter) ([]models.UsageLog, error) {
	query := s.db.WithContext(ctx).Model(&models.UsageLog{}).Order("created_at DESC")
	if filter.ConsumerID != "" {
		query = query.Where("consumer_id = ?", filter.ConsumerID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query = query.Limit(limit).Offset(filter.Offset)

	var logs []models.UsageLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ListUnanchored returns pending records oldest first, for the sweep.
func (s *Store) ListUnanchored(ctx context.Context, limit int) ([]models.UsageLog, error) {
	var logs []models.UsageLog
	err := s.db.WithContext(ctx).
		Where("batch_id IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// MarkAnchored fills the anchoring columns of one record. Guarded so an
// already anchored record is never rewritten.
func (s *Store) MarkAnchored(ctx context.Context, logID uuid.UUID, batchID uint64, leafHash string, proof datatypes.JSON, anchorTx string) error {
	result := s.db.WithContext(ctx).Model(&models.UsageLog{}).
		Where("id = ? AND batch_id IS NULL", logID).
		Updates(map[string]interface{}{
			"batch_id":     batchID,
			"leaf_hash":    leafHash,
			"merkle_proof": proof,
			"anchor_tx":    anchorTx,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark log %s anchored: %w", logID, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Warn("log already anchored or missing, skipping",
			zap.String("log_id", logID.String()),
			zap.Uint64("batch_id", batchID))
	}
	return nil
}

// UpdateQuota sets a consumer's quota, creating the row if needed.
func (s *Store) UpdateQuota(ctx context.Context, consumerID string, quota decimal.Decimal) (*models.Consumer, error) {
	consumer := models.Consumer{
		ConsumerID: consumerID,
		Quota:      quota,
		Used:       decimal.Zero,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consumer_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"quota": quota}),
		}).
		Create(&consumer).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update quota for %s: %w", consumerID, err)
	}
	return s.GetOrCreate(ctx, consumerID, "", "")
}

// GetConsumer loads a consumer without creating it.
func (s *Store) GetConsumer(ctx context.Context, consumerID string) (*models.Consumer, error) {
	var consumer models.Consumer
	if err := s.db.WithContext(ctx).First(&consumer, "consumer_id = ?", consumerID).Error; err != nil {
		return nil, err
	}
	return &consumer, nil
}
