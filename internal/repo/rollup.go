package repo

import (
	"context"
	"errors"
	"time"

	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RollupDelta names the bucket and counter increments applied by one event.
// Zero fields are skipped.
type RollupDelta struct {
	Pending    decimal.Decimal
	Authorized decimal.Decimal
	Captured   decimal.Decimal
	Failed     decimal.Decimal
	Pledges    int64
	Payments   int64
}

// EventSeen reports whether an event id is already in the dedup log.
func (r *Repository) EventSeen(ctx context.Context, tx *gorm.DB, eventID string) (bool, error) {
	var evt model.IngestedEvent
	err := tx.WithContext(ctx).Where("event_id = ?", eventID).First(&evt).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// RecordIngestedEvent inserts the dedup log row; it must commit together
// with the handler's side effects.
func (r *Repository) RecordIngestedEvent(ctx context.Context, tx *gorm.DB, evt *model.IngestedEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// EnsureRollup creates the rollup row on first reference.
func (r *Repository) EnsureRollup(ctx context.Context, tx *gorm.DB, campaignID uint64) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "campaign_id"}}, DoNothing: true}).
		Create(&model.CampaignRollup{CampaignID: campaignID}).Error
}

// ApplyRollupDelta adds each positive increment in place. The store
// evaluates "column = column + x", so concurrent appliers from different
// events never lose an update and order does not matter. Negative bucket
// increments are dropped: buckets only ever decrease through a clamped
// move, never through a delta.
func (r *Repository) ApplyRollupDelta(ctx context.Context, tx *gorm.DB, campaignID uint64, delta RollupDelta) error {
	sets := map[string]interface{}{}
	addAmount := func(col string, amt decimal.Decimal) {
		if amt.Sign() <= 0 {
			return
		}
		sets[col] = gorm.Expr(col+" + ?", amt.Round(2))
	}
	addAmount("pending_amount", delta.Pending)
	addAmount("authorized_amount", delta.Authorized)
	addAmount("captured_amount", delta.Captured)
	addAmount("failed_amount", delta.Failed)
	if delta.Pledges != 0 {
		sets["total_pledges"] = gorm.Expr("total_pledges + ?", delta.Pledges)
	}
	if delta.Payments != 0 {
		sets["total_payments"] = gorm.Expr("total_payments + ?", delta.Payments)
	}
	if len(sets) == 0 {
		return nil
	}
	sets["updated_at"] = time.Now()
	return tx.WithContext(ctx).Model(&model.CampaignRollup{}).
		Where("campaign_id = ?", campaignID).Updates(sets).Error
}

// MoveAcrossBuckets shifts an amount between the buckets mapped to two
// statuses. The source bucket clamps at zero; an unmapped status moves
// nothing on its side; a non-positive amount is a no-op, so no bucket can
// be pushed below zero through the destination side. Touching the captured
// bucket re-syncs the campaign's denormalized current amount.
func (r *Repository) MoveAcrossBuckets(ctx context.Context, tx *gorm.DB, campaignID uint64, from, to model.Status, amount decimal.Decimal) error {
	amount = amount.Round(2)
	if amount.Sign() <= 0 {
		return nil
	}
	fromCol := model.BucketColumn(from)
	toCol := model.BucketColumn(to)
	sets := map[string]interface{}{}
	if fromCol != "" {
		sets[fromCol] = gorm.Expr(
			"CASE WHEN "+fromCol+" >= ? THEN "+fromCol+" - ? ELSE 0 END", amount, amount)
	}
	if toCol != "" {
		sets[toCol] = gorm.Expr(toCol+" + ?", amount)
	}
	if len(sets) == 0 {
		return nil
	}
	sets["updated_at"] = time.Now()
	err := tx.WithContext(ctx).Model(&model.CampaignRollup{}).
		Where("campaign_id = ?", campaignID).Updates(sets).Error
	if err != nil {
		return err
	}
	if fromCol == "captured_amount" || toCol == "captured_amount" {
		return r.SyncCapturedTotal(ctx, tx, campaignID)
	}
	return nil
}

// SyncCapturedTotal copies the rollup's captured bucket onto the campaign
// row, the only denormalized amount outside the rollup.
func (r *Repository) SyncCapturedTotal(ctx context.Context, tx *gorm.DB, campaignID uint64) error {
	return tx.WithContext(ctx).Model(&model.Campaign{}).Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"current_amount": gorm.Expr(
				"(SELECT captured_amount FROM campaign_rollups WHERE campaign_id = ?)", campaignID),
			"updated_at": time.Now(),
		}).Error
}

// GetRollup loads the rollup row.
func (r *Repository) GetRollup(ctx context.Context, campaignID uint64) (*model.CampaignRollup, error) {
	var roll model.CampaignRollup
	if err := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&roll).Error; err != nil {
		return nil, err
	}
	return &roll, nil
}

// RecordHistory appends one audit row.
func (r *Repository) RecordHistory(ctx context.Context, tx *gorm.DB, entry *model.DonationHistory) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	entry.Amount = entry.Amount.Round(2)
	return tx.WithContext(ctx).Create(entry).Error
}

// ListHistory returns recent audit rows for a campaign.
func (r *Repository) ListHistory(ctx context.Context, campaignID uint64, limit int) ([]model.DonationHistory, error) {
	var rows []model.DonationHistory
	err := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("occurred_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}
