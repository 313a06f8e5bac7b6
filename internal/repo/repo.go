package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPledgeNotFound is returned when a referenced pledge does not exist.
var ErrPledgeNotFound = errors.New("pledge not found")

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreatePledge(ctx context.Context, tx *gorm.DB, p *model.Pledge) error
	GetPledgeForUpdate(ctx context.Context, tx *gorm.DB, pledgeID uint64) (*model.Pledge, error)
	UpdatePledgeStatus(ctx context.Context, tx *gorm.DB, pledgeID uint64, status model.Status) error
	CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error

	EnqueueOutbox(ctx context.Context, tx *gorm.DB, eventType, eventKey string, payload map[string]any) (string, error)
	PollOutbox(ctx context.Context, limit, maxRetries int, now time.Time) ([]model.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id uint64, now time.Time) error
	MarkAttemptFailed(ctx context.Context, evt *model.OutboxEvent, maxRetries int, backoffCap time.Duration, now time.Time, cause string) error

	EventSeen(ctx context.Context, tx *gorm.DB, eventID string) (bool, error)
	RecordIngestedEvent(ctx context.Context, tx *gorm.DB, evt *model.IngestedEvent) error

	EnsureRollup(ctx context.Context, tx *gorm.DB, campaignID uint64) error
	ApplyRollupDelta(ctx context.Context, tx *gorm.DB, campaignID uint64, delta RollupDelta) error
	MoveAcrossBuckets(ctx context.Context, tx *gorm.DB, campaignID uint64, from, to model.Status, amount decimal.Decimal) error
	SyncCapturedTotal(ctx context.Context, tx *gorm.DB, campaignID uint64) error
	GetRollup(ctx context.Context, campaignID uint64) (*model.CampaignRollup, error)
	RecordHistory(ctx context.Context, tx *gorm.DB, entry *model.DonationHistory) error
	ListHistory(ctx context.Context, campaignID uint64, limit int) ([]model.DonationHistory, error)

	GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, rec *model.IdempotencyRecord) error

	CacheRollup(ctx context.Context, r *model.CampaignRollup) error
	GetCachedRollup(ctx context.Context, campaignID uint64) (*model.CampaignRollup, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreatePledge inserts a pledge row.
func (r *Repository) CreatePledge(ctx context.Context, tx *gorm.DB, p *model.Pledge) error {
	return tx.WithContext(ctx).Create(p).Error
}

// GetPledgeForUpdate locks the pledge row for the surrounding transaction.
func (r *Repository) GetPledgeForUpdate(ctx context.Context, tx *gorm.DB, pledgeID uint64) (*model.Pledge, error) {
	var p model.Pledge
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", pledgeID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPledgeNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdatePledgeStatus sets a pledge's lifecycle status.
func (r *Repository) UpdatePledgeStatus(ctx context.Context, tx *gorm.DB, pledgeID uint64, status model.Status) error {
	return tx.WithContext(ctx).Model(&model.Pledge{}).Where("id = ?", pledgeID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

// CreatePayment inserts a payment row.
func (r *Repository) CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error {
	return tx.WithContext(ctx).Create(p).Error
}

// GetIdempotencyRecord loads a cached response by client key.
func (r *Repository) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := r.db.WithContext(ctx).Where("api_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotencyRecord stores the first response for a key; a concurrent
// duplicate insert is ignored since both writers hold the same response.
func (r *Repository) SaveIdempotencyRecord(ctx context.Context, rec *model.IdempotencyRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "api_key"}}, DoNothing: true}).
		Create(rec).Error
}

// CacheRollup writes the rollup read model to Redis (best effort).
func (r *Repository) CacheRollup(ctx context.Context, roll *model.CampaignRollup) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(roll)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, rollupCacheKey(roll.CampaignID), data, 5*time.Minute).Err()
}

// GetCachedRollup reads the rollup read model from Redis.
func (r *Repository) GetCachedRollup(ctx context.Context, campaignID uint64) (*model.CampaignRollup, error) {
	if r.rdb == nil {
		return nil, redis.Nil
	}
	str, err := r.rdb.Get(ctx, rollupCacheKey(campaignID)).Result()
	if err != nil {
		return nil, err
	}
	var roll model.CampaignRollup
	if err := json.Unmarshal([]byte(str), &roll); err != nil {
		return nil, err
	}
	return &roll, nil
}

func rollupCacheKey(campaignID uint64) string {
	return fmt.Sprintf("rollup:%d", campaignID)
}
