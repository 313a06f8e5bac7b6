package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/pledgeworks/donation-service/internal/logger"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Campaign{}, &model.CampaignRollup{}, &model.DonationHistory{},
		&model.Pledge{}, &model.Payment{},
		&model.OutboxEvent{}, &model.IngestedEvent{}, &model.IdempotencyRecord{},
	))
	return NewRepository(db, nil, must(logger.NewLogger())), context.Background()
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func TestApplyRollupDelta_RelativeUpdates(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := r.DB(ctx)
	assert.NoError(t, r.EnsureRollup(ctx, tx, 1))
	// second ensure is a no-op, not a reset
	assert.NoError(t, r.EnsureRollup(ctx, tx, 1))

	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Pending: decimal.NewFromFloat(50), Pledges: 1}))
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Pending: decimal.NewFromFloat(25.5), Pledges: 1}))
	// all-zero delta is a no-op
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{}))

	roll, err := r.GetRollup(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "75.50", roll.PendingAmount.StringFixed(2))
	assert.Equal(t, int64(2), roll.TotalPledges)
}

func TestMoveAcrossBuckets_ClampsAtZero(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := r.DB(ctx)
	assert.NoError(t, r.EnsureRollup(ctx, tx, 1))
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Pending: decimal.NewFromInt(30)}))

	// moving more than the bucket holds clamps the source at zero
	assert.NoError(t, r.MoveAcrossBuckets(ctx, tx, 1, model.StatusPending, model.StatusAuthorized, decimal.NewFromInt(100)))

	roll, err := r.GetRollup(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "0.00", roll.PendingAmount.StringFixed(2))
	assert.Equal(t, "100.00", roll.AuthorizedAmount.StringFixed(2))
}

func TestNegativeAmountsNeverDrainBuckets(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := r.DB(ctx)
	assert.NoError(t, r.EnsureRollup(ctx, tx, 1))
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Pending: decimal.NewFromInt(20)}))

	// a negative delta must not subtract from any bucket
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Pending: decimal.NewFromInt(-50), Failed: decimal.NewFromInt(-5)}))
	// a negative move must not credit the source or debit the destination
	assert.NoError(t, r.MoveAcrossBuckets(ctx, tx, 1, model.StatusPending, model.StatusAuthorized, decimal.NewFromInt(-50)))

	roll, err := r.GetRollup(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "20.00", roll.PendingAmount.StringFixed(2))
	assert.Equal(t, "0.00", roll.AuthorizedAmount.StringFixed(2))
	assert.Equal(t, "0.00", roll.FailedAmount.StringFixed(2))
}

func TestMoveAcrossBuckets_SyncsCapturedTotal(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := r.DB(ctx)
	assert.NoError(t, tx.Create(&model.Campaign{ID: 1, Title: "well"}).Error)
	assert.NoError(t, r.EnsureRollup(ctx, tx, 1))
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Authorized: decimal.NewFromInt(40)}))

	assert.NoError(t, r.MoveAcrossBuckets(ctx, tx, 1, model.StatusAuthorized, model.StatusCaptured, decimal.NewFromInt(40)))

	roll, err := r.GetRollup(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "40.00", roll.CapturedAmount.StringFixed(2))

	var camp model.Campaign
	assert.NoError(t, tx.First(&camp, 1).Error)
	assert.Equal(t, "40.00", camp.CurrentAmount.StringFixed(2))
}

func TestMoveAcrossBuckets_UnmappedStatusMovesNothing(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := r.DB(ctx)
	assert.NoError(t, r.EnsureRollup(ctx, tx, 1))
	assert.NoError(t, r.ApplyRollupDelta(ctx, tx, 1, RollupDelta{Pending: decimal.NewFromInt(10)}))

	assert.NoError(t, r.MoveAcrossBuckets(ctx, tx, 1, model.Status("REFUNDED"), model.Status("CHARGEBACK"), decimal.NewFromInt(10)))
	assert.NoError(t, r.MoveAcrossBuckets(ctx, tx, 1, model.StatusPending, model.StatusAuthorized, decimal.Zero))

	roll, err := r.GetRollup(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "10.00", roll.PendingAmount.StringFixed(2))
	assert.Equal(t, "0.00", roll.AuthorizedAmount.StringFixed(2))
}

func TestEnqueueOutbox_UpsertOnDuplicateKey(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx := r.DB(ctx)

	key, err := r.EnqueueOutbox(ctx, tx, model.EventPledgeCreated, "evt-1", map[string]any{"amount": 10})
	assert.NoError(t, err)
	assert.Equal(t, "evt-1", key)

	_, err = r.EnqueueOutbox(ctx, tx, model.EventPledgeCreated, "evt-1", map[string]any{"amount": 20})
	assert.NoError(t, err)

	var evts []model.OutboxEvent
	assert.NoError(t, tx.Find(&evts).Error)
	assert.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, "20")
	assert.Equal(t, model.OutboxPending, evts[0].Status)

	// empty key gets generated
	generated, err := r.EnqueueOutbox(ctx, tx, model.EventPledgeCreated, "", map[string]any{})
	assert.NoError(t, err)
	assert.NotEmpty(t, generated)
}

func TestBackoffDelay(t *testing.T) {
	ceiling := 30 * time.Minute
	assert.Equal(t, 2*time.Minute, backoffDelay(1, ceiling))
	assert.Equal(t, 4*time.Minute, backoffDelay(2, ceiling))
	assert.Equal(t, 16*time.Minute, backoffDelay(4, ceiling))
	assert.Equal(t, ceiling, backoffDelay(5, ceiling))
	assert.Equal(t, ceiling, backoffDelay(40, ceiling))
}

func TestRollupCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := &Repository{rdb: rdb, log: must(logger.NewLogger())}
	ctx := context.Background()

	roll := &model.CampaignRollup{
		CampaignID:     7,
		CapturedAmount: decimal.NewFromInt(12),
		UpdatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(roll)
	assert.NoError(t, err)

	mock.ExpectSet("rollup:7", data, 5*time.Minute).SetVal("OK")
	assert.NoError(t, r.CacheRollup(ctx, roll))

	mock.ExpectGet("rollup:7").SetVal(string(data))
	got, err := r.GetCachedRollup(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, roll.CampaignID, got.CampaignID)
	assert.True(t, roll.CapturedAmount.Equal(got.CapturedAmount))
}
