package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Campaign struct {
	ID            uint64          `gorm:"primaryKey"`
	Title         string          `gorm:"size:255;not null"`
	GoalAmount    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'"`
	CurrentAmount decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime"`
}

func (Campaign) TableName() string { return "campaigns" }

// CampaignRollup is the materialized per-campaign read model. Buckets are
// mutated only through relative deltas evaluated by the store so that
// concurrent appliers never lose an update.
type CampaignRollup struct {
	CampaignID       uint64          `gorm:"primaryKey;column:campaign_id"`
	PendingAmount    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'"`
	AuthorizedAmount decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'"`
	CapturedAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'"`
	FailedAmount     decimal.Decimal `gorm:"type:numeric(14,2);not null;default:'0'"`
	TotalPledges     int64           `gorm:"not null;default:0"`
	TotalPayments    int64           `gorm:"not null;default:0"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime"`
}

func (CampaignRollup) TableName() string { return "campaign_rollups" }

// DonationHistory is the append-only audit trail, one row per accepted event.
type DonationHistory struct {
	ID         uint64          `gorm:"primaryKey"`
	CampaignID uint64          `gorm:"not null;index"`
	PledgeID   *uint64
	PaymentID  *uint64
	UserID     *uint64
	Amount     decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Status     string          `gorm:"size:32;not null"`
	Source     string          `gorm:"size:64;not null"`
	OccurredAt time.Time       `gorm:"not null"`
	Metadata   string          `gorm:"type:jsonb"`
}

func (DonationHistory) TableName() string { return "donation_history" }
