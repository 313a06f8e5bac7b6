package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Pledge struct {
	ID         uint64          `gorm:"primaryKey"`
	UserID     uint64          `gorm:"not null"`
	CampaignID uint64          `gorm:"not null;index"`
	Amount     decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Status     Status          `gorm:"size:32;not null;default:'PENDING'"`
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime"`
}

func (Pledge) TableName() string { return "pledges" }

type Payment struct {
	ID            uint64          `gorm:"primaryKey"`
	PledgeID      *uint64         `gorm:"index"`
	CampaignID    *uint64         `gorm:"index"`
	UserID        uint64          `gorm:"not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Status        string          `gorm:"size:32;not null"`
	TransactionID *string         `gorm:"size:128"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime"`
}

func (Payment) TableName() string { return "payments" }
