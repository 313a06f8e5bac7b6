package model

import "time"

const (
	OutboxPending   = "PENDING"
	OutboxDelivered = "DELIVERED"
	OutboxFailed    = "FAILED"
)

// OutboxEvent is written in the same transaction as the business mutation
// that produced it and never deleted; the dispatcher owns every later
// mutation of the row.
type OutboxEvent struct {
	ID            uint64    `gorm:"primaryKey"`
	EventKey      string    `gorm:"size:64;not null;uniqueIndex"`
	EventType     string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	Status        string    `gorm:"size:16;not null;default:'PENDING';index:idx_outbox_due,priority:1"`
	Attempts      int       `gorm:"not null;default:0"`
	NextAttemptAt time.Time `gorm:"not null;index:idx_outbox_due,priority:2"`
	LastError     *string   `gorm:"size:512"`
	DeliveredAt   *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
