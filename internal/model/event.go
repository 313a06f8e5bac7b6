package model

import "time"

// Event types accepted by the ingestion pipeline. Producers may emit newer
// types; those are acknowledged and ignored rather than rejected.
const (
	EventPledgeCreated       = "PLEDGE_CREATED"
	EventPledgeStatusChanged = "PLEDGE_STATUS_CHANGED"
	EventPaymentCaptured     = "PAYMENT_CAPTURED"
	EventPaymentFailed       = "PAYMENT_FAILED"
)

// Envelope is the wire format pushed by the outbox dispatcher and accepted
// by the ingestion endpoint.
type Envelope struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	Payload       map[string]any `json:"payload"`
	SourceService string         `json:"sourceService"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// IngestedEvent is the consumer-side dedup log. A row's presence is the sole
// proof that the event's side effects have been applied; it commits in the
// same transaction as those side effects.
type IngestedEvent struct {
	EventID       string    `gorm:"primaryKey;size:64;column:event_id"`
	EventType     string    `gorm:"size:64;not null"`
	SourceService string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	ReceivedAt    time.Time `gorm:"autoCreateTime"`
}

func (IngestedEvent) TableName() string { return "ingested_events" }

// IdempotencyRecord caches the first non-5xx response produced under a
// client-supplied idempotency key. Never mutated.
type IdempotencyRecord struct {
	APIKey       string    `gorm:"primaryKey;size:128;column:api_key"`
	ResponseBody string    `gorm:"type:jsonb;not null"`
	StatusCode   int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }
