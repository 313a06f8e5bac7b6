package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pledgeworks/donation-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnqueueOutbox appends an outbox event inside the caller's transaction so
// the row lives or dies with the business mutation. An empty eventKey gets a
// generated one; a duplicate key upserts the payload and resets the row to
// PENDING instead of creating a second undelivered copy.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx *gorm.DB, eventType, eventKey string, payload map[string]any) (string, error) {
	if eventKey == "" {
		eventKey = uuid.NewString()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	evt := &model.OutboxEvent{
		EventKey:      eventKey,
		EventType:     eventType,
		Payload:       string(body),
		Status:        model.OutboxPending,
		NextAttemptAt: time.Now(),
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "event_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"payload": string(body),
				"status":  model.OutboxPending,
			}),
		}).
		Create(evt).Error
	if err != nil {
		return "", err
	}
	return eventKey, nil
}

// PollOutbox pulls due undelivered events, oldest first. Rows that exhausted
// their retries stay parked as FAILED until an operator resets attempts.
func (r *Repository) PollOutbox(ctx context.Context, limit, maxRetries int, now time.Time) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ? AND attempts < ?",
			[]string{model.OutboxPending, model.OutboxFailed}, now, maxRetries).
		Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkDelivered records a successful push.
func (r *Repository) MarkDelivered(ctx context.Context, id uint64, now time.Time) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.OutboxDelivered,
			"delivered_at": &now,
			"last_error":   nil,
		}).Error
}

// MarkAttemptFailed bumps the attempt counter and schedules the retry with
// exponential backoff, or parks the event as terminal FAILED once the retry
// ceiling is reached.
func (r *Repository) MarkAttemptFailed(ctx context.Context, evt *model.OutboxEvent, maxRetries int, backoffCap time.Duration, now time.Time, cause string) error {
	attempts := evt.Attempts + 1
	status := model.OutboxPending
	if attempts >= maxRetries {
		status = model.OutboxFailed
	}
	if len(cause) > 500 {
		cause = cause[:500]
	}
	next := now.Add(backoffDelay(attempts, backoffCap))
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", evt.ID).
		Updates(map[string]interface{}{
			"status":          status,
			"attempts":        attempts,
			"last_error":      cause,
			"next_attempt_at": next,
		}).Error
}

// backoffDelay is min(2^attempts, cap) minutes.
func backoffDelay(attempts int, ceiling time.Duration) time.Duration {
	if attempts > 20 {
		return ceiling
	}
	d := time.Duration(1<<uint(attempts)) * time.Minute
	if d > ceiling {
		return ceiling
	}
	return d
}
