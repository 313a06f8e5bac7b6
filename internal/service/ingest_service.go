package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome classifies the result of ingesting one event. Duplicate and
// ignored are successes, not errors.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// ErrMissingEventFields is returned when eventId or eventType is absent.
var ErrMissingEventFields = errors.New("eventId and eventType are required")

// IngestService is the consumer side of the outbox: it deduplicates events
// by id and applies ledger changes plus a history append in one transaction.
type IngestService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewIngestService returns IngestService.
func NewIngestService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *IngestService {
	return &IngestService{repo: r, log: logger}
}

// Ingest applies one delivered event exactly-once-in-effect. The dedup-log
// insert and the handler's side effects commit together or not at all; on
// error the event stays absent from the log and redelivery retries it.
func (s *IngestService) Ingest(ctx context.Context, env model.Envelope) (Outcome, error) {
	if env.EventID == "" || env.EventType == "" {
		return "", ErrMissingEventFields
	}
	switch env.EventType {
	case model.EventPledgeCreated, model.EventPledgeStatusChanged,
		model.EventPaymentCaptured, model.EventPaymentFailed:
	default:
		return OutcomeIgnored, nil
	}

	outcome := OutcomeProcessed
	var campaignID uint64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		seen, err := s.repo.EventSeen(ctx, tx, env.EventID)
		if err != nil {
			return err
		}
		if seen {
			outcome = OutcomeDuplicate
			return nil
		}
		body, err := json.Marshal(env.Payload)
		if err != nil {
			return err
		}
		if err := s.repo.RecordIngestedEvent(ctx, tx, &model.IngestedEvent{
			EventID:       env.EventID,
			EventType:     env.EventType,
			SourceService: env.SourceService,
			Payload:       string(body),
		}); err != nil {
			return err
		}

		// timestamp preference: envelope, then the payload's own
		// update/create times, then receipt time
		occurredAt := env.OccurredAt
		if occurredAt.IsZero() {
			if ts, ok := payloadTime(env.Payload, "updated_at", "created_at"); ok {
				occurredAt = ts
			} else {
				occurredAt = time.Now().UTC()
			}
		}
		switch env.EventType {
		case model.EventPledgeCreated:
			campaignID, err = s.handlePledgeCreated(ctx, tx, env, occurredAt)
		case model.EventPledgeStatusChanged:
			campaignID, err = s.handlePledgeStatusChanged(ctx, tx, env, occurredAt)
		case model.EventPaymentCaptured:
			campaignID, err = s.handlePaymentCaptured(ctx, tx, env, occurredAt)
		case model.EventPaymentFailed:
			campaignID, err = s.handlePaymentFailed(ctx, tx, env, occurredAt)
		}
		return err
	})
	if err != nil {
		s.log.Errorf("ingest failed event=%s type=%s: %v", env.EventID, env.EventType, err)
		return "", err
	}
	if outcome == OutcomeProcessed && campaignID != 0 {
		s.refreshRollupCache(ctx, campaignID)
	}
	return outcome, nil
}

func (s *IngestService) handlePledgeCreated(ctx context.Context, tx *gorm.DB, env model.Envelope, occurredAt time.Time) (uint64, error) {
	campaignID, ok := payloadID(env.Payload, "campaign_id")
	if !ok {
		return 0, nil
	}
	if err := s.repo.EnsureRollup(ctx, tx, campaignID); err != nil {
		return 0, err
	}
	amount := model.ToAmount(env.Payload["amount"])
	if err := s.repo.ApplyRollupDelta(ctx, tx, campaignID, repo.RollupDelta{
		Pending: amount,
		Pledges: 1,
	}); err != nil {
		return 0, err
	}
	status := payloadString(env.Payload, "status")
	if status == "" {
		status = string(model.StatusPending)
	}
	return campaignID, s.repo.RecordHistory(ctx, tx, s.historyEntry(env, campaignID, amount, status, occurredAt, nil))
}

func (s *IngestService) handlePledgeStatusChanged(ctx context.Context, tx *gorm.DB, env model.Envelope, occurredAt time.Time) (uint64, error) {
	campaignID, ok := payloadID(env.Payload, "campaign_id")
	prev := model.Status(payloadString(env.Payload, "previous_status"))
	next := model.Status(payloadString(env.Payload, "new_status"))
	if !ok || prev == "" || next == "" {
		return 0, nil
	}
	if err := s.repo.EnsureRollup(ctx, tx, campaignID); err != nil {
		return 0, err
	}
	amount := model.ToAmount(env.Payload["amount"])
	if err := s.repo.MoveAcrossBuckets(ctx, tx, campaignID, prev, next, amount); err != nil {
		return 0, err
	}
	meta := map[string]any{"previous_status": prev}
	return campaignID, s.repo.RecordHistory(ctx, tx, s.historyEntry(env, campaignID, amount, string(next), occurredAt, meta))
}

func (s *IngestService) handlePaymentCaptured(ctx context.Context, tx *gorm.DB, env model.Envelope, occurredAt time.Time) (uint64, error) {
	campaignID, ok := payloadID(env.Payload, "campaign_id")
	if !ok {
		return 0, nil
	}
	if err := s.repo.EnsureRollup(ctx, tx, campaignID); err != nil {
		return 0, err
	}
	if err := s.repo.ApplyRollupDelta(ctx, tx, campaignID, repo.RollupDelta{Payments: 1}); err != nil {
		return 0, err
	}
	amount := model.ToAmount(env.Payload["amount"])
	return campaignID, s.repo.RecordHistory(ctx, tx, s.historyEntry(env, campaignID, amount, string(model.StatusCaptured), occurredAt, nil))
}

func (s *IngestService) handlePaymentFailed(ctx context.Context, tx *gorm.DB, env model.Envelope, occurredAt time.Time) (uint64, error) {
	campaignID, ok := payloadID(env.Payload, "campaign_id")
	if !ok {
		return 0, nil
	}
	if err := s.repo.EnsureRollup(ctx, tx, campaignID); err != nil {
		return 0, err
	}
	amount := model.ToAmount(env.Payload["amount"])
	meta := map[string]any{}
	if cause := payloadString(env.Payload, "error"); cause != "" {
		meta["error"] = cause
	}
	if err := s.repo.RecordHistory(ctx, tx, s.historyEntry(env, campaignID, amount, string(model.StatusFailed), occurredAt, meta)); err != nil {
		return 0, err
	}
	return campaignID, s.repo.ApplyRollupDelta(ctx, tx, campaignID, repo.RollupDelta{Failed: amount})
}

func (s *IngestService) historyEntry(env model.Envelope, campaignID uint64, amount decimal.Decimal, status string, occurredAt time.Time, extra map[string]any) *model.DonationHistory {
	meta := map[string]any{"eventType": env.EventType}
	for k, v := range extra {
		meta[k] = v
	}
	metaJSON, _ := json.Marshal(meta)
	entry := &model.DonationHistory{
		CampaignID: campaignID,
		Amount:     amount,
		Status:     status,
		Source:     env.SourceService,
		OccurredAt: occurredAt,
		Metadata:   string(metaJSON),
	}
	if id, ok := payloadID(env.Payload, "pledge_id"); ok {
		entry.PledgeID = &id
	}
	if id, ok := payloadID(env.Payload, "payment_id"); ok {
		entry.PaymentID = &id
	}
	if id, ok := payloadID(env.Payload, "user_id"); ok {
		entry.UserID = &id
	}
	return entry
}

// refreshRollupCache repopulates the Redis read cache after a commit. Best
// effort only; a cache failure never fails the ingest.
func (s *IngestService) refreshRollupCache(ctx context.Context, campaignID uint64) {
	roll, err := s.repo.GetRollup(ctx, campaignID)
	if err != nil {
		s.log.Warnf("rollup cache refresh skipped campaign=%d: %v", campaignID, err)
		return
	}
	if err := s.repo.CacheRollup(ctx, roll); err != nil {
		s.log.Warnf("rollup cache write failed campaign=%d: %v", campaignID, err)
	}
}

// GetCampaignRollup reads the rollup, cache first.
func (s *IngestService) GetCampaignRollup(ctx context.Context, campaignID uint64) (*model.CampaignRollup, error) {
	if roll, err := s.repo.GetCachedRollup(ctx, campaignID); err == nil {
		return roll, nil
	}
	roll, err := s.repo.GetRollup(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheRollup(ctx, roll); err != nil {
		s.log.Warnf("rollup cache write failed campaign=%d: %v", campaignID, err)
	}
	return roll, nil
}

// GetCampaignHistory returns recent audit rows.
func (s *IngestService) GetCampaignHistory(ctx context.Context, campaignID uint64, limit int) ([]model.DonationHistory, error) {
	return s.repo.ListHistory(ctx, campaignID, limit)
}

func payloadID(payload map[string]any, key string) (uint64, bool) {
	switch v := payload[key].(type) {
	case float64:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		if v == 0 {
			return 0, false
		}
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil || n <= 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func payloadTime(payload map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case time.Time:
			return v, true
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case model.Status:
		return string(v)
	default:
		return ""
	}
}
