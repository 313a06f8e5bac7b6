package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrChargeDeclined means the payment gateway rejected the charge. The
// payment row and its PAYMENT_FAILED event are still committed.
var ErrChargeDeclined = errors.New("charge declined")

// Gateway is the external payment processor. The real integration lives
// outside this service; tests and local runs use NoopGateway.
type Gateway interface {
	Charge(ctx context.Context, userID uint64, amount decimal.Decimal, idemKey string) (string, error)
}

// PledgeService owns the producer side: pledge writes, pledge lifecycle
// webhooks and payment recording, each committed atomically with its outbox
// announcement.
type PledgeService struct {
	repo    repo.RepositoryInterface
	gateway Gateway
	log     *zap.SugaredLogger
}

// NewPledgeService returns PledgeService.
func NewPledgeService(r repo.RepositoryInterface, gw Gateway, logger *zap.SugaredLogger) *PledgeService {
	return &PledgeService{repo: r, gateway: gw, log: logger}
}

// CreatePledge inserts a PENDING pledge and its PLEDGE_CREATED outbox row in
// one transaction.
func (s *PledgeService) CreatePledge(ctx context.Context, userID, campaignID uint64, amount decimal.Decimal) (*model.Pledge, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	pledge := &model.Pledge{
		UserID:     userID,
		CampaignID: campaignID,
		Amount:     amount.Round(2),
		Status:     model.StatusPending,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreatePledge(ctx, tx, pledge); err != nil {
			return err
		}
		_, err := s.repo.EnqueueOutbox(ctx, tx, model.EventPledgeCreated, "", map[string]any{
			"pledge_id":   pledge.ID,
			"campaign_id": campaignID,
			"user_id":     userID,
			"amount":      pledge.Amount,
			"status":      model.StatusPending,
			"created_at":  time.Now().UTC().Format(time.RFC3339),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// ApplyPaymentWebhook moves a pledge through its lifecycle. An invalid
// transition is reported as not-applied, never as an error, because it is
// almost always a duplicate or out-of-order delivery.
func (s *PledgeService) ApplyPaymentWebhook(ctx context.Context, pledgeID uint64, newStatus model.Status) (bool, error) {
	applied := false
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		pledge, err := s.repo.GetPledgeForUpdate(ctx, tx, pledgeID)
		if err != nil {
			return err
		}
		if !model.CanTransition(pledge.Status, newStatus) {
			s.log.Warnf("ignored invalid pledge transition id=%d %s->%s", pledgeID, pledge.Status, newStatus)
			return nil
		}
		if err := s.repo.UpdatePledgeStatus(ctx, tx, pledgeID, newStatus); err != nil {
			return err
		}
		_, err = s.repo.EnqueueOutbox(ctx, tx, model.EventPledgeStatusChanged, "", map[string]any{
			"pledge_id":       pledgeID,
			"campaign_id":     pledge.CampaignID,
			"user_id":         pledge.UserID,
			"amount":          pledge.Amount,
			"previous_status": pledge.Status,
			"new_status":      newStatus,
			"updated_at":      time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// RecordPayment charges the gateway and commits the payment row together
// with its PAYMENT_CAPTURED or PAYMENT_FAILED outbox event. A previously
// successful payment for the same user/pledge/campaign is reused so client
// retries stay idempotent.
func (s *PledgeService) RecordPayment(ctx context.Context, userID uint64, pledgeID, campaignID *uint64, amount decimal.Decimal) (*model.Payment, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	amount = amount.Round(2)

	var prior model.Payment
	q := s.repo.DB(ctx).Where("user_id = ? AND status = ?", userID, "SUCCESS")
	if pledgeID != nil {
		q = q.Where("pledge_id = ?", *pledgeID)
	}
	if campaignID != nil {
		q = q.Where("campaign_id = ?", *campaignID)
	}
	if err := q.Order("id desc").First(&prior).Error; err == nil {
		return &prior, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	idemKey := chargeKey(userID, pledgeID, campaignID, amount)
	txnID, chargeErr := s.gateway.Charge(ctx, userID, amount, idemKey)

	payment := &model.Payment{
		PledgeID:   pledgeID,
		CampaignID: campaignID,
		UserID:     userID,
		Amount:     amount,
	}
	eventType := model.EventPaymentCaptured
	payload := map[string]any{
		"pledge_id":    pledgeID,
		"campaign_id":  campaignID,
		"user_id":      userID,
		"amount":       amount,
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if chargeErr != nil {
		payment.Status = "FAILED"
		eventType = model.EventPaymentFailed
		payload["status"] = "FAILED"
		payload["error"] = chargeErr.Error()
	} else {
		payment.Status = "SUCCESS"
		payment.TransactionID = &txnID
		payload["status"] = "SUCCESS"
		payload["transaction_id"] = txnID
	}

	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreatePayment(ctx, tx, payment); err != nil {
			return err
		}
		payload["payment_id"] = payment.ID
		_, err := s.repo.EnqueueOutbox(ctx, tx, eventType, "", payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	if chargeErr != nil {
		s.log.Errorf("charge failed payment=%d: %v", payment.ID, chargeErr)
		return payment, ErrChargeDeclined
	}
	return payment, nil
}

func chargeKey(userID uint64, pledgeID, campaignID *uint64, amount decimal.Decimal) string {
	pledge := "pledge-none"
	if pledgeID != nil {
		pledge = fmt.Sprintf("pledge-%d", *pledgeID)
	}
	campaign := "campaign-none"
	if campaignID != nil {
		campaign = fmt.Sprintf("campaign-%d", *campaignID)
	}
	return fmt.Sprintf("payment-%d-%s-%s-amount-%s", userID, pledge, campaign, amount.StringFixed(2))
}

// Repo exposes underlying repository (unit tests helper).
func (s *PledgeService) Repo() repo.RepositoryInterface {
	return s.repo
}
