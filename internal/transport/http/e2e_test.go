package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pledgeworks/donation-service/internal/config"
	"github.com/pledgeworks/donation-service/internal/logger"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/outbox"
	"github.com/stretchr/testify/assert"
)

// The full outbox loop: a pledge write commits an outbox row, the dispatcher
// pushes it to the ingestion endpoint, and the rollup converges.
func TestPledgeLifecycleEndToEnd(t *testing.T) {
	router, r := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	assert.NoError(t, r.DB(context.Background()).Create(&model.Campaign{ID: 1, Title: "clean water"}).Error)

	cfg := config.DispatcherConfig{
		IngestURL:      srv.URL + "/v1/events",
		SourceService:  "pledge-service",
		PollIntervalMS: 10,
	}
	log, err := logger.NewLogger()
	assert.NoError(t, err)
	d := outbox.NewDispatcher(r, cfg, nil, nil, log)
	assert.True(t, d.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// pledge of 50.00 lands in the pending bucket
	w := doJSON(router, http.MethodPost, "/v1/pledges",
		gin.H{"campaign_id": 1, "amount": "50.00"},
		map[string]string{"X-User-ID": "3"})
	assert.Equal(t, http.StatusCreated, w.Code)

	assert.Eventually(t, func() bool {
		roll, err := r.GetRollup(context.Background(), 1)
		return err == nil && roll.PendingAmount.StringFixed(2) == "50.00" && roll.TotalPledges == 1
	}, 5*time.Second, 20*time.Millisecond)

	// lifecycle moves the amount pending -> authorized -> captured
	w = doJSON(router, http.MethodPost, "/v1/webhooks/payment",
		gin.H{"pledge_id": 1, "status": "AUTHORIZED"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(router, http.MethodPost, "/v1/webhooks/payment",
		gin.H{"pledge_id": 1, "status": "CAPTURED"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		roll, err := r.GetRollup(context.Background(), 1)
		return err == nil &&
			roll.PendingAmount.StringFixed(2) == "0.00" &&
			roll.AuthorizedAmount.StringFixed(2) == "0.00" &&
			roll.CapturedAmount.StringFixed(2) == "50.00"
	}, 5*time.Second, 20*time.Millisecond)

	// the campaign's denormalized total synced with the captured bucket
	var camp model.Campaign
	assert.NoError(t, r.DB(context.Background()).First(&camp, 1).Error)
	assert.Equal(t, "50.00", camp.CurrentAmount.StringFixed(2))

	// every outbox row ended up delivered
	assert.Eventually(t, func() bool {
		var pending int64
		err := r.DB(context.Background()).Model(&model.OutboxEvent{}).
			Where("status <> ?", model.OutboxDelivered).Count(&pending).Error
		return err == nil && pending == 0
	}, 5*time.Second, 20*time.Millisecond)
}
