package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pledgeworks/donation-service/internal/config"
	"github.com/pledgeworks/donation-service/internal/logger"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"github.com/pledgeworks/donation-service/internal/service"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *repo.Repository) {
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Campaign{}, &model.CampaignRollup{}, &model.DonationHistory{},
		&model.Pledge{}, &model.Payment{},
		&model.OutboxEvent{}, &model.IngestedEvent{}, &model.IdempotencyRecord{},
	))

	log, err := logger.NewLogger()
	assert.NoError(t, err)
	r := repo.NewRepository(db, nil, log)
	pledges := service.NewPledgeService(r, service.NoopGateway{}, log)
	ingest := service.NewIngestService(r, log)
	router := NewRouter(pledges, ingest, r, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log)
	return router, r
}

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreatePledgeEndpoint(t *testing.T) {
	router, r := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/pledges",
		gin.H{"campaign_id": 1, "amount": "50.00"},
		map[string]string{"X-User-ID": "3"})
	assert.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		ID      uint64 `json:"id"`
		Status  string `json:"status"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "PENDING", resp.Status)

	var evtCount int64
	assert.NoError(t, r.DB(context.Background()).Model(&model.OutboxEvent{}).Count(&evtCount).Error)
	assert.Equal(t, int64(1), evtCount)

	// missing identity
	w = doJSON(router, http.MethodPost, "/v1/pledges", gin.H{"campaign_id": 1, "amount": "50.00"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// bad amount
	w = doJSON(router, http.MethodPost, "/v1/pledges",
		gin.H{"campaign_id": 1, "amount": "abc"},
		map[string]string{"X-User-ID": "3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/pledges",
		gin.H{"campaign_id": 1, "amount": "20.00"},
		map[string]string{"X-User-ID": "3"})
	assert.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID uint64 `json:"id"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodPost, "/v1/webhooks/payment",
		gin.H{"pledge_id": created.ID, "status": "AUTHORIZED"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "success")

	// invalid transition is acknowledged, not failed
	w = doJSON(router, http.MethodPost, "/v1/webhooks/payment",
		gin.H{"pledge_id": created.ID, "status": "PENDING"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	w = doJSON(router, http.MethodPost, "/v1/webhooks/payment",
		gin.H{"pledge_id": 999, "status": "AUTHORIZED"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestEndpointContract(t *testing.T) {
	router, _ := newTestRouter(t)
	env := gin.H{
		"eventId":       "e1",
		"eventType":     "PLEDGE_CREATED",
		"payload":       gin.H{"campaign_id": 1, "amount": 50.0},
		"sourceService": "pledge-service",
	}

	w := doJSON(router, http.MethodPost, "/v1/events", env, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "processed")

	// redelivery reports duplicate with 200
	w = doJSON(router, http.MethodPost, "/v1/events", env, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	// unsupported type is acknowledged as ignored
	w = doJSON(router, http.MethodPost, "/v1/events", gin.H{
		"eventId":   "e2",
		"eventType": "CAMPAIGN_ARCHIVED",
	}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	// missing identifiers
	w = doJSON(router, http.MethodPost, "/v1/events", gin.H{"eventType": "PLEDGE_CREATED"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRollupAndHistoryEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/events", gin.H{
		"eventId":   "e1",
		"eventType": "PLEDGE_CREATED",
		"payload":   gin.H{"campaign_id": 1, "pledge_id": 10, "amount": 50.0},
	}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/campaigns/1/rollup", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var roll model.CampaignRollup
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &roll))
	assert.Equal(t, "50.00", roll.PendingAmount.StringFixed(2))
	assert.Equal(t, int64(1), roll.TotalPledges)

	w = doJSON(router, http.MethodGet, "/v1/campaigns/1/history", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var rows []model.DonationHistory
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)

	w = doJSON(router, http.MethodGet, "/v1/campaigns/999/rollup", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
