package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"github.com/pledgeworks/donation-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func RegisterHandlers(r *gin.Engine, pledges *service.PledgeService, ingest *service.IngestService, rep repo.RepositoryInterface, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		guarded := v1.Group("")
		guarded.Use(IdempotencyMiddleware(rep, log))
		guarded.POST("/pledges", createPledgeHandler(pledges))
		guarded.POST("/payments", recordPaymentHandler(pledges))

		v1.POST("/webhooks/payment", paymentWebhookHandler(pledges))
		v1.POST("/events", ingestHandler(ingest))
		v1.GET("/campaigns/:id/rollup", rollupHandler(ingest))
		v1.GET("/campaigns/:id/history", historyHandler(ingest))
	}
}

type createPledgeReq struct {
	UserID     uint64 `json:"user_id"`
	CampaignID uint64 `json:"campaign_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
}

func createPledgeHandler(svc *service.PledgeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPledgeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID := identityFrom(c, req.UserID)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authenticated user context"})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		pledge, err := svc.CreatePledge(c, userID, req.CampaignID, amt)
		if err != nil {
			if errors.Is(err, service.ErrInvalidAmount) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success": true,
			"id":      pledge.ID,
			"status":  pledge.Status,
		})
	}
}

type paymentWebhookReq struct {
	PledgeID uint64 `json:"pledge_id" binding:"required"`
	Status   string `json:"status" binding:"required"`
}

func paymentWebhookHandler(svc *service.PledgeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paymentWebhookReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		applied, err := svc.ApplyPaymentWebhook(c, req.PledgeID, model.Status(req.Status))
		if err != nil {
			if errors.Is(err, repo.ErrPledgeNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "pledge not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
			return
		}
		if !applied {
			c.JSON(http.StatusOK, gin.H{"message": "ignored: invalid state transition"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type recordPaymentReq struct {
	Amount     string  `json:"amount" binding:"required"`
	PledgeID   *uint64 `json:"pledge_id"`
	CampaignID *uint64 `json:"campaign_id"`
}

func recordPaymentHandler(svc *service.PledgeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordPaymentReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID := identityFrom(c, 0)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authenticated user context"})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		payment, err := svc.RecordPayment(c, userID, req.PledgeID, req.CampaignID, amt)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidAmount):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, service.ErrChargeDeclined):
				c.JSON(http.StatusBadGateway, gin.H{
					"status":     payment.Status,
					"payment_id": payment.ID,
					"message":    "unable to process payment",
				})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"status":         payment.Status,
			"payment_id":     payment.ID,
			"transaction_id": payment.TransactionID,
		})
	}
}

func ingestHandler(svc *service.IngestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env model.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if env.EventID == "" || env.EventType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "eventId and eventType are required"})
			return
		}
		if env.SourceService == "" {
			env.SourceService = "unknown"
		}
		outcome, err := svc.Ingest(c, env)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to ingest event"})
			return
		}
		switch outcome {
		case service.OutcomeDuplicate:
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		case service.OutcomeIgnored:
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": "unsupported event type"})
		default:
			c.JSON(http.StatusAccepted, gin.H{"status": "processed"})
		}
	}
}

func rollupHandler(svc *service.IngestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
			return
		}
		roll, err := svc.GetCampaignRollup(c, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "rollup not found"})
			return
		}
		c.JSON(http.StatusOK, roll)
	}
}

func historyHandler(svc *service.IngestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		rows, err := svc.GetCampaignHistory(c, id, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

// identityFrom resolves the authenticated user. Authentication itself is an
// upstream concern; this service trusts the X-User-ID header set by the
// gateway, with a body field fallback for internal callers.
func identityFrom(c *gin.Context, fallback uint64) uint64 {
	if v := c.GetHeader("X-User-ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			return id
		}
	}
	return fallback
}
