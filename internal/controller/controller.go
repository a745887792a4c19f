package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"esim-fulfillment-service/internal/dto"
	"esim-fulfillment-service/internal/model"
	"esim-fulfillment-service/internal/repository"
	"esim-fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
)

// Collaborators behind interfaces so handler tests can fake them.
type SignatureVerifier interface {
	VerifySignature(payload []byte, header string) (*dto.StripeEvent, error)
}

type EventStore interface {
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

type OrderProcessor interface {
	HandlePaymentSucceeded(ctx context.Context, pi dto.PaymentIntentObject) (*dto.ProcessingResult, error)
	Refund(ctx context.Context, req dto.RefundRequest) (*dto.RefundResponse, *dto.RefundErrorResponse, error)
	ResendQR(ctx context.Context, orderID, channel string) (*dto.DeliveryResult, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
}

type GuaranteeScheduler interface {
	Schedule(orderID string)
	Cancel(orderID string) bool
}

type OrderController struct {
	Service   OrderProcessor
	Stripe    SignatureVerifier
	Events    EventStore
	Guarantee GuaranteeScheduler
}

func NewOrderController(svc OrderProcessor, stripe SignatureVerifier, events EventStore, guarantee GuaranteeScheduler) *OrderController {
	return &OrderController{
		Service:   svc,
		Stripe:    stripe,
		Events:    events,
		Guarantee: guarantee,
	}
}

// POST /webhooks/stripe — public, verified by signature.
// Acknowledges fast; provisioning and delivery run in the background.
func (ctl *OrderController) StripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := ctl.Stripe.VerifySignature(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		slog.Error("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	slog.Info("stripe webhook received", "event_id", event.ID, "type", event.Type)

	switch event.Type {
	case "payment_intent.succeeded":
		// Decode before the dedup insert: a malformed payload must stay
		// rejectable on provider retries, not get acked as a duplicate.
		var pi dto.PaymentIntentObject
		if err := json.Unmarshal(event.Data.Object, &pi); err != nil {
			slog.Error("malformed payment intent payload", "event_id", event.ID, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payment intent payload"})
			return
		}
		if !ctl.markFirst(c, event) {
			return
		}
		go ctl.processPayment(pi)
		c.JSON(http.StatusOK, dto.WebhookResponse{Received: true, Message: "order processing started"})

	case "charge.refunded":
		// Refund already executed on the gateway side; reconciliation only.
		if !ctl.markFirst(c, event) {
			return
		}
		slog.Info("stripe refund webhook acknowledged", "event_id", event.ID)
		c.JSON(http.StatusOK, dto.WebhookResponse{Received: true, Message: "refund acknowledged"})

	case "payment_intent.payment_failed":
		if !ctl.markFirst(c, event) {
			return
		}
		slog.Warn("stripe payment failed", "event_id", event.ID)
		c.JSON(http.StatusOK, dto.WebhookResponse{Received: true, Message: "payment failure acknowledged"})

	default:
		slog.Debug("unhandled stripe event", "type", event.Type)
		c.JSON(http.StatusOK, dto.WebhookResponse{Received: true, Message: "event " + event.Type + " acknowledged"})
	}
}

// markFirst records the event id and reports whether this delivery is the
// first. Duplicates and store failures are answered here.
func (ctl *OrderController) markFirst(c *gin.Context, event *dto.StripeEvent) bool {
	first, err := ctl.Events.MarkProcessed(c.Request.Context(), event.ID, event.Type)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if !first {
		slog.Info("duplicate stripe event ignored", "event_id", event.ID, "type", event.Type)
		c.JSON(http.StatusOK, dto.WebhookResponse{Received: true, Message: "duplicate event"})
		return false
	}
	return true
}

func (ctl *OrderController) processPayment(pi dto.PaymentIntentObject) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := ctl.Service.HandlePaymentSucceeded(ctx, pi)
	if err != nil {
		slog.Error("payment processing failed", "payment_intent", pi.ID, "error", err)
		return
	}
	if result.Delivered {
		ctl.Guarantee.Schedule(result.OrderID)
	}
}

// POST /refunds — support only; force requires admin.
func (ctl *OrderController) Refund(c *gin.Context) {
	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Force {
		perms := c.GetStringSlice("userPermissions")
		if !slices.Contains(perms, "admin") {
			c.JSON(http.StatusForbidden, gin.H{"error": "force refunds require admin privileges"})
			return
		}
	}

	resp, errResp, err := ctl.Service.Refund(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if errResp != nil {
		c.JSON(refundErrorStatus(errResp.ErrorCode), errResp)
		return
	}

	// A committed refund supersedes any pending guarantee check.
	ctl.Guarantee.Cancel(resp.OrderID)
	c.JSON(http.StatusOK, resp)
}

func refundErrorStatus(code string) int {
	switch code {
	case dto.ErrCodeOrderNotFound:
		return http.StatusNotFound
	case dto.ErrCodeAlreadyRefunded:
		return http.StatusConflict
	case dto.ErrCodeNoPaymentIntent:
		return http.StatusBadRequest
	case dto.ErrCodeEsimActivated:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// GET /orders/:orderId
func (ctl *OrderController) GetOrder(c *gin.Context) {
	order, err := ctl.Service.GetOrder(c.Request.Context(), c.Param("orderId"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// POST /orders/:orderId/resend
func (ctl *OrderController) ResendQR(c *gin.Context) {
	var req dto.ResendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := ctl.Service.ResendQR(c.Request.Context(), c.Param("orderId"), req.Channel)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	case errors.Is(err, service.ErrNoActivationMaterial):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GET /health
func (ctl *OrderController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
