// dto.go
package dto

import (
	"encoding/json"
	"time"
)

// StripeEvent is the provider webhook envelope after signature verification.
type StripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// PaymentIntentObject is the slice of the payment_intent payload we care about.
type PaymentIntentObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// ProcessingResult is what fulfillment returns: never an error for expected
// provider failures, always a status plus whatever was achieved.
type ProcessingResult struct {
	OrderID     string   `json:"orderId"`
	OrderNumber string   `json:"orderNumber"`
	Status      string   `json:"status"` // completed | partial | failed
	Provisioned bool     `json:"esimProvisioned"`
	Delivered   bool     `json:"qrDelivered"`
	Channel     string   `json:"deliveryChannel,omitempty"`
	ElapsedMS   int64    `json:"processingTimeMs"`
	Errors      []string `json:"errors,omitempty"`
}

type DeliveryAttempt struct {
	Channel   string `json:"channel"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type DeliveryResult struct {
	Channel   string            `json:"channel,omitempty"`
	Success   bool              `json:"success"`
	MessageID string            `json:"messageId,omitempty"`
	Attempts  []DeliveryAttempt `json:"attempts"`
}

// RefundRequest resolves an order by exactly one of the three selectors.
type RefundRequest struct {
	OrderID       string `json:"orderId,omitempty"`
	OrderNumber   string `json:"orderNumber,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// RefundStep is one entry of the refund audit trail. Steps are appended in
// execution order and never discarded once recorded.
type RefundStep struct {
	Step    string         `json:"step"`
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type RefundResponse struct {
	Success             bool         `json:"success"`
	OrderID             string       `json:"orderId"`
	OrderNumber         string       `json:"orderNumber"`
	CustomerEmail       string       `json:"customerEmail,omitempty"`
	DestinationName     string       `json:"destinationName,omitempty"`
	PlanName            string       `json:"planName,omitempty"`
	AmountRefundedCents int64        `json:"amountRefundedCents"`
	Currency            string       `json:"currency"`
	StripeRefundID      string       `json:"stripeRefundId,omitempty"`
	BundleRevoked       bool         `json:"esimBundleRevoked"`
	BundleRefunded      bool         `json:"esimBundleRefunded"`
	Steps               []RefundStep `json:"steps"`
	Message             string       `json:"message"`
	Timestamp           time.Time    `json:"timestamp"`
}

type RefundErrorResponse struct {
	Success       bool         `json:"success"`
	Error         string       `json:"error"`
	ErrorCode     string       `json:"errorCode"`
	OrderID       string       `json:"orderId,omitempty"`
	OrderNumber   string       `json:"orderNumber,omitempty"`
	CustomerEmail string       `json:"customerEmail,omitempty"`
	DataUsedMB    float64      `json:"dataUsedMb,omitempty"`
	Steps         []RefundStep `json:"steps,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Refund terminal error codes.
const (
	ErrCodeOrderNotFound   = "order_not_found"
	ErrCodeAlreadyRefunded = "already_refunded"
	ErrCodeNoPaymentIntent = "no_payment_intent"
	ErrCodeEsimActivated   = "esim_activated"
	ErrCodeRefundFailed    = "refund_failed"
)

// Refund audit step names.
const (
	StepEligibilityCheck  = "eligibility_check"
	StepBundleRevoke      = "bundle_revoke"
	StepBundleRefund      = "bundle_refund"
	StepStripeRefund      = "stripe_refund"
	StepEmailNotification = "email_notification"
)

type ResendRequest struct {
	Channel string `json:"channel" binding:"required"` // email | sms | auto
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	Message  string `json:"message"`
	OrderID  string `json:"orderId,omitempty"`
}
