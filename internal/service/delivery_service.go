package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"esim-fulfillment-service/internal/dto"
)

// DeliveryRequest carries everything a channel needs to hand the customer
// their activation material.
type DeliveryRequest struct {
	Email          string
	Phone          string
	Name           string
	OrderNumber    string
	Destination    string
	PlanName       string
	DurationDays   int
	QRCodeData     string
	QRCodeImage    []byte
	ActivationCode string
	SMDPAddress    string
}

type RefundNotice struct {
	Email       string
	Name        string
	OrderNumber string
	Destination string
	AmountCents int64
	Currency    string
	Reason      string
}

// Channel senders implemented by ResendClient and TwilioClient.
type EmailSender interface {
	SendQRCode(ctx context.Context, req DeliveryRequest) (string, error)
	SendRefundNotice(ctx context.Context, n RefundNotice) (string, error)
}

type SMSSender interface {
	SendQRCode(ctx context.Context, req DeliveryRequest) (string, error)
	Configured() bool
}

// DeliveryService tries channels in fixed priority order, email first, SMS
// second, stopping at the first success. The order and eligibility rules are
// part of the contract, not configuration.
type DeliveryService struct {
	email EmailSender
	sms   SMSSender
}

func NewDeliveryService(email EmailSender, sms SMSSender) *DeliveryService {
	return &DeliveryService{email: email, sms: sms}
}

// DeliverQRCode attempts email then SMS. A failure in one channel is recorded
// and never prevents trying the next. Transient channel failures get one
// retry with a short backoff before falling through.
func (d *DeliveryService) DeliverQRCode(ctx context.Context, req DeliveryRequest) *dto.DeliveryResult {
	result := &dto.DeliveryResult{}

	msgID, err := d.sendWithRetry(ctx, func() (string, error) {
		return d.email.SendQRCode(ctx, req)
	})
	if err == nil {
		result.Attempts = append(result.Attempts, dto.DeliveryAttempt{Channel: "email", Success: true, MessageID: msgID})
		result.Channel = "email"
		result.Success = true
		result.MessageID = msgID
		return result
	}
	slog.Warn("email delivery failed", "email", req.Email, "order_number", req.OrderNumber, "error", err)
	result.Attempts = append(result.Attempts, dto.DeliveryAttempt{Channel: "email", Success: false, Error: err.Error()})

	if req.Phone != "" && d.sms.Configured() {
		msgID, err = d.sendWithRetry(ctx, func() (string, error) {
			return d.sms.SendQRCode(ctx, req)
		})
		if err == nil {
			result.Attempts = append(result.Attempts, dto.DeliveryAttempt{Channel: "sms", Success: true, MessageID: msgID})
			result.Channel = "sms"
			result.Success = true
			result.MessageID = msgID
			return result
		}
		slog.Warn("sms delivery failed", "order_number", req.OrderNumber, "error", err)
		result.Attempts = append(result.Attempts, dto.DeliveryAttempt{Channel: "sms", Success: false, Error: err.Error()})
	}

	slog.Error("all delivery channels failed", "order_number", req.OrderNumber, "attempts", len(result.Attempts))
	return result
}

// Resend pushes the activation material again through a specific channel, or
// "auto" for the normal email-then-SMS chain. Used by support tooling.
func (d *DeliveryService) Resend(ctx context.Context, channel string, req DeliveryRequest) (*dto.DeliveryResult, error) {
	switch channel {
	case "email":
		msgID, err := d.sendWithRetry(ctx, func() (string, error) {
			return d.email.SendQRCode(ctx, req)
		})
		if err != nil {
			return &dto.DeliveryResult{
				Attempts: []dto.DeliveryAttempt{{Channel: "email", Success: false, Error: err.Error()}},
			}, nil
		}
		return &dto.DeliveryResult{
			Channel: "email", Success: true, MessageID: msgID,
			Attempts: []dto.DeliveryAttempt{{Channel: "email", Success: true, MessageID: msgID}},
		}, nil

	case "sms":
		if req.Phone == "" {
			return nil, fmt.Errorf("no phone number available for SMS delivery")
		}
		if !d.sms.Configured() {
			return nil, fmt.Errorf("SMS service not configured")
		}
		msgID, err := d.sendWithRetry(ctx, func() (string, error) {
			return d.sms.SendQRCode(ctx, req)
		})
		if err != nil {
			return &dto.DeliveryResult{
				Attempts: []dto.DeliveryAttempt{{Channel: "sms", Success: false, Error: err.Error()}},
			}, nil
		}
		return &dto.DeliveryResult{
			Channel: "sms", Success: true, MessageID: msgID,
			Attempts: []dto.DeliveryAttempt{{Channel: "sms", Success: true, MessageID: msgID}},
		}, nil

	case "auto":
		return d.DeliverQRCode(ctx, req), nil

	default:
		return nil, fmt.Errorf("invalid channel %q: use email, sms or auto", channel)
	}
}

// SendRefundNotification is best-effort: the refund is already committed when
// this runs.
func (d *DeliveryService) SendRefundNotification(ctx context.Context, n RefundNotice) error {
	_, err := d.sendWithRetry(ctx, func() (string, error) {
		return d.email.SendRefundNotice(ctx, n)
	})
	return err
}

// sendWithRetry gives a channel one extra try, but only for transient
// failures. A permanent rejection falls through to the next channel at once.
func (d *DeliveryService) sendWithRetry(ctx context.Context, send func() (string, error)) (string, error) {
	var msgID string
	err := withRetry(ctx, 2, time.Second, 5*time.Second, func() error {
		var err error
		msgID, err = send()
		return err
	})
	return msgID, err
}
