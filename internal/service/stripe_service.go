package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"esim-fulfillment-service/internal/config"
	"esim-fulfillment-service/internal/dto"
)

// StripeService verifies webhook signatures and reverses charges.
type StripeService struct {
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
	baseURL       string
	client        *http.Client

	// overridable in tests
	now func() time.Time
}

func NewStripeService(cfg *config.Config) *StripeService {
	return &StripeService{
		secretKey:     cfg.StripeSecretKey,
		webhookSecret: cfg.StripeWebhookSecret,
		tolerance:     time.Duration(cfg.WebhookToleranceSeconds) * time.Second,
		baseURL:       "https://api.stripe.com",
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// VerifySignature checks the Stripe-Signature header against the raw payload
// and decodes the event envelope. The header carries a timestamp and one or
// more v1 HMAC-SHA256 signatures over "<timestamp>.<payload>".
func (s *StripeService) VerifySignature(payload []byte, header string) (*dto.StripeEvent, error) {
	if header == "" {
		return nil, ErrInvalidSignature
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, ErrInvalidSignature
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return nil, ErrInvalidSignature
	}

	age := s.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > s.tolerance {
		return nil, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	valid := false
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var event dto.StripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}
	return &event, nil
}

// CreateRefund reverses the charge behind a payment intent. A charge the
// gateway reports as already refunded surfaces as ErrChargeAlreadyRefunded so
// the caller can treat it as success.
func (s *StripeService) CreateRefund(ctx context.Context, paymentIntentID, reason string) (string, error) {
	var refundID string
	err := withRetry(ctx, 3, time.Second, 10*time.Second, func() error {
		var err error
		refundID, err = s.createRefund(ctx, paymentIntentID, reason)
		return err
	})
	return refundID, err
}

func (s *StripeService) createRefund(ctx context.Context, paymentIntentID, reason string) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer":
		form.Set("reason", reason)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/refunds", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", transient(fmt.Errorf("stripe request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", transient(fmt.Errorf("stripe returned %d", resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Code == "charge_already_refunded" {
			return "", ErrChargeAlreadyRefunded
		}
		return "", fmt.Errorf("stripe refund rejected: %s", apiErr.Error.Message)
	}

	var refund struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&refund); err != nil {
		return "", fmt.Errorf("decoding stripe refund: %w", err)
	}

	slog.Info("stripe refund created", "refund_id", refund.ID, "payment_intent", paymentIntentID)
	return refund.ID, nil
}
