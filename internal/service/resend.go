package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"esim-fulfillment-service/internal/config"
)

// ResendClient sends transactional email through the Resend REST API.
type ResendClient struct {
	apiKey    string
	fromEmail string
	fromName  string
	baseURL   string
	client    *http.Client
}

func NewResendClient(cfg *config.Config) *ResendClient {
	return &ResendClient{
		apiKey:    cfg.ResendAPIKey,
		fromEmail: cfg.ResendFromEmail,
		fromName:  cfg.ResendFromName,
		baseURL:   "https://api.resend.com",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (r *ResendClient) SendQRCode(ctx context.Context, req DeliveryRequest) (string, error) {
	subject := fmt.Sprintf("Your %s eSIM is ready!", req.Destination)
	html := qrEmailHTML(req)

	payload := map[string]any{
		"from":    fmt.Sprintf("%s <%s>", r.fromName, r.fromEmail),
		"to":      []string{req.Email},
		"subject": subject,
		"html":    html,
	}
	if len(req.QRCodeImage) > 0 {
		payload["attachments"] = []map[string]string{{
			"filename":   "esim-qr-code.png",
			"content":    base64.StdEncoding.EncodeToString(req.QRCodeImage),
			"content_id": "qrcode",
		}}
	}
	return r.send(ctx, payload)
}

func (r *ResendClient) SendRefundNotice(ctx context.Context, n RefundNotice) (string, error) {
	payload := map[string]any{
		"from":    fmt.Sprintf("%s <%s>", r.fromName, r.fromEmail),
		"to":      []string{n.Email},
		"subject": fmt.Sprintf("Refund Processed - %s eSIM", n.Destination),
		"html":    refundEmailHTML(n),
	}
	return r.send(ctx, payload)
}

func (r *ResendClient) send(ctx context.Context, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", transient(fmt.Errorf("resend request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", transient(fmt.Errorf("resend returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("resend rejected email: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding resend response: %w", err)
	}
	return out.ID, nil
}

func qrEmailHTML(req DeliveryRequest) string {
	name := req.Name
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`<html><body>
<p>Hey %s!</p>
<p>Your <b>%s</b> eSIM is ready. Scan the attached QR code to install it.</p>
<p>Order <b>%s</b> &middot; %s (%d days)</p>
<p>Manual activation code: <code>%s</code><br>SM-DP+ address: <code>%s</code></p>
<p>Install it on WiFi before you travel, and turn on data roaming for the eSIM when you land.</p>
</body></html>`,
		name, req.Destination, req.OrderNumber, req.PlanName, req.DurationDays,
		req.ActivationCode, req.SMDPAddress)
}

func refundEmailHTML(n RefundNotice) string {
	name := n.Name
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`<html><body>
<p>Hey %s,</p>
<p>Your refund for order <b>%s</b> (%s) has been processed.</p>
<p>Amount: <b>%s %.2f</b></p>
<p>It will appear in your account within 5-10 business days, depending on your bank.</p>
<p>Reason: %s</p>
</body></html>`,
		name, n.OrderNumber, n.Destination, n.Currency, float64(n.AmountCents)/100, n.Reason)
}
