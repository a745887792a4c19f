package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"esim-fulfillment-service/internal/config"
)

// TwilioClient sends the QR viewer link over SMS. SMS cannot carry the QR
// image itself, so the message points at the hosted viewer page.
type TwilioClient struct {
	accountSID  string
	authToken   string
	fromNumber  string
	qrViewerURL string
	baseURL     string
	client      *http.Client
}

func NewTwilioClient(cfg *config.Config) *TwilioClient {
	return &TwilioClient{
		accountSID:  cfg.TwilioAccountSID,
		authToken:   cfg.TwilioAuthToken,
		fromNumber:  cfg.TwilioPhoneNumber,
		qrViewerURL: cfg.QRViewerBaseURL,
		baseURL:     "https://api.twilio.com",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether Twilio credentials were provided. SMS is an
// optional channel.
func (t *TwilioClient) Configured() bool {
	return t.accountSID != "" && t.authToken != ""
}

func (t *TwilioClient) SendQRCode(ctx context.Context, req DeliveryRequest) (string, error) {
	body := fmt.Sprintf(
		"Your %s eSIM is ready!\n\nView & scan your QR code:\n%s/%s",
		req.Destination, t.qrViewerURL, req.OrderNumber,
	)

	form := url.Values{}
	form.Set("To", req.Phone)
	form.Set("From", t.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(t.accountSID, t.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", transient(fmt.Errorf("twilio request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", transient(fmt.Errorf("twilio returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return "", fmt.Errorf("twilio rejected message: %s", apiErr.Message)
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding twilio response: %w", err)
	}
	if out.Status != "queued" && out.Status != "sent" {
		return "", fmt.Errorf("twilio message in unexpected status %q", out.Status)
	}
	return out.SID, nil
}
