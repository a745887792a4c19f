package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"esim-fulfillment-service/internal/config"
)

// EsimService talks to the eSIM Go REST API: bundle issuance on the critical
// fulfillment path, usage checks and inventory recovery on the refund path.
type EsimService struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewEsimService(cfg *config.Config) *EsimService {
	return &EsimService{
		apiKey:  cfg.EsimGoAPIKey,
		baseURL: cfg.EsimGoBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type EsimIssueResult struct {
	ICCID       string
	SMDPAddress string
	MatchingID  string
	QRCodeData  string
	OrderRef    string
}

type EsimUsage struct {
	ICCID         string
	Status        string
	DataUsedBytes int64
	DataUsedMB    float64
	BundleStarted bool
	Eligible      bool
}

// Issue applies a bundle to a fresh eSIM and fetches its activation material.
// Transient provider failures are retried internally up to 3 attempts.
func (s *EsimService) Issue(ctx context.Context, bundleName, orderRef string) (*EsimIssueResult, error) {
	var result *EsimIssueResult
	err := withRetry(ctx, 3, time.Second, 10*time.Second, func() error {
		var err error
		result, err = s.issue(ctx, bundleName, orderRef)
		return err
	})
	return result, err
}

func (s *EsimService) issue(ctx context.Context, bundleName, orderRef string) (*EsimIssueResult, error) {
	body := map[string]string{
		"type":      "bundle",
		"bundle":    bundleName,
		"startTime": "now",
		"Order":     orderRef,
	}

	var applyResp struct {
		OrderReference string `json:"orderReference"`
		Esim           struct {
			ICCID     string `json:"iccid"`
			Reference string `json:"reference"`
		} `json:"esim"`
	}
	if err := s.do(ctx, http.MethodPost, "/esims/apply", body, &applyResp); err != nil {
		return nil, err
	}
	if applyResp.Esim.ICCID == "" {
		return nil, errors.New("provider returned no iccid")
	}

	var esimResp struct {
		QRCodeData string `json:"qrCodeData"`
		LPAString  string `json:"lpaString"`
		MatchingID string `json:"matchingId"`
		SMDP       string `json:"smdpAddress"`
	}
	if err := s.do(ctx, http.MethodGet, "/esims/"+applyResp.Esim.ICCID, nil, &esimResp); err != nil {
		return nil, err
	}

	qrData := esimResp.QRCodeData
	if qrData == "" {
		qrData = esimResp.LPAString
	}

	slog.Info("esim provisioned", "iccid", applyResp.Esim.ICCID, "bundle", bundleName, "order_ref", orderRef)

	return &EsimIssueResult{
		ICCID:       applyResp.Esim.ICCID,
		SMDPAddress: esimResp.SMDP,
		MatchingID:  esimResp.MatchingID,
		QRCodeData:  qrData,
		OrderRef:    applyResp.OrderReference,
	}, nil
}

// Usage reports data consumption for an eSIM. A bundle with any consumed data
// is not eligible for refund.
func (s *EsimService) Usage(ctx context.Context, iccid string) (*EsimUsage, error) {
	var esimResp struct {
		Status   string `json:"status"`
		DataUsed int64  `json:"dataUsed"`
	}
	if err := s.do(ctx, http.MethodGet, "/esims/"+iccid, nil, &esimResp); err != nil {
		return nil, err
	}

	var bundlesResp struct {
		Bundles []struct {
			Name     string `json:"name"`
			DataUsed int64  `json:"dataUsed"`
		} `json:"bundles"`
	}
	if err := s.do(ctx, http.MethodGet, "/esims/"+iccid+"/bundles", nil, &bundlesResp); err != nil {
		return nil, err
	}

	started := false
	for _, b := range bundlesResp.Bundles {
		if b.DataUsed > 0 {
			started = true
			break
		}
	}

	return &EsimUsage{
		ICCID:         iccid,
		Status:        esimResp.Status,
		DataUsedBytes: esimResp.DataUsed,
		DataUsedMB:    float64(esimResp.DataUsed) / (1024 * 1024),
		BundleStarted: started,
		Eligible:      esimResp.DataUsed == 0 && !started,
	}, nil
}

// RevokeBundle removes a bundle from an eSIM, returning it to inventory.
func (s *EsimService) RevokeBundle(ctx context.Context, iccid, bundleName string) error {
	return withRetry(ctx, 2, time.Second, 5*time.Second, func() error {
		err := s.do(ctx, http.MethodDelete, "/esims/"+iccid+"/bundles/"+url.PathEscape(bundleName), nil, nil)
		if err == nil {
			slog.Info("bundle revoked", "iccid", iccid, "bundle", bundleName)
		}
		return err
	})
}

// FindInventoryUsage locates the inventory handle of a revoked bundle.
func (s *EsimService) FindInventoryUsage(ctx context.Context, bundleName string) (string, error) {
	var invResp struct {
		Inventory []struct {
			Bundle   string `json:"bundle"`
			Quantity int    `json:"quantity"`
			UsageID  string `json:"usageId"`
		} `json:"inventory"`
	}
	if err := s.do(ctx, http.MethodGet, "/inventory?bundle="+url.QueryEscape(bundleName), nil, &invResp); err != nil {
		return "", err
	}
	for _, item := range invResp.Inventory {
		if item.Bundle == bundleName && item.Quantity > 0 {
			return item.UsageID, nil
		}
	}
	return "", ErrInventoryNotFound
}

// CreditInventory refunds a revoked bundle back to the organization balance.
func (s *EsimService) CreditInventory(ctx context.Context, usageID string, quantity int) error {
	return withRetry(ctx, 2, time.Second, 5*time.Second, func() error {
		body := map[string]any{
			"usageId":  usageID,
			"quantity": quantity,
		}
		err := s.do(ctx, http.MethodPost, "/inventory/refund", body, nil)
		if err == nil {
			slog.Info("bundle credited to balance", "usage_id", usageID, "quantity", quantity)
		}
		return err
	})
}

func (s *EsimService) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return transient(fmt.Errorf("esim provider request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return transient(fmt.Errorf("esim provider returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("esim provider rejected request: %s", apiErr.Message)
		}
		return fmt.Errorf("esim provider returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding esim provider response: %w", err)
		}
	}
	return nil
}
