package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"esim-fulfillment-service/internal/config"
	"esim-fulfillment-service/internal/dto"
	"esim-fulfillment-service/internal/model"
)

// Notifier is the operator alert channel. Implementations are fire-and-forget:
// a failed alert is logged, never propagated.
type Notifier interface {
	AlertDeliveryFailure(ctx context.Context, orderID, orderNumber, customerEmail string, attempts []dto.DeliveryAttempt)
	AlertProvisioningFailure(ctx context.Context, orderID, orderNumber, destination, provider, errMsg string)
	AlertSLABreach(ctx context.Context, slaType, orderID string, elapsed, threshold time.Duration)
	AlertGuaranteeBreach(ctx context.Context, orderID, orderNumber string, esimStatus model.EsimStatus)
}

// NotificationService posts operator alerts to a Telegram chat.
type NotificationService struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewNotificationService(cfg *config.Config) *NotificationService {
	return &NotificationService{
		botToken: cfg.TelegramBotToken,
		chatID:   cfg.TelegramAlertsChatID,
		baseURL:  "https://api.telegram.org",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *NotificationService) AlertDeliveryFailure(ctx context.Context, orderID, orderNumber, customerEmail string, attempts []dto.DeliveryAttempt) {
	var lines []string
	for _, a := range attempts {
		detail := a.Error
		if detail == "" {
			detail = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", a.Channel, detail))
	}
	n.alert(ctx, "QR Delivery Failed - All Channels", fmt.Sprintf(
		"Order: <code>%s</code>\nCustomer: %s\n\nErrors:\n%s\n\nManual intervention required",
		orderNumber, customerEmail, strings.Join(lines, "\n"),
	), orderID)
}

func (n *NotificationService) AlertProvisioningFailure(ctx context.Context, orderID, orderNumber, destination, provider, errMsg string) {
	n.alert(ctx, "eSIM Provisioning Failed", fmt.Sprintf(
		"Order: <code>%s</code>\nDestination: %s\nProvider: %s\nError: %s",
		orderNumber, destination, provider, truncate(errMsg, 500),
	), orderID)
}

func (n *NotificationService) AlertSLABreach(ctx context.Context, slaType, orderID string, elapsed, threshold time.Duration) {
	n.alert(ctx, "SLA Breach: "+slaType, fmt.Sprintf(
		"Threshold: %s\nElapsed: %s\nOverage: %s",
		threshold, elapsed.Round(time.Millisecond), (elapsed - threshold).Round(time.Millisecond),
	), orderID)
}

func (n *NotificationService) AlertGuaranteeBreach(ctx context.Context, orderID, orderNumber string, esimStatus model.EsimStatus) {
	n.alert(ctx, "Guarantee Check Alert", fmt.Sprintf(
		"Order %s not activated within the guarantee window.\neSIM status: %s\nCustomer may need assistance.",
		orderNumber, esimStatus,
	), orderID)
}

func (n *NotificationService) alert(ctx context.Context, title, message, orderID string) {
	if n.botToken == "" || n.chatID == "" {
		slog.Warn("telegram not configured, dropping alert", "title", title)
		return
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", title, message)
	if orderID != "" {
		text += fmt.Sprintf("\n\nOrder ID: <code>%s</code>", orderID)
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		slog.Error("telegram payload encoding failed", "error", err)
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		slog.Error("telegram request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Error("telegram send failed", "title", title, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Error("telegram send rejected", "title", title, "status", resp.StatusCode)
		return
	}
	slog.Info("alert sent", "title", title, "order_id", orderID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
