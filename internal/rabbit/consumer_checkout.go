package rabbit

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"esim-fulfillment-service/internal/model"
	"esim-fulfillment-service/internal/service"

	"github.com/google/uuid"
)

type CheckoutConsumer struct {
	Service *service.OrderService
}

func NewCheckoutConsumer(s *service.OrderService) *CheckoutConsumer {
	return &CheckoutConsumer{Service: s}
}

// CheckoutCompletedMessage is the envelope the checkout service publishes
// when a Stripe Checkout session completes.
type CheckoutCompletedMessage struct {
	CorrelationID string `json:"correlation_id"`
	Exchange      string `json:"exchange"`
	RoutingKey    string `json:"routing_key"`
	Message       struct {
		OrderID         string `json:"orderId"`
		OrderNumber     string `json:"orderNumber"`
		CustomerEmail   string `json:"customerEmail"`
		CustomerName    string `json:"customerName"`
		CustomerPhone   string `json:"customerPhone"`
		DestinationName string `json:"destinationName"`
		PlanName        string `json:"planName"`
		DurationDays    int    `json:"durationDays"`
		BundleName      string `json:"bundleName"`
		AmountCents     int64  `json:"amountCents"`
		Currency        string `json:"currency"`
		SessionID       string `json:"sessionId"`
		Locale          string `json:"locale"`
	} `json:"message"`
}

func (c *CheckoutConsumer) Handle(msg []byte) error {

	log.Println("[Rabbit] event received: order_placed")

	var event CheckoutCompletedMessage
	if err := json.Unmarshal(msg, &event); err != nil {
		log.Println("error parsing message:", err)
		return err
	}

	m := event.Message
	if m.OrderID == "" {
		m.OrderID = uuid.NewString()
	}

	order := &model.Order{
		ID:              m.OrderID,
		OrderNumber:     m.OrderNumber,
		CustomerEmail:   strings.ToLower(m.CustomerEmail),
		CustomerName:    m.CustomerName,
		CustomerPhone:   m.CustomerPhone,
		DestinationName: m.DestinationName,
		PlanName:        m.PlanName,
		DurationDays:    m.DurationDays,
		BundleName:      m.BundleName,
		AmountCents:     m.AmountCents,
		Currency:        m.Currency,
		StripeSessionID: m.SessionID,
		Locale:          m.Locale,
	}

	if err := c.Service.CreateOrder(context.Background(), order); err != nil {
		log.Println("error creating pending order:", err)
		return err
	}

	log.Println("pending order created:", m.OrderID)
	return nil
}
