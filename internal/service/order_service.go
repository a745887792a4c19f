package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"esim-fulfillment-service/internal/dto"
	"esim-fulfillment-service/internal/model"
	"esim-fulfillment-service/internal/repository"
)

// Interfaces implemented by repository and gateway clients.
type OrderRepository interface {
	Create(ctx context.Context, o *model.Order) error
	FindByID(ctx context.Context, id string) (*model.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (*model.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Order, error)
	FindLatestPaidByEmail(ctx context.Context, email string) (*model.Order, error)
	MarkPaid(ctx context.Context, id, paymentIntentID string, paidAt time.Time) error
	UpdateEsimStatus(ctx context.Context, id string, from, to model.EsimStatus) error
	SetEsimProvisioned(ctx context.Context, id string, rec model.EsimRecord) error
	MarkDelivered(ctx context.Context, id, channel string) error
	MarkEsimFailed(ctx context.Context, id string) error
	MarkRefunded(ctx context.Context, id, notes string) error
}

type EsimProvider interface {
	Issue(ctx context.Context, bundleName, orderRef string) (*EsimIssueResult, error)
	Usage(ctx context.Context, iccid string) (*EsimUsage, error)
	RevokeBundle(ctx context.Context, iccid, bundleName string) error
	FindInventoryUsage(ctx context.Context, bundleName string) (string, error)
	CreditInventory(ctx context.Context, usageID string, quantity int) error
}

type PaymentGateway interface {
	CreateRefund(ctx context.Context, paymentIntentID, reason string) (string, error)
}

type Deliverer interface {
	DeliverQRCode(ctx context.Context, req DeliveryRequest) *dto.DeliveryResult
	Resend(ctx context.Context, channel string, req DeliveryRequest) (*dto.DeliveryResult, error)
	SendRefundNotification(ctx context.Context, n RefundNotice) error
}

// OrderService drives fulfillment and refund for paid orders.
type OrderService struct {
	repo        OrderRepository
	esim        EsimProvider
	stripe      PaymentGateway
	delivery    Deliverer
	notify      Notifier
	locks       orderLocks
	deliverySLA time.Duration
	retryDelay  time.Duration
	retries     *taskScheduler
}

func NewOrderService(repo OrderRepository, esim EsimProvider, stripe PaymentGateway, delivery Deliverer, notify Notifier, deliverySLA, retryDelay time.Duration) *OrderService {
	return &OrderService{
		repo:        repo,
		esim:        esim,
		stripe:      stripe,
		delivery:    delivery,
		notify:      notify,
		deliverySLA: deliverySLA,
		retryDelay:  retryDelay,
		retries:     newTaskScheduler(),
	}
}

// Close cancels any pending delivery retries and waits for in-flight ones.
func (s *OrderService) Close() {
	s.retries.stop()
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.repo.FindByID(ctx, id)
}

// CreateOrder seeds a pending order from a completed checkout. Replayed
// checkout events are a no-op.
func (s *OrderService) CreateOrder(ctx context.Context, order *model.Order) error {
	now := time.Now().UTC()
	order.Status = model.OrderPending
	order.Esim.Status = model.EsimPending
	order.CreatedAt = now
	order.UpdatedAt = now

	err := s.repo.Create(ctx, order)
	if errors.Is(err, repository.ErrAlreadyExists) {
		slog.Info("order already exists, skipping", "order_id", order.ID)
		return nil
	}
	return err
}

// HandlePaymentSucceeded marks the order paid and runs fulfillment. Invoked
// from the webhook intake after signature verification and event dedup.
func (s *OrderService) HandlePaymentSucceeded(ctx context.Context, pi dto.PaymentIntentObject) (*dto.ProcessingResult, error) {
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		order, err := s.repo.FindByPaymentIntent(ctx, pi.ID)
		if err != nil {
			return nil, fmt.Errorf("resolving order for payment intent %s: %w", pi.ID, err)
		}
		orderID = order.ID
	}

	err := s.repo.MarkPaid(ctx, orderID, pi.ID, time.Now().UTC())
	switch {
	case errors.Is(err, repository.ErrConflict):
		// Webhook retry or duplicate event: the order is already paid.
		// Fulfillment below is idempotent, so re-driving is safe.
		slog.Info("order already marked paid", "order_id", orderID)
	case err != nil:
		return nil, err
	}

	return s.Fulfill(ctx, orderID)
}

// Fulfill provisions the eSIM and delivers its activation material. Expected
// provider failures never surface as errors: the result carries what was
// achieved and what went wrong. Only infrastructure faults propagate.
func (s *OrderService) Fulfill(ctx context.Context, orderID string) (*dto.ProcessingResult, error) {
	unlock := s.locks.lock(orderID)
	defer unlock()

	start := time.Now()

	order, err := s.repo.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return &dto.ProcessingResult{
			OrderID: orderID,
			Status:  "failed",
			Errors:  []string{"order not found"},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &dto.ProcessingResult{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      "processing",
	}

	// The SLA clock starts at payment confirmation.
	if order.PaidAt != nil {
		start = *order.PaidAt
	}

	switch order.Esim.Status {
	case model.EsimPending:
		provisioned, err := s.provision(ctx, order, result)
		if err != nil {
			return nil, err
		}
		if !provisioned {
			return result, nil
		}
		// Re-read so delivery sees the stored activation material.
		order, err = s.repo.FindByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		result.Provisioned = true

	case model.EsimOrdered:
		// Earlier run provisioned but never delivered; re-drive delivery.
		result.Provisioned = true

	case model.EsimDelivered, model.EsimActivated:
		result.Provisioned = true
		result.Delivered = true
		result.Channel = order.Esim.Channel
		result.Status = "completed"
		result.ElapsedMS = time.Since(start).Milliseconds()
		return result, nil

	case model.EsimOrdering:
		result.Status = "processing"
		result.Errors = append(result.Errors, "fulfillment already in progress")
		return result, nil

	default: // failed
		result.Status = "failed"
		result.Errors = append(result.Errors, "previous provisioning attempt failed")
		return result, nil
	}

	if err := s.deliver(ctx, order, result); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	result.ElapsedMS = elapsed.Milliseconds()
	if elapsed > s.deliverySLA {
		s.notify.AlertSLABreach(ctx, "qr_delivery", order.ID, elapsed, s.deliverySLA)
	}

	if result.Delivered {
		result.Status = "completed"
	} else {
		result.Status = "partial"
	}

	slog.Info("order fulfillment finished",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"status", result.Status,
		"elapsed_ms", result.ElapsedMS,
	)
	return result, nil
}

// provision moves the eSIM through ordering -> ordered. Returns false when
// provisioning cannot proceed; the reason is recorded on the result.
func (s *OrderService) provision(ctx context.Context, order *model.Order, result *dto.ProcessingResult) (bool, error) {
	err := s.repo.UpdateEsimStatus(ctx, order.ID, model.EsimPending, model.EsimOrdering)
	if errors.Is(err, repository.ErrConflict) {
		result.Errors = append(result.Errors, "fulfillment already in progress")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	issued, err := s.esim.Issue(ctx, order.BundleName, order.OrderNumber)
	if err != nil {
		slog.Error("esim provisioning failed", "order_id", order.ID, "bundle", order.BundleName, "error", err)
		if ferr := s.repo.MarkEsimFailed(ctx, order.ID); ferr != nil {
			return false, ferr
		}
		s.notify.AlertProvisioningFailure(ctx, order.ID, order.OrderNumber, order.DestinationName, "esim_go", err.Error())
		result.Status = "failed"
		result.Errors = append(result.Errors, err.Error())
		return false, nil
	}

	rec := model.EsimRecord{
		ICCID:       issued.ICCID,
		SMDPAddress: issued.SMDPAddress,
		MatchingID:  issued.MatchingID,
		QRCodeData:  issued.QRCodeData,
		OrderRef:    issued.OrderRef,
	}
	if err := s.repo.SetEsimProvisioned(ctx, order.ID, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *OrderService) deliver(ctx context.Context, order *model.Order, result *dto.ProcessingResult) error {
	dres := s.delivery.DeliverQRCode(ctx, s.deliveryRequestFor(order))

	if dres.Success {
		if err := s.repo.MarkDelivered(ctx, order.ID, dres.Channel); err != nil {
			return err
		}
		result.Delivered = true
		result.Channel = dres.Channel
		return nil
	}

	result.Errors = append(result.Errors, "delivery failed")
	s.notify.AlertDeliveryFailure(ctx, order.ID, order.OrderNumber, order.CustomerEmail, dres.Attempts)
	s.scheduleDeliveryRetry(order.ID)
	return nil
}

// scheduleDeliveryRetry arms one delayed re-send after a failed delivery.
// The retry fires once and does not reschedule itself; the operator alert
// covers repeated failure.
func (s *OrderService) scheduleDeliveryRetry(orderID string) {
	if s.retryDelay <= 0 {
		return
	}
	s.retries.schedule("delivery_retry_"+orderID, s.retryDelay, func() {
		s.retryDelivery(orderID)
	})
	slog.Info("delivery retry scheduled", "order_id", orderID, "due_in", s.retryDelay)
}

func (s *OrderService) retryDelivery(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	unlock := s.locks.lock(orderID)
	defer unlock()

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		slog.Error("delivery retry could not load order", "order_id", orderID, "error", err)
		return
	}
	// Only undelivered material is re-sent; a refund or a manual resend may
	// have landed in the meantime.
	if order.Esim.Status != model.EsimOrdered || order.Esim.QRCodeData == "" || order.Status != model.OrderPaid {
		return
	}

	dres := s.delivery.DeliverQRCode(ctx, s.deliveryRequestFor(order))
	if !dres.Success {
		slog.Warn("delivery retry failed", "order_id", orderID, "attempts", len(dres.Attempts))
		return
	}
	if err := s.repo.MarkDelivered(ctx, orderID, dres.Channel); err != nil {
		slog.Error("delivery retry could not mark delivered", "order_id", orderID, "error", err)
		return
	}
	slog.Info("delivery retry succeeded", "order_id", orderID, "channel", dres.Channel)
}

// ResendQR pushes the stored activation material again through the requested
// channel. Support operation for orders stuck in ordered or delivered.
func (s *OrderService) ResendQR(ctx context.Context, orderID, channel string) (*dto.DeliveryResult, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Esim.QRCodeData == "" {
		return nil, ErrNoActivationMaterial
	}

	dres, err := s.delivery.Resend(ctx, channel, s.deliveryRequestFor(order))
	if err != nil {
		return nil, err
	}
	if dres.Success && order.Esim.Status == model.EsimOrdered {
		if err := s.repo.MarkDelivered(ctx, order.ID, dres.Channel); err != nil {
			return nil, err
		}
	}
	return dres, nil
}

func (s *OrderService) deliveryRequestFor(order *model.Order) DeliveryRequest {
	return DeliveryRequest{
		Email:          order.CustomerEmail,
		Phone:          order.CustomerPhone,
		Name:           order.CustomerName,
		OrderNumber:    order.OrderNumber,
		Destination:    order.DestinationName,
		PlanName:       order.PlanName,
		DurationDays:   order.DurationDays,
		QRCodeData:     order.Esim.QRCodeData,
		ActivationCode: order.Esim.MatchingID,
		SMDPAddress:    order.Esim.SMDPAddress,
	}
}
