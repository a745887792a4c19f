package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"esim-fulfillment-service/internal/dto"
	"esim-fulfillment-service/internal/model"
	"esim-fulfillment-service/internal/repository"
)

// Refund runs the compensating saga for a paid order:
//
//	eligibility check -> bundle revoke -> inventory credit -> payment
//	reversal -> commit -> customer notification
//
// Every attempted step is appended to the audit trail whether it succeeded or
// not. Revocation and inventory credit are best-effort and never abort the
// saga; a payment reversal failure is terminal and leaves the order
// unmodified. Terminal business outcomes come back as a RefundErrorResponse;
// the error return is reserved for infrastructure faults.
func (s *OrderService) Refund(ctx context.Context, req dto.RefundRequest) (*dto.RefundResponse, *dto.RefundErrorResponse, error) {
	now := time.Now().UTC()

	order, errResp, err := s.resolveOrder(ctx, req, now)
	if errResp != nil || err != nil {
		return nil, errResp, err
	}

	unlock := s.locks.lock(order.ID)
	defer unlock()

	// Re-read under the lock: a concurrent refund may have committed while
	// we were resolving.
	order, err = s.repo.FindByID(ctx, order.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.refundError(req, nil, nil, dto.ErrCodeOrderNotFound, "Order not found.", now), nil
	}
	if err != nil {
		return nil, nil, err
	}

	if order.Status == model.OrderRefunded {
		return nil, s.refundError(req, order, nil, dto.ErrCodeAlreadyRefunded,
			"This order has already been refunded.", now), nil
	}
	if order.StripePaymentIntent == "" {
		return nil, s.refundError(req, order, nil, dto.ErrCodeNoPaymentIntent,
			"No payment record found for this order. Cannot process refund.", now), nil
	}

	var steps []dto.RefundStep
	bundleRevoked := false
	bundleRefunded := false

	if order.Esim.ICCID != "" {
		denial := s.checkEligibility(ctx, order, req.Force, &steps)
		if denial != nil {
			denial.Timestamp = now
			return nil, denial, nil
		}
		bundleRevoked, bundleRefunded = s.recoverBundle(ctx, order, &steps)
	} else {
		steps = append(steps, dto.RefundStep{
			Step:    dto.StepEligibilityCheck,
			Success: true,
			Message: "No eSIM provisioned - eligible for refund",
		})
	}

	refundID, alreadyRefunded, errResp := s.reversePayment(ctx, order, &steps)
	if errResp != nil {
		errResp.Timestamp = now
		return nil, errResp, nil
	}

	// Commit. Only a successful (or already-reversed) payment step gets here.
	notes := order.Notes
	reason := req.Reason
	if reason == "" {
		reason = "customer_request"
	}
	notes += "\nRefund processed: " + reason
	if alreadyRefunded {
		notes += " (Stripe: already refunded)"
	}
	err = s.repo.MarkRefunded(ctx, order.ID, strings.TrimLeft(notes, "\n"))
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.refundError(req, order, steps, dto.ErrCodeAlreadyRefunded,
			"This order has already been refunded.", now), nil
	}
	if err != nil {
		return nil, nil, err
	}

	s.notifyRefund(ctx, order, reason, &steps)

	slog.Info("refund processed",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"amount_cents", order.AmountCents,
		"bundle_revoked", bundleRevoked,
		"bundle_refunded", bundleRefunded,
		"stripe_refund_id", refundID,
		"already_refunded_in_stripe", alreadyRefunded,
	)

	message := fmt.Sprintf("Full refund processed: %.2f %s refunded to customer",
		float64(order.AmountCents)/100, order.Currency)
	if alreadyRefunded {
		message = fmt.Sprintf("Order confirmed refunded: %.2f %s (payment was already refunded in Stripe)",
			float64(order.AmountCents)/100, order.Currency)
	}

	return &dto.RefundResponse{
		Success:             true,
		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		CustomerEmail:       order.CustomerEmail,
		DestinationName:     order.DestinationName,
		PlanName:            order.PlanName,
		AmountRefundedCents: order.AmountCents,
		Currency:            order.Currency,
		StripeRefundID:      refundID,
		BundleRevoked:       bundleRevoked,
		BundleRefunded:      bundleRefunded,
		Steps:               steps,
		Message:             message,
		Timestamp:           now,
	}, nil, nil
}

// resolveOrder finds the order by id, order number, or the customer's most
// recent paid order.
func (s *OrderService) resolveOrder(ctx context.Context, req dto.RefundRequest, now time.Time) (*model.Order, *dto.RefundErrorResponse, error) {
	var (
		order *model.Order
		err   error
	)
	switch {
	case req.OrderID != "":
		order, err = s.repo.FindByID(ctx, req.OrderID)
	case req.OrderNumber != "":
		order, err = s.repo.FindByOrderNumber(ctx, req.OrderNumber)
	case req.CustomerEmail != "":
		order, err = s.repo.FindLatestPaidByEmail(ctx, strings.ToLower(req.CustomerEmail))
	default:
		err = repository.ErrNotFound
	}

	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.refundError(req, nil, nil, dto.ErrCodeOrderNotFound,
			"Order not found. Provide a valid orderId, orderNumber, or customerEmail.", now), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return order, nil, nil
}

// checkEligibility queries usage and denies the refund for activated eSIMs
// unless forced. A failed usage check records the error and proceeds.
func (s *OrderService) checkEligibility(ctx context.Context, order *model.Order, force bool, steps *[]dto.RefundStep) *dto.RefundErrorResponse {
	usage, err := s.esim.Usage(ctx, order.Esim.ICCID)
	if err != nil {
		slog.Warn("esim usage check failed", "order_id", order.ID, "iccid", order.Esim.ICCID, "error", err)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepEligibilityCheck,
			Success: true, // proceed if we cannot check
			Message: fmt.Sprintf("Could not verify eSIM status: %v. Proceeding with refund.", err),
			Error:   err.Error(),
		})
		return nil
	}

	message := "eSIM not activated"
	if !usage.Eligible {
		message = fmt.Sprintf("eSIM used %.2f MB", usage.DataUsedMB)
	}
	*steps = append(*steps, dto.RefundStep{
		Step:    dto.StepEligibilityCheck,
		Success: usage.Eligible || force,
		Message: message,
		Details: map[string]any{
			"data_used_mb":   usage.DataUsedMB,
			"eligible":       usage.Eligible,
			"force_override": force,
		},
	})

	if !usage.Eligible && !force {
		return &dto.RefundErrorResponse{
			Success: false,
			Error: fmt.Sprintf(
				"eSIM has been activated and used %.2f MB of data. Refunds are only available for unused eSIMs.",
				usage.DataUsedMB),
			ErrorCode:     dto.ErrCodeEsimActivated,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			CustomerEmail: order.CustomerEmail,
			DataUsedMB:    usage.DataUsedMB,
			Steps:         *steps,
		}
	}
	return nil
}

// recoverBundle revokes the bundle and credits it back to inventory. Both
// steps are best-effort: failures are recorded and the saga continues.
func (s *OrderService) recoverBundle(ctx context.Context, order *model.Order, steps *[]dto.RefundStep) (revoked, refunded bool) {
	if order.BundleName == "" {
		return false, false
	}

	if err := s.esim.RevokeBundle(ctx, order.Esim.ICCID, order.BundleName); err != nil {
		slog.Warn("bundle revoke failed", "order_id", order.ID, "iccid", order.Esim.ICCID, "bundle", order.BundleName, "error", err)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepBundleRevoke,
			Success: false,
			Message: "Could not revoke bundle",
			Error:   err.Error(),
		})
		return false, false
	}
	*steps = append(*steps, dto.RefundStep{
		Step:    dto.StepBundleRevoke,
		Success: true,
		Message: "Bundle revoked and returned to inventory",
		Details: map[string]any{"iccid": order.Esim.ICCID, "bundle": order.BundleName},
	})

	usageID, err := s.esim.FindInventoryUsage(ctx, order.BundleName)
	if err != nil {
		slog.Warn("inventory lookup failed", "order_id", order.ID, "bundle", order.BundleName, "error", err)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepBundleRefund,
			Success: false,
			Message: "Could not find bundle in inventory for refund",
			Error:   err.Error(),
		})
		return true, false
	}

	if err := s.esim.CreditInventory(ctx, usageID, 1); err != nil {
		slog.Warn("inventory credit failed", "order_id", order.ID, "usage_id", usageID, "error", err)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepBundleRefund,
			Success: false,
			Message: "Bundle refund failed",
			Error:   err.Error(),
		})
		return true, false
	}
	*steps = append(*steps, dto.RefundStep{
		Step:    dto.StepBundleRefund,
		Success: true,
		Message: "Bundle refunded to balance",
		Details: map[string]any{"usage_id": usageID},
	})
	return true, true
}

// reversePayment reverses the charge. A gateway-reported "already refunded"
// counts as success; any other gateway error is terminal.
func (s *OrderService) reversePayment(ctx context.Context, order *model.Order, steps *[]dto.RefundStep) (refundID string, alreadyRefunded bool, errResp *dto.RefundErrorResponse) {
	refundID, err := s.stripe.CreateRefund(ctx, order.StripePaymentIntent, "requested_by_customer")
	if errors.Is(err, ErrChargeAlreadyRefunded) {
		slog.Info("stripe charge already refunded", "order_id", order.ID, "payment_intent", order.StripePaymentIntent)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepStripeRefund,
			Success: true,
			Message: "Payment was already refunded in Stripe",
			Details: map[string]any{"already_refunded": true},
		})
		return "", true, nil
	}
	if err != nil {
		slog.Error("stripe refund failed", "order_id", order.ID, "error", err)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepStripeRefund,
			Success: false,
			Message: "Stripe refund failed",
			Error:   err.Error(),
		})
		return "", false, &dto.RefundErrorResponse{
			Success:       false,
			Error:         fmt.Sprintf("Failed to process Stripe refund: %v", err),
			ErrorCode:     dto.ErrCodeRefundFailed,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			CustomerEmail: order.CustomerEmail,
			Steps:         *steps,
		}
	}

	*steps = append(*steps, dto.RefundStep{
		Step:    dto.StepStripeRefund,
		Success: true,
		Message: fmt.Sprintf("Payment refunded: %s %.2f", order.Currency, float64(order.AmountCents)/100),
		Details: map[string]any{"refund_id": refundID, "amount_cents": order.AmountCents},
	})
	return refundID, false, nil
}

// notifyRefund sends the confirmation email. Failure never reverts the
// committed refund.
func (s *OrderService) notifyRefund(ctx context.Context, order *model.Order, reason string, steps *[]dto.RefundStep) {
	err := s.delivery.SendRefundNotification(ctx, RefundNotice{
		Email:       order.CustomerEmail,
		Name:        order.CustomerName,
		OrderNumber: order.OrderNumber,
		Destination: order.DestinationName,
		AmountCents: order.AmountCents,
		Currency:    order.Currency,
		Reason:      reason,
	})
	if err != nil {
		slog.Warn("refund confirmation email failed", "order_id", order.ID, "error", err)
		*steps = append(*steps, dto.RefundStep{
			Step:    dto.StepEmailNotification,
			Success: false,
			Message: "Could not send confirmation email",
			Error:   err.Error(),
		})
		return
	}
	*steps = append(*steps, dto.RefundStep{
		Step:    dto.StepEmailNotification,
		Success: true,
		Message: "Confirmation sent to " + order.CustomerEmail,
	})
}

func (s *OrderService) refundError(req dto.RefundRequest, order *model.Order, steps []dto.RefundStep, code, msg string, now time.Time) *dto.RefundErrorResponse {
	resp := &dto.RefundErrorResponse{
		Success:       false,
		Error:         msg,
		ErrorCode:     code,
		OrderID:       req.OrderID,
		OrderNumber:   req.OrderNumber,
		CustomerEmail: req.CustomerEmail,
		Steps:         steps,
		Timestamp:     now,
	}
	if order != nil {
		resp.OrderID = order.ID
		resp.OrderNumber = order.OrderNumber
		resp.CustomerEmail = order.CustomerEmail
	}
	return resp
}
