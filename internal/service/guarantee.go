package service

import (
	"context"
	"log/slog"
	"time"

	"esim-fulfillment-service/internal/model"
)

// GuaranteeMonitor schedules a single-fire delayed check per order that
// verifies the eSIM was activated within the guarantee window. Scheduled
// checks live in process memory only: a restart loses them. A durable
// delayed-job store would close that gap.
type GuaranteeMonitor struct {
	repo   OrderRepository
	notify Notifier
	delay  time.Duration
	tasks  *taskScheduler
}

func NewGuaranteeMonitor(repo OrderRepository, notify Notifier, delay time.Duration) *GuaranteeMonitor {
	return &GuaranteeMonitor{
		repo:   repo,
		notify: notify,
		delay:  delay,
		tasks:  newTaskScheduler(),
	}
}

// Schedule arms the check for an order using the configured delay.
// Re-scheduling replaces any outstanding check for the same order.
func (g *GuaranteeMonitor) Schedule(orderID string) {
	g.ScheduleAfter(orderID, g.delay)
}

func (g *GuaranteeMonitor) ScheduleAfter(orderID string, delay time.Duration) {
	g.tasks.schedule(orderID, delay, func() { g.check(orderID) })
	slog.Info("guarantee check scheduled", "order_id", orderID, "due_in", delay)
}

// Cancel removes the outstanding check if present. No-op when absent.
func (g *GuaranteeMonitor) Cancel(orderID string) bool {
	if !g.tasks.cancel(orderID) {
		return false
	}
	slog.Info("guarantee check cancelled", "order_id", orderID)
	return true
}

// Stop cancels all outstanding checks and waits for in-flight ones.
func (g *GuaranteeMonitor) Stop() {
	g.tasks.stop()
}

func (g *GuaranteeMonitor) check(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	order, err := g.repo.FindByID(ctx, orderID)
	if err != nil {
		slog.Error("guarantee check could not load order", "order_id", orderID, "error", err)
		return
	}

	// Guarantee satisfied or moot: nothing to do.
	if order.Esim.Status == model.EsimActivated {
		slog.Info("guarantee check: already activated", "order_id", orderID)
		return
	}
	if order.Status.IsFinal() {
		slog.Info("guarantee check: order closed", "order_id", orderID, "status", order.Status)
		return
	}

	// Deliberate manual-escalation point: alert the operators, do not
	// auto-refund.
	slog.Warn("guarantee window elapsed without activation",
		"order_id", orderID,
		"order_number", order.OrderNumber,
		"esim_status", order.Esim.Status,
	)
	g.notify.AlertGuaranteeBreach(ctx, order.ID, order.OrderNumber, order.Esim.Status)
}
