package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esim-fulfillment-service/internal/model"
)

func waitForBreach(t *testing.T, n *fakeNotifier, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.breaches()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d guarantee breach alerts, got %d", want, len(n.breaches()))
}

func TestGuaranteeBreachAlertsOperators(t *testing.T) {
	o := paidOrder() // delivered but never activated
	repo := newFakeRepo(o)
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)
	defer g.Stop()

	g.ScheduleAfter("ord_1", 10*time.Millisecond)
	waitForBreach(t, notifier, 1)
	assert.Equal(t, []string{"ord_1"}, notifier.breaches())
}

func TestGuaranteeNoAlertWhenActivated(t *testing.T) {
	o := paidOrder()
	o.Esim.Status = model.EsimActivated
	repo := newFakeRepo(o)
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)

	g.ScheduleAfter("ord_1", 10*time.Millisecond)
	g.Stop() // waits for the in-flight check
	assert.Empty(t, notifier.breaches())
}

func TestGuaranteeNoAlertWhenRefunded(t *testing.T) {
	o := paidOrder()
	o.Status = model.OrderRefunded
	repo := newFakeRepo(o)
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)

	g.ScheduleAfter("ord_1", 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	g.Stop()
	assert.Empty(t, notifier.breaches())
}

func TestGuaranteeCancel(t *testing.T) {
	repo := newFakeRepo(paidOrder())
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)
	defer g.Stop()

	g.Schedule("ord_1")
	require.True(t, g.Cancel("ord_1"))
	assert.False(t, g.Cancel("ord_1"))
	assert.Empty(t, notifier.breaches())
}

func TestGuaranteeRescheduleReplaces(t *testing.T) {
	repo := newFakeRepo(paidOrder())
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)
	defer g.Stop()

	g.Schedule("ord_1") // an hour out
	g.ScheduleAfter("ord_1", 10*time.Millisecond)
	waitForBreach(t, notifier, 1)

	// the replaced timer must not fire a second alert
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, notifier.breaches(), 1)
}

func TestGuaranteeStopReturnsAfterReschedule(t *testing.T) {
	repo := newFakeRepo(paidOrder())
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)

	g.Schedule("ord_1")
	g.ScheduleAfter("ord_1", 10*time.Millisecond)
	waitForBreach(t, notifier, 1)

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after a reschedule")
	}
}

func TestGuaranteeNoAlertForClosedOrder(t *testing.T) {
	o := paidOrder()
	o.Status = model.OrderDisputed
	repo := newFakeRepo(o)
	notifier := &fakeNotifier{}
	g := NewGuaranteeMonitor(repo, notifier, time.Hour)

	g.ScheduleAfter("ord_1", 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	g.Stop()
	assert.Empty(t, notifier.breaches())
}
