package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esim-fulfillment-service/internal/dto"
	"esim-fulfillment-service/internal/model"
	"esim-fulfillment-service/internal/repository"
	"esim-fulfillment-service/internal/service"
)

type fakeVerifier struct {
	event *dto.StripeEvent
	err   error
}

func (f *fakeVerifier) VerifySignature(payload []byte, header string) (*dto.StripeEvent, error) {
	return f.event, f.err
}

type fakeEvents struct {
	first bool
	err   error
	calls int
}

func (f *fakeEvents) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	f.calls++
	return f.first, f.err
}

type fakeProcessor struct {
	handled chan dto.PaymentIntentObject
	result  *dto.ProcessingResult

	refundResp    *dto.RefundResponse
	refundErrResp *dto.RefundErrorResponse
	refundErr     error

	order    *model.Order
	orderErr error

	resendResult *dto.DeliveryResult
	resendErr    error
}

func (f *fakeProcessor) HandlePaymentSucceeded(ctx context.Context, pi dto.PaymentIntentObject) (*dto.ProcessingResult, error) {
	if f.handled != nil {
		f.handled <- pi
	}
	return f.result, nil
}

func (f *fakeProcessor) Refund(ctx context.Context, req dto.RefundRequest) (*dto.RefundResponse, *dto.RefundErrorResponse, error) {
	return f.refundResp, f.refundErrResp, f.refundErr
}

func (f *fakeProcessor) ResendQR(ctx context.Context, orderID, channel string) (*dto.DeliveryResult, error) {
	return f.resendResult, f.resendErr
}

func (f *fakeProcessor) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return f.order, f.orderErr
}

type fakeGuarantee struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (f *fakeGuarantee) Schedule(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, orderID)
}

func (f *fakeGuarantee) Cancel(orderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return true
}

func (f *fakeGuarantee) scheduledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

func newTestRouter(ctl *OrderController, perms ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/stripe", ctl.StripeWebhook)
	r.GET("/health", ctl.Health)

	auth := r.Group("/")
	auth.Use(func(c *gin.Context) {
		c.Set("userPermissions", perms)
		c.Next()
	})
	auth.GET("/orders/:orderId", ctl.GetOrder)
	auth.POST("/orders/:orderId/resend", ctl.ResendQR)
	auth.POST("/refunds", ctl.Refund)
	return r
}

func stripeEvent(eventType string, object string) *dto.StripeEvent {
	ev := &dto.StripeEvent{ID: "evt_1", Type: eventType}
	ev.Data.Object = json.RawMessage(object)
	return ev
}

func postWebhook(r *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	ctl := NewOrderController(&fakeProcessor{}, &fakeVerifier{err: service.ErrInvalidSignature}, &fakeEvents{first: true}, &fakeGuarantee{})
	w := postWebhook(newTestRouter(ctl))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}

func TestWebhookIgnoresDuplicateEvent(t *testing.T) {
	proc := &fakeProcessor{handled: make(chan dto.PaymentIntentObject, 1)}
	ctl := NewOrderController(proc,
		&fakeVerifier{event: stripeEvent("payment_intent.succeeded", `{"id":"pi_1"}`)},
		&fakeEvents{first: false}, &fakeGuarantee{})
	w := postWebhook(newTestRouter(ctl))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate event")
	select {
	case <-proc.handled:
		t.Fatal("duplicate event must not start processing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookProcessesPaymentInBackground(t *testing.T) {
	proc := &fakeProcessor{
		handled: make(chan dto.PaymentIntentObject, 1),
		result:  &dto.ProcessingResult{OrderID: "ord_1", Status: "completed", Delivered: true},
	}
	guarantee := &fakeGuarantee{}
	ctl := NewOrderController(proc,
		&fakeVerifier{event: stripeEvent("payment_intent.succeeded", `{"id":"pi_1","metadata":{"order_id":"ord_1"}}`)},
		&fakeEvents{first: true}, guarantee)
	w := postWebhook(newTestRouter(ctl))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "order processing started")

	select {
	case pi := <-proc.handled:
		assert.Equal(t, "pi_1", pi.ID)
		assert.Equal(t, "ord_1", pi.Metadata["order_id"])
	case <-time.After(time.Second):
		t.Fatal("payment processing never started")
	}

	// the delivered order gets a guarantee check armed
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(guarantee.scheduledIDs()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{"ord_1"}, guarantee.scheduledIDs())
}

func TestWebhookRejectsMalformedPaymentIntent(t *testing.T) {
	events := &fakeEvents{first: true}
	ctl := NewOrderController(&fakeProcessor{},
		&fakeVerifier{event: stripeEvent("payment_intent.succeeded", `[1,2,3]`)},
		events, &fakeGuarantee{})
	r := newTestRouter(ctl)

	w := postWebhook(r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a rejected payload is never marked processed, so the provider's
	// redelivery is rejected again instead of being acked as a duplicate
	w = postWebhook(r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, events.calls)
}

func TestWebhookAcknowledgesOtherEvents(t *testing.T) {
	for _, eventType := range []string{"charge.refunded", "payment_intent.payment_failed", "customer.created"} {
		ctl := NewOrderController(&fakeProcessor{},
			&fakeVerifier{event: stripeEvent(eventType, `{}`)},
			&fakeEvents{first: true}, &fakeGuarantee{})
		w := postWebhook(newTestRouter(ctl))

		assert.Equal(t, http.StatusOK, w.Code, eventType)
		assert.Contains(t, w.Body.String(), `"received":true`, eventType)
	}
}

func postRefund(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/refunds", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRefundForceRequiresAdmin(t *testing.T) {
	ctl := NewOrderController(&fakeProcessor{}, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})

	w := postRefund(newTestRouter(ctl, "user"), `{"orderId":"ord_1","force":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	proc := &fakeProcessor{refundResp: &dto.RefundResponse{Success: true, OrderID: "ord_1"}}
	ctl = NewOrderController(proc, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
	w = postRefund(newTestRouter(ctl, "admin"), `{"orderId":"ord_1","force":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefundErrorStatusMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{dto.ErrCodeOrderNotFound, http.StatusNotFound},
		{dto.ErrCodeAlreadyRefunded, http.StatusConflict},
		{dto.ErrCodeNoPaymentIntent, http.StatusBadRequest},
		{dto.ErrCodeEsimActivated, http.StatusUnprocessableEntity},
		{dto.ErrCodeRefundFailed, http.StatusBadGateway},
	}
	for _, c := range cases {
		proc := &fakeProcessor{refundErrResp: &dto.RefundErrorResponse{ErrorCode: c.code}}
		ctl := NewOrderController(proc, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
		w := postRefund(newTestRouter(ctl), `{"orderId":"ord_1"}`)
		assert.Equal(t, c.want, w.Code, c.code)
	}
}

func TestRefundSuccessCancelsGuarantee(t *testing.T) {
	proc := &fakeProcessor{refundResp: &dto.RefundResponse{Success: true, OrderID: "ord_1"}}
	guarantee := &fakeGuarantee{}
	ctl := NewOrderController(proc, &fakeVerifier{}, &fakeEvents{}, guarantee)

	w := postRefund(newTestRouter(ctl), `{"orderId":"ord_1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ord_1"}, guarantee.cancelled)
}

func TestGetOrderNotFound(t *testing.T) {
	ctl := NewOrderController(&fakeProcessor{orderErr: repository.ErrNotFound}, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
	r := newTestRouter(ctl)

	req := httptest.NewRequest(http.MethodGet, "/orders/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResendQRRequiresChannel(t *testing.T) {
	ctl := NewOrderController(&fakeProcessor{}, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
	r := newTestRouter(ctl)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/resend", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResendQRWithoutMaterial(t *testing.T) {
	ctl := NewOrderController(&fakeProcessor{resendErr: service.ErrNoActivationMaterial}, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
	r := newTestRouter(ctl)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/resend", bytes.NewBufferString(`{"channel":"email"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResendQRSuccess(t *testing.T) {
	proc := &fakeProcessor{resendResult: &dto.DeliveryResult{Success: true, Channel: "email"}}
	ctl := NewOrderController(proc, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
	r := newTestRouter(ctl)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/resend", bytes.NewBufferString(`{"channel":"email"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res dto.DeliveryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "email", res.Channel)
}

func TestHealth(t *testing.T) {
	ctl := NewOrderController(&fakeProcessor{}, &fakeVerifier{}, &fakeEvents{}, &fakeGuarantee{})
	r := newTestRouter(ctl)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
