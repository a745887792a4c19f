package service

import (
	"context"
	"sync"
	"time"

	"esim-fulfillment-service/internal/dto"
	"esim-fulfillment-service/internal/model"
	"esim-fulfillment-service/internal/repository"
)

// fakeRepo is an in-memory OrderRepository with the same status guards as the
// Mongo implementation.
type fakeRepo struct {
	mu     sync.Mutex
	orders map[string]*model.Order
}

func newFakeRepo(orders ...*model.Order) *fakeRepo {
	r := &fakeRepo{orders: make(map[string]*model.Order)}
	for _, o := range orders {
		cp := *o
		r.orders[o.ID] = &cp
	}
	return r
}

func (r *fakeRepo) get(id string) (*model.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return o, nil
}

func (r *fakeRepo) Create(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return repository.ErrAlreadyExists
	}
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *fakeRepo) FindByID(ctx context.Context, id string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.get(id)
	if err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) FindByOrderNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNumber == orderNumber {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.StripePaymentIntent == paymentIntentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) FindLatestPaidByEmail(ctx context.Context, email string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.Order
	for _, o := range r.orders {
		if o.CustomerEmail != email || o.Status != model.OrderPaid {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeRepo) MarkPaid(ctx context.Context, id, paymentIntentID string, paidAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Status != model.OrderPending {
		return repository.ErrConflict
	}
	o.Status = model.OrderPaid
	o.StripePaymentIntent = paymentIntentID
	o.PaidAt = &paidAt
	return nil
}

func (r *fakeRepo) UpdateEsimStatus(ctx context.Context, id string, from, to model.EsimStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !from.CanTransition(to) {
		return repository.ErrInvalidTransition
	}
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Esim.Status != from {
		return repository.ErrConflict
	}
	o.Esim.Status = to
	return nil
}

func (r *fakeRepo) SetEsimProvisioned(ctx context.Context, id string, rec model.EsimRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Esim.Status != model.EsimOrdering {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	rec.Status = model.EsimOrdered
	rec.ProvisionedAt = &now
	o.Esim = rec
	return nil
}

func (r *fakeRepo) MarkDelivered(ctx context.Context, id, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Esim.Status != model.EsimOrdered {
		return repository.ErrConflict
	}
	o.Esim.Status = model.EsimDelivered
	o.Esim.Channel = channel
	o.Esim.EmailSent = channel == "email"
	return nil
}

func (r *fakeRepo) MarkEsimFailed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Esim.Status != model.EsimOrdering && o.Esim.Status != model.EsimOrdered {
		return repository.ErrConflict
	}
	o.Esim.Status = model.EsimFailed
	return nil
}

func (r *fakeRepo) MarkRefunded(ctx context.Context, id, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.get(id)
	if err != nil {
		return err
	}
	if o.Status != model.OrderPaid {
		return repository.ErrConflict
	}
	o.Status = model.OrderRefunded
	o.Notes = notes
	return nil
}

func (r *fakeRepo) mustGet(id string) model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

type fakeEsim struct {
	issueResult *EsimIssueResult
	issueErr    error
	issueCalls  int

	usage    *EsimUsage
	usageErr error

	revokeErr   error
	revokeCalls int

	inventoryID  string
	inventoryErr error

	creditErr   error
	creditCalls int
}

func (f *fakeEsim) Issue(ctx context.Context, bundleName, orderRef string) (*EsimIssueResult, error) {
	f.issueCalls++
	return f.issueResult, f.issueErr
}

func (f *fakeEsim) Usage(ctx context.Context, iccid string) (*EsimUsage, error) {
	return f.usage, f.usageErr
}

func (f *fakeEsim) RevokeBundle(ctx context.Context, iccid, bundleName string) error {
	f.revokeCalls++
	return f.revokeErr
}

func (f *fakeEsim) FindInventoryUsage(ctx context.Context, bundleName string) (string, error) {
	return f.inventoryID, f.inventoryErr
}

func (f *fakeEsim) CreditInventory(ctx context.Context, usageID string, quantity int) error {
	f.creditCalls++
	return f.creditErr
}

type fakeGateway struct {
	refundID string
	err      error
	calls    int
	lastPI   string
}

func (f *fakeGateway) CreateRefund(ctx context.Context, paymentIntentID, reason string) (string, error) {
	f.calls++
	f.lastPI = paymentIntentID
	return f.refundID, f.err
}

type fakeDeliverer struct {
	mu           sync.Mutex
	result       *dto.DeliveryResult
	queue        []*dto.DeliveryResult
	resendResult *dto.DeliveryResult
	resendErr    error
	noticeErr    error

	deliverCalls int
	resendCalls  int
	noticeCalls  int
	lastChannel  string
}

func (f *fakeDeliverer) DeliverQRCode(ctx context.Context, req DeliveryRequest) *dto.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverCalls++
	if len(f.queue) > 0 {
		res := f.queue[0]
		f.queue = f.queue[1:]
		return res
	}
	return f.result
}

func (f *fakeDeliverer) Resend(ctx context.Context, channel string, req DeliveryRequest) (*dto.DeliveryResult, error) {
	f.resendCalls++
	f.lastChannel = channel
	return f.resendResult, f.resendErr
}

func (f *fakeDeliverer) SendRefundNotification(ctx context.Context, n RefundNotice) error {
	f.noticeCalls++
	return f.noticeErr
}

type fakeNotifier struct {
	mu                sync.Mutex
	deliveryFailures  int
	provisionFailures int
	slaBreaches       int
	guaranteeBreaches []string
}

func (f *fakeNotifier) AlertDeliveryFailure(ctx context.Context, orderID, orderNumber, email string, attempts []dto.DeliveryAttempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveryFailures++
}

func (f *fakeNotifier) AlertProvisioningFailure(ctx context.Context, orderID, orderNumber, destination, provider, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionFailures++
}

func (f *fakeNotifier) AlertSLABreach(ctx context.Context, operation, orderID string, elapsed, limit time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slaBreaches++
}

func (f *fakeNotifier) AlertGuaranteeBreach(ctx context.Context, orderID, orderNumber string, esimStatus model.EsimStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guaranteeBreaches = append(f.guaranteeBreaches, orderID)
}

func (f *fakeNotifier) breaches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.guaranteeBreaches...)
}
