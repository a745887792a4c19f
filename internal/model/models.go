// models.go
package model

import "time"

type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderFailed   OrderStatus = "failed"
	OrderRefunded OrderStatus = "refunded"
	OrderDisputed OrderStatus = "disputed"
)

type EsimStatus string

const (
	EsimPending   EsimStatus = "pending"   // payment received, not yet ordered from provider
	EsimOrdering  EsimStatus = "ordering"  // provider call in progress
	EsimOrdered   EsimStatus = "ordered"   // issued by provider, activation material stored
	EsimDelivered EsimStatus = "delivered" // activation material sent to the customer
	EsimActivated EsimStatus = "activated" // customer installed/used the eSIM
	EsimFailed    EsimStatus = "failed"
)

type Order struct {
	ID                   string      `bson:"_id" json:"id"`
	OrderNumber          string      `bson:"order_number" json:"orderNumber"`
	CustomerEmail        string      `bson:"customer_email" json:"customerEmail"`
	CustomerName         string      `bson:"customer_name" json:"customerName"`
	CustomerPhone        string      `bson:"customer_phone,omitempty" json:"customerPhone,omitempty"`
	DestinationName      string      `bson:"destination_name" json:"destinationName"`
	PlanName             string      `bson:"plan_name" json:"planName"`
	DurationDays         int         `bson:"duration_days" json:"durationDays"`
	BundleName           string      `bson:"bundle_name" json:"bundleName"`
	AmountCents          int64       `bson:"amount_cents" json:"amountCents"`
	Currency             string      `bson:"currency" json:"currency"`
	Status               OrderStatus `bson:"status" json:"status"`
	StripeSessionID      string      `bson:"stripe_session_id,omitempty" json:"stripeSessionId,omitempty"`
	StripePaymentIntent  string      `bson:"stripe_payment_intent_id,omitempty" json:"stripePaymentIntentId,omitempty"`
	Esim                 EsimRecord  `bson:"esim" json:"esim"`
	Notes                string      `bson:"notes,omitempty" json:"notes,omitempty"`
	Locale               string      `bson:"locale" json:"locale"`
	CreatedAt            time.Time   `bson:"created_at" json:"createdAt"`
	UpdatedAt            time.Time   `bson:"updated_at" json:"updatedAt"`
	PaidAt               *time.Time  `bson:"paid_at,omitempty" json:"paidAt,omitempty"`
}

// EsimRecord holds the provisioned eSIM state, embedded on the order.
type EsimRecord struct {
	Status        EsimStatus `bson:"status" json:"status"`
	ICCID         string     `bson:"iccid,omitempty" json:"iccid,omitempty"`
	SMDPAddress   string     `bson:"smdp_address,omitempty" json:"smdpAddress,omitempty"`
	MatchingID    string     `bson:"matching_id,omitempty" json:"matchingId,omitempty"`
	QRCodeData    string     `bson:"qr_code,omitempty" json:"qrCodeData,omitempty"`
	OrderRef      string     `bson:"order_ref,omitempty" json:"orderRef,omitempty"`
	Channel       string     `bson:"channel,omitempty" json:"channel,omitempty"`
	ProvisionedAt *time.Time `bson:"provisioned_at,omitempty" json:"provisionedAt,omitempty"`
	EmailSent     bool       `bson:"email_sent" json:"emailSent"`
}

// Allowed order status transitions. Refunded, failed and disputed are final.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderFailed},
	OrderPaid:    {OrderRefunded, OrderDisputed},
}

// Allowed eSIM status transitions. Failed is reachable only while the
// provider order is in flight.
var esimTransitions = map[EsimStatus][]EsimStatus{
	EsimPending:   {EsimOrdering},
	EsimOrdering:  {EsimOrdered, EsimFailed},
	EsimOrdered:   {EsimDelivered, EsimFailed},
	EsimDelivered: {EsimActivated},
}

var finalOrderStates = map[OrderStatus]bool{
	OrderRefunded: true,
	OrderFailed:   true,
	OrderDisputed: true,
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return contains(orderTransitions[s], to)
}

func (s OrderStatus) IsFinal() bool {
	return finalOrderStates[s]
}

func (s EsimStatus) CanTransition(to EsimStatus) bool {
	return contains(esimTransitions[s], to)
}

func contains[T comparable](arr []T, v T) bool {
	for _, x := range arr {
		if x == v {
			return true
		}
	}
	return false
}
