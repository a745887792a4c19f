package service

import "sync"

// orderLocks serializes mutation per order id. Fulfillment and refund both
// hold the order's lock for their full duration, so a duplicate webhook and a
// concurrent support refund cannot interleave writes to the same order.
type orderLocks struct {
	locks sync.Map // order id -> *sync.Mutex
}

func (l *orderLocks) lock(orderID string) (unlock func()) {
	v, _ := l.locks.LoadOrStore(orderID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
