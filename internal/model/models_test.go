package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderPaid, true},
		{OrderPending, OrderFailed, true},
		{OrderPending, OrderRefunded, false},
		{OrderPaid, OrderRefunded, true},
		{OrderPaid, OrderDisputed, true},
		{OrderPaid, OrderPending, false},
		{OrderRefunded, OrderPaid, false},
		{OrderFailed, OrderPaid, false},
		{OrderDisputed, OrderRefunded, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestOrderStatusIsFinal(t *testing.T) {
	assert.False(t, OrderPending.IsFinal())
	assert.False(t, OrderPaid.IsFinal())
	assert.True(t, OrderRefunded.IsFinal())
	assert.True(t, OrderFailed.IsFinal())
	assert.True(t, OrderDisputed.IsFinal())
}

func TestEsimStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to EsimStatus
		want     bool
	}{
		{EsimPending, EsimOrdering, true},
		{EsimPending, EsimOrdered, false},
		{EsimOrdering, EsimOrdered, true},
		{EsimOrdering, EsimFailed, true},
		{EsimOrdered, EsimDelivered, true},
		{EsimOrdered, EsimFailed, true},
		{EsimDelivered, EsimActivated, true},
		{EsimDelivered, EsimFailed, false},
		{EsimActivated, EsimDelivered, false},
		{EsimFailed, EsimOrdering, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}
