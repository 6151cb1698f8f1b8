package ordersync

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMapFinancialStatus(t *testing.T) {
	cases := map[string]Status{
		"pending":            StatusPending,
		"authorized":         StatusPending,
		"paid":               StatusConfirmed,
		"PAID":               StatusConfirmed,
		" Partially_Paid ":   StatusConfirmed,
		"refunded":           StatusCancelled,
		"voided":             StatusCancelled,
		"partially_refunded": StatusConfirmed,
		"":                   StatusPending,
		"chargeback":         StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapFinancialStatus(raw), "financial status %q", raw)
	}
}

func TestDeriveStatusFulfillmentOverridesFinancial(t *testing.T) {
	cases := []struct {
		financial   string
		fulfillment string
		want        Status
	}{
		{"paid", "", StatusConfirmed},
		{"paid", "fulfilled", StatusShipped},
		{"pending", "Fulfilled", StatusShipped},
		{"paid", "partial", StatusConfirmed},
		{"paid", "restocked", StatusCancelled},
		{"refunded", "unknown", StatusCancelled},
		{"", "", StatusPending},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveStatus(tc.financial, tc.fulfillment), "financial=%q fulfillment=%q", tc.financial, tc.fulfillment)
	}
}

func TestShippingFeeTiers(t *testing.T) {
	cases := []struct {
		total string
		fee   string
	}{
		{"0", "9.99"},
		{"49.99", "9.99"},
		{"50", "7.99"},
		{"50.00", "7.99"},
		{"99.99", "7.99"},
		{"100", "5.99"},
		{"150.00", "5.99"},
		{"199.99", "5.99"},
		{"200", "0"},
		{"1000000", "0"},
		{"-5", "9.99"},
	}
	for _, tc := range cases {
		got := ShippingFeeForTotal(tc.total)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.fee)), "total %s: got fee %s want %s", tc.total, got, tc.fee)
	}
}

func TestShippingFeeUnparseableTotalPaysDefault(t *testing.T) {
	for _, raw := range []string{"", "abc", "NaN", "12,50"} {
		got := ShippingFeeForTotal(raw)
		assert.True(t, got.Equal(defaultShippingFee), "total %q: got %s", raw, got)
	}
}
