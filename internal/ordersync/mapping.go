package ordersync

import (
	"strings"

	"github.com/shopspring/decimal"
)

var financialStatusMap = map[string]Status{
	"pending":            StatusPending,
	"authorized":         StatusPending,
	"paid":               StatusConfirmed,
	"partially_paid":     StatusConfirmed,
	"refunded":           StatusCancelled,
	"voided":             StatusCancelled,
	"partially_refunded": StatusConfirmed,
}

var fulfillmentStatusMap = map[string]Status{
	"fulfilled": StatusShipped,
	"partial":   StatusConfirmed,
	"restocked": StatusCancelled,
}

type shippingTier struct {
	// below is exclusive; nil means unbounded.
	below *decimal.Decimal
	fee   decimal.Decimal
}

var (
	defaultShippingFee = decimal.RequireFromString("9.99")
	shippingTiers      = []shippingTier{
		{below: decimalPtr("50"), fee: decimal.RequireFromString("9.99")},
		{below: decimalPtr("100"), fee: decimal.RequireFromString("7.99")},
		{below: decimalPtr("200"), fee: decimal.RequireFromString("5.99")},
		{below: nil, fee: decimal.Zero},
	}
)

func decimalPtr(raw string) *decimal.Decimal {
	d := decimal.RequireFromString(raw)
	return &d
}

// MapFinancialStatus maps a platform financial status; unknown or missing
// values are PENDING.
func MapFinancialStatus(financialStatus string) Status {
	if status, ok := financialStatusMap[normalizeStatusKey(financialStatus)]; ok {
		return status
	}
	return StatusPending
}

// MapFulfillmentStatus reports false for missing or unknown values, which
// must not override the financial mapping.
func MapFulfillmentStatus(fulfillmentStatus string) (Status, bool) {
	status, ok := fulfillmentStatusMap[normalizeStatusKey(fulfillmentStatus)]
	return status, ok
}

// DeriveStatus applies the financial mapping and lets a mapped fulfillment
// status override it.
func DeriveStatus(financialStatus, fulfillmentStatus string) Status {
	if status, ok := MapFulfillmentStatus(fulfillmentStatus); ok {
		return status
	}
	return MapFinancialStatus(financialStatus)
}

// ShippingFee selects the first tier whose threshold strictly exceeds total,
// so a total on a boundary pays the next tier's fee.
func ShippingFee(total decimal.Decimal) decimal.Decimal {
	for _, tier := range shippingTiers {
		if tier.below == nil || total.LessThan(*tier.below) {
			return tier.fee
		}
	}
	return defaultShippingFee
}

// ShippingFeeForTotal parses a raw platform total. Anything that is not a
// finite decimal pays the default fee.
func ShippingFeeForTotal(rawTotal string) decimal.Decimal {
	total, err := decimal.NewFromString(strings.TrimSpace(rawTotal))
	if err != nil {
		return defaultShippingFee
	}
	return ShippingFee(total)
}

func normalizeStatusKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
