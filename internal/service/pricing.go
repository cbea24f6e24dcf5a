package service

import (
	"storefront-payments/internal/config"

	"github.com/shopspring/decimal"
)

type Pricing struct {
	Currency         string
	TaxRate          decimal.Decimal
	ShippingFee      decimal.Decimal
	FreeShippingOver decimal.Decimal // zero disables
}

func NewPricing(cfg config.Pricing) Pricing {
	return Pricing{
		Currency:         cfg.Currency,
		TaxRate:          cfg.TaxRate,
		ShippingFee:      cfg.ShippingFee,
		FreeShippingOver: cfg.FreeShippingOver,
	}
}

type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Quote prices an order. Tax is charged on the subtotal before discount, and
// total = subtotal + tax + shipping - discount.
func (p Pricing) Quote(subtotal decimal.Decimal, coupon CouponEvaluation) Totals {
	t := Totals{
		Subtotal: subtotal.Round(2),
		Tax:      subtotal.Mul(p.TaxRate).Round(2),
		Shipping: p.ShippingFee.Round(2),
		Discount: coupon.Discount.Round(2),
	}

	if coupon.FreeShipping || (p.FreeShippingOver.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeShippingOver)) {
		t.Shipping = decimal.Zero
	}

	t.Total = t.Subtotal.Add(t.Tax).Add(t.Shipping).Sub(t.Discount)
	if t.Total.IsNegative() {
		t.Total = decimal.Zero
	}
	return t
}
