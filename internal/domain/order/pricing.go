package order

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Totals is the priced breakdown of an order.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Pricing computes order totals in a single currency.
type Pricing struct {
	unit  currency.Unit
	scale int32
}

// NewPricing returns Pricing for an ISO 4217 currency code.
func NewPricing(code string) (Pricing, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return Pricing{}, errors.Wrapf(err, "currency %q", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return Pricing{unit: unit, scale: int32(scale)}, nil
}

// MustPricing is like NewPricing but panics on an unknown currency.
func MustPricing(code string) Pricing {
	p, err := NewPricing(code)
	if err != nil {
		panic(err)
	}
	return p
}

// Currency returns the ISO code amounts are expressed in.
func (p Pricing) Currency() string {
	return p.unit.String()
}

// Scale returns the number of minor unit digits of the currency.
func (p Pricing) Scale() int32 {
	return p.scale
}

// ParseAmount converts user input into a decimal amount. An empty value is
// zero.
func (p Pricing) ParseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, &InvalidAmountError{Field: field, Value: raw, Reason: "not a finite number"}
	}
	if err := p.ValidateAmount(field, d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// Bounds on tax and shipping. Checked on the coefficient and exponent so
// that oversized input is rejected before any rescaling.
const (
	maxAmountDigits   = 12
	maxFractionDigits = 18
)

// ValidateAmount rejects negative amounts, amounts of more than
// maxAmountDigits integer digits and amounts finer than the currency's minor
// unit.
func (p Pricing) ValidateAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &InvalidAmountError{Field: field, Value: shortString(d), Reason: "must not be negative"}
	}
	exp := int64(d.Exponent())
	if exp+int64(d.NumDigits()) > maxAmountDigits {
		return &InvalidAmountError{Field: field, Value: shortString(d), Reason: "too large"}
	}
	if exp < -maxFractionDigits || !d.Equal(d.Truncate(p.scale)) {
		return &InvalidAmountError{Field: field, Value: shortString(d), Reason: "too many decimal places"}
	}
	return nil
}

// shortString formats d without expanding large exponents.
func shortString(d decimal.Decimal) string {
	if exp := d.Exponent(); exp > maxAmountDigits || exp < -maxFractionDigits {
		return d.Coefficient().String() + "e" + strconv.Itoa(int(exp))
	}
	return d.String()
}

// Totals prices a checkout. It fails with ErrEmptyCart on no items.
func (p Pricing) Totals(items []LineItem, tax, shipping decimal.Decimal) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, ErrEmptyCart
	}
	return p.Preview(items, tax, shipping)
}

// Preview prices items without requiring any; an empty list has a zero
// subtotal.
func (p Pricing) Preview(items []LineItem, tax, shipping decimal.Decimal) (Totals, error) {
	if err := p.ValidateAmount("tax", tax); err != nil {
		return Totals{}, err
	}
	if err := p.ValidateAmount("shipping", shipping); err != nil {
		return Totals{}, err
	}

	subtotal := decimal.Zero
	for _, li := range items {
		subtotal = subtotal.Add(li.Amount())
	}
	subtotal = subtotal.Round(p.scale)

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}, nil
}
