package handler

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
)

const confirmedMessage = "Order confirmed successfully"

// checkoutInput is the decoded body shared by the checkout endpoints.
type checkoutInput struct {
	lines    []cart.Line
	hasLines bool
	tax      decimal.Decimal
	shipping decimal.Decimal
}

// Checkout places an order from the principal's stored cart and clears it.
// Body: {"tax": "5.00", "shipping": "3.00"}; both optional.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	in, err := h.readCheckout(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err := h.orders.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		Principal: p,
		Source:    order.SourceStoredCart,
		Tax:       in.tax,
		Shipping:  in.shipping,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	h.writeConfirmation(w, o)
}

// ConfirmOrder places an order from lines submitted by the client. Prices
// sent by the client are ignored. Accepts JSON {"items": [...], "tax",
// "shipping"} or a form with cartData, taxes and shipping.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	in, err := h.readCheckout(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err := h.orders.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		Principal: p,
		Source:    order.SourceSubmitted,
		Lines:     in.lines,
		Tax:       in.tax,
		Shipping:  in.shipping,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	h.writeConfirmation(w, o)
}

// PreviewCheckout prices submitted items, or the stored cart when the body
// has no items, without storing anything.
func (h *Handler) PreviewCheckout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	in, err := h.readCheckout(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	req := order.QuoteRequest{
		Principal: p,
		Source:    order.SourceStoredCart,
		Tax:       in.tax,
		Shipping:  in.shipping,
	}
	if in.hasLines {
		req.Source, req.Lines = order.SourceSubmitted, in.lines
	}
	q, err := h.orders.Quote(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("currency", func(e *jx.Encoder) { e.Str(q.Currency) })
			e.Field("items", func(e *jx.Encoder) { h.encodeItems(e, q.Items) })
			h.encodeTotals(e, q.Totals)
		})
	})
}

// ListOrders returns the principal's orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	orders, err := h.orders.OrdersFor(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeOrders(e, orders) })
}

// GetOrder returns one of the principal's orders.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	id, err := order.ParseID(chi.URLParam(r, "orderId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	o, err := h.orders.Get(r.Context(), p, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeOrder(e, o) })
}

// ListAllOrders returns the most recent orders of all owners. Admins only;
// ?limit=N caps the result.
func (h *Handler) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fail(w, r, malformed("limit must be a positive integer", nil))
			return
		}
		limit = n
	}
	orders, err := h.orders.List(r.Context(), p, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeOrders(e, orders) })
}

func (h *Handler) writeConfirmation(w http.ResponseWriter, o *order.Order) {
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("message", func(e *jx.Encoder) { e.Str(confirmedMessage) })
			e.Field("orderId", func(e *jx.Encoder) { e.Int64(int64(o.ID)) })
			e.Field("order", func(e *jx.Encoder) { h.encodeOrder(e, o) })
		})
	})
}

func (h *Handler) readCheckout(w http.ResponseWriter, r *http.Request) (checkoutInput, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		return h.readCheckoutForm(w, r)
	}

	body, err := readBody(w, r)
	if err != nil {
		return checkoutInput{}, err
	}
	var in checkoutInput
	if len(body) == 0 {
		return in, nil
	}

	var taxText, shippingText string
	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			in.hasLines = true
			in.lines, err = decodeLines(d)
		case "cartData":
			in.hasLines = true
			in.lines, err = decodeCartDataField(d)
		case "tax", "taxes":
			taxText, err = amountText(d)
		case "shipping":
			shippingText, err = amountText(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return checkoutInput{}, malformed("invalid request body", err)
	}
	return h.withAmounts(in, taxText, shippingText)
}

func (h *Handler) readCheckoutForm(w http.ResponseWriter, r *http.Request) (checkoutInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil && err != http.ErrNotMultipart {
		return checkoutInput{}, malformed("invalid form", err)
	}

	var in checkoutInput
	if raw := r.PostFormValue("cartData"); raw != "" {
		lines, err := decodeCartData([]byte(raw))
		if err != nil {
			return checkoutInput{}, malformed("invalid cartData", err)
		}
		in.lines, in.hasLines = lines, true
	}
	tax := r.PostFormValue("taxes")
	if tax == "" {
		tax = r.PostFormValue("tax")
	}
	return h.withAmounts(in, tax, r.PostFormValue("shipping"))
}

func (h *Handler) withAmounts(in checkoutInput, tax, shipping string) (checkoutInput, error) {
	var err error
	if in.tax, err = h.pricing.ParseAmount("tax", tax); err != nil {
		return checkoutInput{}, err
	}
	if in.shipping, err = h.pricing.ParseAmount("shipping", shipping); err != nil {
		return checkoutInput{}, err
	}
	return in, nil
}

// decodeCartDataField accepts cartData either as an embedded JSON string or
// as a JSON value.
func decodeCartDataField(d *jx.Decoder) ([]cart.Line, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		return decodeCartData([]byte(s))
	}
	raw, err := d.Raw()
	if err != nil {
		return nil, err
	}
	return decodeCartData(raw)
}
