package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/order"
)

// GetCart returns the principal's cart priced with current catalog prices.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	h.writeCart(w, r, p, http.StatusOK)
}

// AddCartItem adds {productId, quantity} to the cart. Adding a product that
// is already in the cart increases its quantity.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	body, err := readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	line, err := decodeLine(jx.DecodeBytes(body))
	if err != nil {
		fail(w, r, malformed("invalid cart item", err))
		return
	}
	if line.ProductID == "" {
		fail(w, r, malformed("productId is required", nil))
		return
	}
	if err := h.carts.Add(r.Context(), p.ID, line.ProductID, line.Quantity); err != nil {
		fail(w, r, err)
		return
	}
	h.writeCart(w, r, p, http.StatusOK)
}

// UpdateCartItem sets the quantity of a cart line; zero removes it.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	body, err := readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	quantity := -1
	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		var err error
		quantity, err = quantityValue(d)
		return err
	})
	if err != nil || quantity < 0 {
		fail(w, r, malformed("quantity must be a non-negative integer", err))
		return
	}

	if err := h.carts.SetQuantity(r.Context(), p.ID, chi.URLParam(r, "productId"), quantity); err != nil {
		fail(w, r, err)
		return
	}
	h.writeCart(w, r, p, http.StatusOK)
}

// RemoveCartItem deletes a cart line. Removing a missing line is not an error.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if err := h.carts.Remove(r.Context(), p.ID, chi.URLParam(r, "productId")); err != nil {
		fail(w, r, err)
		return
	}
	h.writeCart(w, r, p, http.StatusOK)
}

func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, p auth.Principal, code int) {
	lines, err := h.carts.Get(r.Context(), p.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	q, err := h.orders.Quote(r.Context(), order.QuoteRequest{
		Principal: p,
		Source:    order.SourceSubmitted,
		Lines:     lines,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("currency", func(e *jx.Encoder) { e.Str(q.Currency) })
			e.Field("items", func(e *jx.Encoder) { h.encodeItems(e, q.Items) })
			e.Field("subtotal", func(e *jx.Encoder) { h.money(e, q.Totals.Subtotal) })
		})
	})
}
