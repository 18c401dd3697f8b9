package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
)

// Money is written as a decimal string with the currency's minor-unit digits
// so that clients never see binary floating point.
func (h *Handler) money(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(h.pricing.Scale()))
}

func (h *Handler) encodeProduct(e *jx.Encoder, p product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
		e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
		e.Field("price", func(e *jx.Encoder) { h.money(e, p.Price) })
		e.Field("images", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, path := range p.Images {
					e.Str(h.imageBaseURL + path)
				}
			})
		})
	})
}

func (h *Handler) encodeItems(e *jx.Encoder, items []order.LineItem) {
	e.Arr(func(e *jx.Encoder) {
		for _, it := range items {
			e.Obj(func(e *jx.Encoder) {
				e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
				e.Field("unitPrice", func(e *jx.Encoder) { h.money(e, it.UnitPrice) })
				e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
				e.Field("amount", func(e *jx.Encoder) { h.money(e, it.Amount()) })
			})
		}
	})
}

func (h *Handler) encodeTotals(e *jx.Encoder, t order.Totals) {
	e.Field("subtotal", func(e *jx.Encoder) { h.money(e, t.Subtotal) })
	e.Field("tax", func(e *jx.Encoder) { h.money(e, t.Tax) })
	e.Field("shipping", func(e *jx.Encoder) { h.money(e, t.Shipping) })
	e.Field("total", func(e *jx.Encoder) { h.money(e, t.Total) })
}

func (h *Handler) encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Int64(int64(o.ID)) })
		e.Field("owner", func(e *jx.Encoder) { e.Str(o.Owner) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(o.Currency) })
		e.Field("items", func(e *jx.Encoder) { h.encodeItems(e, o.Items) })
		h.encodeTotals(e, order.Totals{Subtotal: o.Subtotal, Tax: o.Tax, Shipping: o.Shipping, Total: o.Total})
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano)) })
	})
}

func (h *Handler) encodeOrders(e *jx.Encoder, orders []order.Order) {
	e.Arr(func(e *jx.Encoder) {
		for i := range orders {
			h.encodeOrder(e, &orders[i])
		}
	})
}

// readBody returns the request body, or nil when it is empty.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, malformed("read body", err)
	}
	return data, nil
}

// amountText reads a JSON number, string or null as raw text for
// order.Pricing.ParseAmount.
func amountText(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.String:
		return d.Str()
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.New("amount must be a number or a string")
	}
}

// quantityValue reads a JSON integer, also accepting one inside a string.
func quantityValue(d *jx.Decoder) (int, error) {
	switch d.Next() {
	case jx.Number:
		return d.Int()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		return jx.DecodeStr(s).Int()
	default:
		return 0, errors.New("quantity must be an integer")
	}
}

// idText reads a product reference given as a string or a number.
func idText(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errors.New("product id must be a string or a number")
	}
}

// decodeLine reads {"productId"|"id": ..., "quantity": N}. Other fields,
// prices included, are ignored.
func decodeLine(d *jx.Decoder) (cart.Line, error) {
	var l cart.Line
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId", "product_id", "id":
			l.ProductID, err = idText(d)
		case "quantity":
			l.Quantity, err = quantityValue(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return l, err
}

// decodeLines reads either an array of lines or an object whose values are
// lines, the shape browser carts keep in local storage.
func decodeLines(d *jx.Decoder) ([]cart.Line, error) {
	lines := []cart.Line{}
	switch d.Next() {
	case jx.Array:
		err := d.Arr(func(d *jx.Decoder) error {
			l, err := decodeLine(d)
			lines = append(lines, l)
			return err
		})
		return lines, err
	case jx.Object:
		err := d.Obj(func(d *jx.Decoder, _ string) error {
			l, err := decodeLine(d)
			lines = append(lines, l)
			return err
		})
		return lines, err
	case jx.Null:
		return lines, d.Null()
	default:
		return nil, errors.New("items must be an array or an object")
	}
}

// decodeCartData reads the cartData envelope {"cart": <lines>}. A bare
// lines value is accepted as well.
func decodeCartData(data []byte) ([]cart.Line, error) {
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return decodeLines(d)
	}

	var (
		lines    []cart.Line
		wrapped  bool
		fallback = jx.DecodeBytes(data)
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "cart" {
			return d.Skip()
		}
		wrapped = true
		var err error
		lines, err = decodeLines(d)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !wrapped {
		return decodeLines(fallback)
	}
	return lines, nil
}
