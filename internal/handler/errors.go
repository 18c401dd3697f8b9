package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
)

// malformedError marks a request body or parameter that could not be parsed.
type malformedError struct {
	msg string
	err error
}

func (e *malformedError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *malformedError) Unwrap() error { return e.err }

func malformed(msg string, err error) error {
	return &malformedError{msg: msg, err: err}
}

// statusOf maps a domain error to an HTTP status and a client-safe message.
// Unknown errors map to 500 with a generic message.
func statusOf(err error) (int, string) {
	var (
		badInput *malformedError
		amount   *order.InvalidAmountError
		quantity *cart.InvalidQuantityError
		missing  *order.ProductNotFoundError
	)
	switch {
	case errors.Is(err, order.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, order.ErrEmptyCart), errors.Is(err, cart.ErrMissingProduct):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &amount):
		return http.StatusBadRequest, amount.Error()
	case errors.As(err, &badInput):
		return http.StatusBadRequest, badInput.Error()
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, cart.ErrLineNotFound):
		return http.StatusNotFound, "product is not in the cart"
	case errors.As(err, &quantity):
		return http.StatusUnprocessableEntity, quantity.Error()
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity, missing.Error()
	case errors.Is(err, product.ErrNotFound):
		return http.StatusUnprocessableEntity, "product not found"
	case errors.Is(err, order.ErrAllocationExhausted):
		return http.StatusServiceUnavailable, "could not allocate an order number, try again"
	}
	return http.StatusInternalServerError, "internal server error"
}

// fail writes the error response for err. Server errors are logged with
// their cause; clients only see a generic message.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusOf(err)
	switch code {
	case http.StatusInternalServerError:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, code, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
