// Package handler exposes the storefront over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	// When empty, image paths are returned as stored in the database.
	ImageBaseURL string
}

// Handler serves the catalog, cart and order endpoints.
type Handler struct {
	products     product.Repository
	carts        *cart.Service
	orders       *order.Service
	pricing      order.Pricing
	imageBaseURL string
}

// New constructs a Handler with the required domain dependencies.
func New(cfg Config, products product.Repository, carts *cart.Service, orders *order.Service) *Handler {
	return &Handler{
		products:     products,
		carts:        carts,
		orders:       orders,
		pricing:      orders.Pricing(),
		imageBaseURL: cfg.ImageBaseURL,
	}
}

// Routes mounts every endpoint under /api. Everything except the catalog
// requires a principal.
func (h *Handler) Routes(security *Security) chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{productId}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(security.Middleware)

			r.Get("/cart", h.GetCart)
			r.Post("/cart/items", h.AddCartItem)
			r.Put("/cart/items/{productId}", h.UpdateCartItem)
			r.Delete("/cart/items/{productId}", h.RemoveCartItem)

			r.Post("/checkout", h.Checkout)
			r.Post("/checkout/preview", h.PreviewCheckout)
			r.Post("/orders/confirm", h.ConfirmOrder)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{orderId}", h.GetOrder)
			r.Get("/admin/orders", h.ListAllOrders)
		})
	})
	return r
}
