package checkout_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.uber.org/zap"

	"amazonpay-gateway/internal/app/lifecycle"
)

func RegisterRoutes(r chi.Router, s lifecycle.PaymentService, l *zap.Logger) {
	handler := NewCheckoutHandler(s, l.With(zap.String("component", "CheckoutHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Payment gateway is healthy!"))
		})
	})

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrderHandler)
		r.Get("/{orderID}", handler.GetOrderHandler)
		r.Post("/{orderID}/refund", handler.RefundHandler)
	})

	r.Route("/api/checkout", func(r chi.Router) {
		r.Post("/{orderID}/pay", handler.PayHandler)
		r.Get("/{orderID}/sca-return", handler.SCAReturnHandler)
		r.Post("/{orderID}/address", handler.CaptureAddressHandler)
	})
}
