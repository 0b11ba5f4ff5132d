package checkout_http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"amazonpay-gateway/internal/app/lifecycle"
	"amazonpay-gateway/internal/domain"
)

type CheckoutHandler struct {
	service lifecycle.PaymentService
	logger  *zap.Logger
}

func NewCheckoutHandler(s lifecycle.PaymentService, l *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{service: s, logger: l}
}

type AddressPayload struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type CreateOrderRequest struct {
	Number     string          `json:"number"`
	Total      string          `json:"total"`
	Currency   string          `json:"currency"`
	BuyerEmail string          `json:"buyer_email,omitempty"`
	Shipping   *AddressPayload `json:"shipping,omitempty"`
	Billing    *AddressPayload `json:"billing,omitempty"`
}

type OrderResponse struct {
	ID         string            `json:"id"`
	Number     string            `json:"number"`
	Total      string            `json:"total"`
	Currency   string            `json:"currency"`
	Status     string            `json:"status"`
	StatusNote string            `json:"status_note,omitempty"`
	BuyerEmail string            `json:"buyer_email,omitempty"`
	Shipping   AddressPayload    `json:"shipping"`
	Billing    AddressPayload    `json:"billing"`
	PaidAt     string            `json:"paid_at,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type PayRequest struct {
	ReferenceID         string `json:"reference_id"`
	AddressConsentToken string `json:"address_consent_token,omitempty"`
	CurrencySwitched    bool   `json:"currency_switched,omitempty"`
}

type RefundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type RefundResponse struct {
	RefundID string `json:"refund_id"`
}

type CaptureAddressRequest struct {
	ReferenceID         string `json:"reference_id"`
	AddressConsentToken string `json:"address_consent_token"`
}

type FailureResponse struct {
	Result  string             `json:"result"`
	Message string             `json:"message"`
	Session *lifecycle.Session `json:"session,omitempty"`
}

func (h *CheckoutHandler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Invalid request body for CreateOrder", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	total, err := decimal.NewFromString(req.Total)
	if err != nil || total.IsNegative() {
		http.Error(w, "Total must be a non-negative decimal amount", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		http.Error(w, "Currency is required", http.StatusBadRequest)
		return
	}

	order := &domain.Order{
		Number:     req.Number,
		Total:      total,
		Currency:   req.Currency,
		BuyerEmail: req.BuyerEmail,
	}
	if req.Shipping != nil {
		order.ShippingAddress = toDomainAddress(*req.Shipping)
	}
	if req.Billing != nil {
		order.BillingAddress = toDomainAddress(*req.Billing)
	}

	if err := h.service.CreateOrder(r.Context(), order); err != nil {
		h.logger.Error("Failed to create order", zap.String("number", req.Number), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, orderResponse(order, nil))
}

func (h *CheckoutHandler) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	order, meta, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			http.Error(w, "Order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get order", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, orderResponse(order, meta))
}

func (h *CheckoutHandler) PayHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Invalid request body for Pay", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.StartPayment(r.Context(), lifecycle.StartPaymentRequest{
		OrderID:             orderID,
		ReferenceID:         req.ReferenceID,
		AddressConsentToken: req.AddressConsentToken,
		CurrencySwitched:    req.CurrencySwitched,
	})
	if err != nil {
		h.writePaymentError(w, orderID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *CheckoutHandler) SCAReturnHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	status := r.URL.Query().Get("AuthenticationStatus")
	if status == "" {
		http.Error(w, "AuthenticationStatus is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.ResumeAfterSCA(r.Context(), orderID, status)
	if err != nil {
		h.writePaymentError(w, orderID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *CheckoutHandler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Invalid request body for Refund", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		http.Error(w, "Amount must be a positive decimal amount", http.StatusBadRequest)
		return
	}

	refundID, err := h.service.Refund(r.Context(), orderID, amount, req.Reason)
	if err != nil {
		if errors.Is(err, domain.ErrRefundUnavailable) {
			h.logger.Warn("Refund requested for order without a capture", zap.String("order_id", orderID))
			http.Error(w, "Order has no captured payment to refund", http.StatusConflict)
			return
		}
		h.writePaymentError(w, orderID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RefundResponse{RefundID: refundID})
}

func (h *CheckoutHandler) CaptureAddressHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	var req CaptureAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Invalid request body for CaptureAddress", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.CaptureZeroTotalAddress(r.Context(), orderID, req.ReferenceID, req.AddressConsentToken); err != nil {
		h.writePaymentError(w, orderID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandler) writePaymentError(w http.ResponseWriter, orderID string, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrOrderAlreadyPaid):
		http.Error(w, "Order is already paid", http.StatusConflict)
		return
	case errors.Is(err, domain.ErrOrderNotPayable):
		http.Error(w, "Order is not payable", http.StatusConflict)
		return
	case errors.Is(err, domain.ErrAuthorizationInProgress):
		http.Error(w, "An authorization is already in progress for this order", http.StatusConflict)
		return
	}

	var payErr *lifecycle.PaymentError
	if errors.As(err, &payErr) {
		status := http.StatusBadRequest
		switch payErr.Kind {
		case lifecycle.ErrKindConstraint:
			status = http.StatusUnprocessableEntity
		case lifecycle.ErrKindDeclined:
			status = http.StatusPaymentRequired
		case lifecycle.ErrKindProvider:
			status = http.StatusBadGateway
		}
		h.logger.Warn("Payment attempt failed",
			zap.String("order_id", orderID),
			zap.String("kind", string(payErr.Kind)),
			zap.Error(err))
		h.writeJSON(w, status, FailureResponse{
			Result:  "failure",
			Message: payErr.Message,
			Session: payErr.Session,
		})
		return
	}

	h.logger.Error("Payment attempt failed", zap.String("order_id", orderID), zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (h *CheckoutHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func toDomainAddress(a AddressPayload) domain.Address {
	return domain.Address{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func toAddressPayload(a domain.Address) AddressPayload {
	return AddressPayload{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func orderResponse(order *domain.Order, meta map[string]string) OrderResponse {
	resp := OrderResponse{
		ID:         order.ID,
		Number:     order.Number,
		Total:      order.Total.StringFixed(2),
		Currency:   order.Currency,
		Status:     string(order.Status),
		StatusNote: order.StatusNote,
		BuyerEmail: order.BuyerEmail,
		Shipping:   toAddressPayload(order.ShippingAddress),
		Billing:    toAddressPayload(order.BillingAddress),
		Meta:       meta,
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.Format(http.TimeFormat)
	}
	return resp
}
