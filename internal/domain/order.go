package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("order not found")
var ErrOrderNotPayable = errors.New("order is not payable")
var ErrOrderAlreadyPaid = errors.New("order already paid")
var ErrRefundUnavailable = errors.New("order has no capture reference")
var ErrAuthorizationInProgress = errors.New("an authorization is already in progress for this order")

type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusOnHold   OrderStatus = "ON_HOLD"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusFailed   OrderStatus = "FAILED"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// Meta keys stored per order. The reference ID doubles as the transaction ID
// shown to the merchant.
const (
	MetaReferenceID     = "amazon_reference_id"
	MetaTransactionID   = "transaction_id"
	MetaOrderLanguage   = "amazon_order_language"
	MetaAuthorizationID = "amazon_authorization_id"
	MetaCaptureID       = "amazon_capture_id"
	MetaRefundID        = "amazon_refund_id"
	MetaTimedOut        = "amazon_timed_out_transaction"
	MetaAuthLock        = "amazon_authorization_lock"
)

type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

type Order struct {
	ID               string
	Number           string
	Total            decimal.Decimal
	Currency         string
	Status           OrderStatus
	StatusNote       string
	BuyerEmail       string
	ShippingAddress  Address
	BillingAddress   Address
	InventoryReduced bool
	PaidAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Payable reports whether a payment attempt may be started for the order.
// Failed orders stay payable so the buyer can retry after a decline.
func (o *Order) Payable() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusFailed
}
