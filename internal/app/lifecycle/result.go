package lifecycle

import "fmt"

type ResultKind string

const (
	// ResultSuccess means the order was placed; the buyer is redirected to
	// the order-received page.
	ResultSuccess ResultKind = "success"
	// ResultPending means a multi-factor challenge is in flight; the
	// storefront keeps the buyer on checkout until the provider redirects
	// back.
	ResultPending ResultKind = "pending"
	// ResultFailed means the attempt ended without a placed order.
	ResultFailed ResultKind = "failed"
)

// Session carries the per-checkout flags a payment attempt leaves behind for
// the storefront: which decline happened, whether the widgets must be
// reloaded, and whether the buyer has to be logged out of their provider
// session.
type Session struct {
	DeclinedCode    string `json:"declined_code,omitempty"`
	DeclinedOrderID string `json:"declined_order_id,omitempty"`
	ReloadCheckout  bool   `json:"reload_checkout,omitempty"`
	Logout          bool   `json:"logout,omitempty"`
}

// Result is the outcome of a payment attempt the storefront acts on.
type Result struct {
	Kind      ResultKind `json:"result"`
	Redirect  string     `json:"redirect,omitempty"`
	ClearCart bool       `json:"clear_cart,omitempty"`
	Notice    string     `json:"notice,omitempty"`
	Session   *Session   `json:"session,omitempty"`
}

type ErrorKind string

const (
	ErrKindInvalidInput ErrorKind = "invalid_input"
	ErrKindConstraint   ErrorKind = "constraint_violation"
	ErrKindDeclined     ErrorKind = "declined"
	ErrKindProvider     ErrorKind = "provider_error"
)

// PaymentError is a failed payment attempt with a buyer-facing message and
// optional session flags for the storefront.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Session *Session
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("payment failed (%s): %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}
