package amazonpay

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"amazonpay-gateway/internal/domain"
)

// Error codes the gateway branches on. Anything else is treated as a generic
// decline by the lifecycle engine.
const (
	CodeTransactionTimedOut  = "TransactionTimedOut"
	CodeAmazonRejected       = "AmazonRejected"
	CodeProcessingFailure    = "ProcessingFailure"
	CodeInvalidPaymentMethod = "InvalidPaymentMethod"
)

// Constraint IDs returned by SetOrderReferenceDetails when the buyer's
// selection cannot be confirmed yet.
const (
	ConstraintBuyerEqualSeller        = "BuyerEqualSeller"
	ConstraintPaymentPlanNotSet       = "PaymentPlanNotSet"
	ConstraintPaymentMethodNotAllowed = "PaymentMethodNotAllowed"
	ConstraintShippingAddressNotSet   = "ShippingAddressNotSet"
)

// APIError is a typed provider error carrying the documented error code.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amazon pay: %s: %s", e.Code, e.Message)
}

type SetOrderReferenceDetailsRequest struct {
	ReferenceID       string
	Amount            decimal.Decimal
	Currency          string
	SellerNote        string
	SellerOrderID     string
	StoreName         string
	CustomInformation string
}

type ConfirmOrderReferenceRequest struct {
	ReferenceID string
	// Redirect targets for the MFA challenge; set only under SCA.
	SuccessURL string
	FailureURL string
}

type AuthorizeRequest struct {
	ReferenceID              string
	AuthorizationReferenceID string
	Amount                   decimal.Decimal
	Currency                 string
	CaptureNow               bool
	// Minutes Amazon may keep the authorization pending. 0 declines
	// immediately on timeout (synchronous mode), 1440 is the provider's
	// maximum asynchronous window.
	TransactionTimeout int
	SellerNote         string
}

type RefundRequest struct {
	CaptureID         string
	RefundReferenceID string
	Amount            decimal.Decimal
	Currency          string
	SellerRefundNote  string
}

type Price struct {
	Amount       string `xml:"Amount"`
	CurrencyCode string `xml:"CurrencyCode"`
}

type PhysicalAddress struct {
	Name          string `xml:"Name"`
	AddressLine1  string `xml:"AddressLine1"`
	AddressLine2  string `xml:"AddressLine2"`
	City          string `xml:"City"`
	StateOrRegion string `xml:"StateOrRegion"`
	PostalCode    string `xml:"PostalCode"`
	CountryCode   string `xml:"CountryCode"`
	Phone         string `xml:"Phone"`
}

type Buyer struct {
	Name  string `xml:"Name"`
	Email string `xml:"Email"`
	Phone string `xml:"Phone"`
}

type Constraint struct {
	ConstraintID string `xml:"ConstraintID"`
	Description  string `xml:"Description"`
}

type OrderReferenceDetails struct {
	AmazonOrderReferenceID string `xml:"AmazonOrderReferenceId"`
	OrderReferenceStatus   struct {
		State string `xml:"State"`
	} `xml:"OrderReferenceStatus"`
	Destination struct {
		PhysicalDestination PhysicalAddress `xml:"PhysicalDestination"`
	} `xml:"Destination"`
	BillingAddress struct {
		PhysicalAddress PhysicalAddress `xml:"PhysicalAddress"`
	} `xml:"BillingAddress"`
	Buyer         Buyer  `xml:"Buyer"`
	OrderTotal    Price  `xml:"OrderTotal"`
	OrderLanguage string `xml:"OrderLanguage"`
	Constraints   struct {
		Constraint []Constraint `xml:"Constraint"`
	} `xml:"Constraints"`
}

// State returns the order reference lifecycle state, or empty when the
// provider omitted it.
func (d *OrderReferenceDetails) State() domain.ReferenceState {
	return domain.ReferenceState(d.OrderReferenceStatus.State)
}

// HasDestinationName reports whether the details carry enough buyer/address
// information to persist. Accounts without the login app omit Name until the
// reference is confirmed.
func (d *OrderReferenceDetails) HasDestinationName() bool {
	return d.Destination.PhysicalDestination.Name != "" && d.Buyer.Name != ""
}

type AuthorizationDetails struct {
	AmazonAuthorizationID string `xml:"AmazonAuthorizationId"`
	AuthorizationStatus   struct {
		State      string `xml:"State"`
		ReasonCode string `xml:"ReasonCode"`
	} `xml:"AuthorizationStatus"`
	AuthorizationAmount Price `xml:"AuthorizationAmount"`
	CaptureNow          bool  `xml:"CaptureNow"`
	IDList              struct {
		Member []string `xml:"member"`
	} `xml:"IdList"`
}

func (d *AuthorizationDetails) State() domain.AuthorizationState {
	return domain.AuthorizationState(d.AuthorizationStatus.State)
}

// CaptureID returns the capture created by a capture-now authorization, if
// any.
func (d *AuthorizationDetails) CaptureID() string {
	if len(d.IDList.Member) == 0 {
		return ""
	}
	return d.IDList.Member[0]
}

type RefundDetails struct {
	AmazonRefundID string `xml:"AmazonRefundId"`
	RefundStatus   struct {
		State      string `xml:"State"`
		ReasonCode string `xml:"ReasonCode"`
	} `xml:"RefundStatus"`
	RefundAmount Price `xml:"RefundAmount"`
}

// FormatAddress converts a provider address into the gateway's domain form.
// US postal codes come back as ZIP+4 in login app mode; the +4 is dropped so
// the code matches what the storefront's rate calculations expect.
func FormatAddress(p PhysicalAddress) domain.Address {
	postal := p.PostalCode
	if p.CountryCode == "US" {
		postal = strings.SplitN(postal, "-", 2)[0]
	}
	return domain.Address{
		Name:       p.Name,
		Line1:      p.AddressLine1,
		Line2:      p.AddressLine2,
		City:       p.City,
		State:      p.StateOrRegion,
		PostalCode: postal,
		Country:    p.CountryCode,
		Phone:      p.Phone,
	}
}

// Response envelopes.

type setOrderReferenceDetailsResponse struct {
	Result struct {
		OrderReferenceDetails OrderReferenceDetails `xml:"OrderReferenceDetails"`
	} `xml:"SetOrderReferenceDetailsResult"`
}

type getOrderReferenceDetailsResponse struct {
	Result struct {
		OrderReferenceDetails OrderReferenceDetails `xml:"OrderReferenceDetails"`
	} `xml:"GetOrderReferenceDetailsResult"`
}

type confirmOrderReferenceResponse struct {
	RequestID string `xml:"ResponseMetadata>RequestId"`
}

type authorizeResponse struct {
	Result struct {
		AuthorizationDetails AuthorizationDetails `xml:"AuthorizationDetails"`
	} `xml:"AuthorizeResult"`
}

type getAuthorizationDetailsResponse struct {
	Result struct {
		AuthorizationDetails AuthorizationDetails `xml:"AuthorizationDetails"`
	} `xml:"GetAuthorizationDetailsResult"`
}

type refundResponse struct {
	Result struct {
		RefundDetails RefundDetails `xml:"RefundDetails"`
	} `xml:"RefundResult"`
}

type errorResponse struct {
	Error struct {
		Type    string `xml:"Type"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	} `xml:"Error"`
	RequestID string `xml:"RequestId"`
}
