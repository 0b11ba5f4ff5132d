package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"amazonpay-gateway/internal/config"
	"amazonpay-gateway/internal/domain"
	"amazonpay-gateway/internal/infrastructure/amazonpay"
	"amazonpay-gateway/internal/outbox"
	"amazonpay-gateway/internal/repository/order_repo"
	"amazonpay-gateway/internal/util"
)

// TaskPendingAuthCheck is the scheduled task that re-checks an asynchronous
// authorization which timed out during checkout.
const TaskPendingAuthCheck = "pending_authorization_check"

const (
	noticeNoPaymentMethod  = "An Amazon Pay payment method was not selected. Please choose a payment method and try again."
	noticeDeclinedRetry    = "There was a problem with your payment. Your order has not been placed and you have not been charged. Please try again."
	noticeDeclinedMethod   = "The selected payment method was declined. Please choose another one and try placing the order again."
	noticeMFAFailed        = "There was a problem authenticating your payment. Please try again, or use a different payment method."
	noticeMFAAbandoned     = "Authentication for the transaction was not completed. Please try again."
	noteOpenedManual       = "Order reference confirmed. Authorize and capture the payment within 7 days."
	noteAuthorized         = "Payment authorized. Capture the payment within 7 days."
	noteValidating         = "Transaction with Amazon Pay is currently being validated."
	noteMFAFailure         = "Could not authorize the payment: the buyer did not complete multi-factor authentication."
	noteAuthStillPending   = "Authorization was still pending after the final check. The payment could not be completed."
	noteAuthExpiredNoFunds = "Authorization closed without a capture. No funds were collected."
)

// Buyer-facing messages for the constraints that can come back when the
// selected payment cannot be confirmed yet.
var constraintMessages = map[string]string{
	amazonpay.ConstraintBuyerEqualSeller:        "Your Amazon account is the same as this store's Amazon account. Please use a different Amazon account.",
	amazonpay.ConstraintPaymentPlanNotSet:       "You have not selected a payment method from your Amazon account. Please choose a payment method for this transaction.",
	amazonpay.ConstraintPaymentMethodNotAllowed: "The selected payment method is not available for this transaction. Please select another one or add a new payment method to your Amazon account.",
	amazonpay.ConstraintShippingAddressNotSet:   "You have not selected a shipping address from your Amazon account. Please choose a shipping address for this transaction.",
}

// TaskScheduler queues the delayed authorization checks.
type TaskScheduler interface {
	ScheduleOnce(ctx context.Context, runAt time.Time, taskName string, payload []byte) error
	HasScheduled(ctx context.Context, taskName string, payload []byte) (bool, error)
}

// PaymentService drives an order through the Amazon Pay lifecycle: confirm
// the buyer's order reference, authorize and capture per the configured
// strategy, and settle asynchronous outcomes later.
type PaymentService interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, map[string]string, error)
	StartPayment(ctx context.Context, req StartPaymentRequest) (*Result, error)
	ResumeAfterSCA(ctx context.Context, orderID, authenticationStatus string) (*Result, error)
	Refund(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (string, error)
	CaptureZeroTotalAddress(ctx context.Context, orderID, referenceID, addressConsentToken string) error
	CheckPendingAuthorization(ctx context.Context, task domain.ScheduledTask) error
}

// StartPaymentRequest is one checkout submission.
type StartPaymentRequest struct {
	OrderID             string
	ReferenceID         string
	AddressConsentToken string
	// CurrencySwitched is set when the buyer changed the display currency
	// after the payment widgets were rendered, so the order reference total
	// must be re-sent before reading it back.
	CurrencySwitched bool
}

type pendingCheckPayload struct {
	OrderID         string `json:"order_id"`
	ReferenceID     string `json:"reference_id"`
	AuthorizationID string `json:"authorization_id"`
}

type Config struct {
	Strategy                config.Strategy
	AuthMode                config.AuthMode
	SCA                     bool
	LoginAppEnabled         bool
	StoreName               string
	CheckoutURL             string
	CartURL                 string
	ReturnURL               string
	PendingCheckDelay       time.Duration
	PendingCheckMaxAttempts int
}

type engine struct {
	orderRepo order_repo.OrderRepository
	client    amazonpay.Client
	scheduler TaskScheduler
	cfg       Config
	logger    *zap.Logger
}

func NewPaymentService(
	orderRepo order_repo.OrderRepository,
	client amazonpay.Client,
	scheduler TaskScheduler,
	cfg Config,
	logger *zap.Logger,
) PaymentService {
	return &engine{
		orderRepo: orderRepo,
		client:    client,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}
}

func (e *engine) CreateOrder(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = util.GenerateUUID()
	}
	if order.Number == "" {
		order.Number = order.ID
	}
	now := time.Now()
	order.Status = domain.OrderStatusNew
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := e.orderRepo.Create(ctx, order); err != nil {
		return err
	}
	e.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("number", order.Number),
		zap.String("total", order.Total.StringFixed(2)))
	return nil
}

func (e *engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, map[string]string, error) {
	order, err := e.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	meta, err := e.orderRepo.GetAllMeta(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, meta, nil
}

func (e *engine) StartPayment(ctx context.Context, req StartPaymentRequest) (*Result, error) {
	if req.ReferenceID == "" {
		return nil, &PaymentError{Kind: ErrKindInvalidInput, Message: noticeNoPaymentMethod}
	}

	order, err := e.orderRepo.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Payable() {
		if order.Status == domain.OrderStatusPaid {
			return nil, domain.ErrOrderAlreadyPaid
		}
		return nil, domain.ErrOrderNotPayable
	}

	e.logger.Info("Starting payment",
		zap.String("order_id", order.ID),
		zap.String("reference_id", req.ReferenceID),
		zap.String("strategy", string(e.cfg.Strategy)))

	if req.CurrencySwitched {
		// The rendered widget saw a different currency; push the real total
		// before reading the reference back.
		if _, err := e.setOrderReferenceDetails(ctx, order, req.ReferenceID); err != nil {
			return nil, err
		}
	}

	details := e.fetchReferenceDetails(ctx, req.ReferenceID, req.AddressConsentToken)

	if details != nil && details.OrderLanguage != "" {
		if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaOrderLanguage, details.OrderLanguage); err != nil {
			return nil, err
		}
	}

	// The reference total can only be set while the reference is still a
	// draft; re-sending it after confirmation is rejected by the provider.
	if details == nil || details.State() == domain.ReferenceStateDraft {
		if details, err = e.setOrderReferenceDetails(ctx, order, req.ReferenceID); err != nil {
			return nil, err
		}
	}

	confirm := amazonpay.ConfirmOrderReferenceRequest{ReferenceID: req.ReferenceID}
	if e.cfg.SCA {
		confirm.SuccessURL = e.cfg.CheckoutURL
		confirm.FailureURL = e.cfg.CheckoutURL
	}
	if err := e.client.ConfirmOrderReference(ctx, confirm); err != nil {
		return nil, e.providerError(err, "confirm order reference")
	}

	// Accounts without the login app only expose the full destination after
	// the reference is confirmed.
	if details == nil || !details.HasDestinationName() {
		if refreshed := e.fetchReferenceDetails(ctx, req.ReferenceID, req.AddressConsentToken); refreshed != nil {
			details = refreshed
		}
	}

	if details != nil && details.HasDestinationName() {
		if err := e.storeBuyerDetails(ctx, order.ID, details); err != nil {
			return nil, err
		}
	}

	if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaReferenceID, req.ReferenceID); err != nil {
		return nil, err
	}
	if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaTransactionID, req.ReferenceID); err != nil {
		return nil, err
	}

	if e.cfg.SCA {
		// The storefront opens the multi-factor challenge now; payment
		// resumes when the provider redirects the buyer back.
		return &Result{Kind: ResultPending}, nil
	}

	return e.processPaymentCapture(ctx, order, req.ReferenceID)
}

func (e *engine) ResumeAfterSCA(ctx context.Context, orderID, authenticationStatus string) (*Result, error) {
	order, err := e.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	referenceID, err := e.orderRepo.GetMeta(ctx, orderID, domain.MetaReferenceID)
	if err != nil {
		return nil, err
	}
	if referenceID == "" {
		return nil, &PaymentError{Kind: ErrKindInvalidInput, Message: noticeNoPaymentMethod}
	}

	e.logger.Info("Resuming payment after authentication",
		zap.String("order_id", orderID),
		zap.String("authentication_status", authenticationStatus))

	switch authenticationStatus {
	case "Success":
		return e.processPaymentCapture(ctx, order, referenceID)

	case "Failure":
		if err := e.setOrderStatus(ctx, order, domain.OrderStatusCanceled, noteMFAFailure, referenceID); err != nil {
			return nil, err
		}
		if err := e.client.CancelOrderReference(ctx, referenceID, "MFA Failure"); err != nil {
			e.logger.Error("Failed to cancel order reference after failed authentication",
				zap.String("order_id", orderID),
				zap.String("reference_id", referenceID),
				zap.Error(err))
		}
		return &Result{
			Kind:     ResultFailed,
			Redirect: e.cfg.CartURL,
			Notice:   noticeMFAFailed,
			Session:  &Session{Logout: true},
		}, nil

	case "Abandoned":
		return &Result{
			Kind:     ResultFailed,
			Redirect: e.cfg.CheckoutURL,
			Notice:   noticeMFAAbandoned,
		}, nil

	default:
		// Unknown status from the redirect; leave the order untouched and
		// silently send the buyer back to checkout.
		e.logger.Warn("Unknown authentication status on return",
			zap.String("order_id", orderID),
			zap.String("authentication_status", authenticationStatus))
		return &Result{
			Kind:     ResultFailed,
			Redirect: e.cfg.CheckoutURL,
		}, nil
	}
}

func (e *engine) Refund(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (string, error) {
	order, err := e.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	captureID, err := e.orderRepo.GetMeta(ctx, orderID, domain.MetaCaptureID)
	if err != nil {
		return "", err
	}
	if captureID == "" {
		return "", domain.ErrRefundUnavailable
	}

	details, err := e.client.Refund(ctx, amazonpay.RefundRequest{
		CaptureID:         captureID,
		RefundReferenceID: fmt.Sprintf("%s-%d", order.Number, time.Now().Unix()),
		Amount:            amount,
		Currency:          order.Currency,
		SellerRefundNote:  reason,
	})
	if err != nil {
		return "", e.providerError(err, "refund")
	}

	if err := e.orderRepo.SetMeta(ctx, orderID, domain.MetaRefundID, details.AmazonRefundID); err != nil {
		return "", err
	}

	e.logger.Info("Refund submitted",
		zap.String("order_id", orderID),
		zap.String("refund_id", details.AmazonRefundID),
		zap.String("amount", amount.StringFixed(2)))
	return details.AmazonRefundID, nil
}

// CaptureZeroTotalAddress pulls the buyer's address for a free order. With a
// zero total no payment flow ever runs, so the address would otherwise never
// be read from the reference.
func (e *engine) CaptureZeroTotalAddress(ctx context.Context, orderID, referenceID, addressConsentToken string) error {
	if !e.cfg.LoginAppEnabled || addressConsentToken == "" {
		return nil
	}
	order, err := e.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Total.IsZero() {
		return nil
	}

	details, err := e.client.GetOrderReferenceDetails(ctx, referenceID, addressConsentToken)
	if err != nil {
		return e.providerError(err, "get order reference details")
	}
	return e.storeBuyerDetails(ctx, orderID, details)
}

func (e *engine) CheckPendingAuthorization(ctx context.Context, task domain.ScheduledTask) error {
	var payload pendingCheckPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("invalid pending check payload: %w", err)
	}

	order, err := e.orderRepo.GetByID(ctx, payload.OrderID)
	if err != nil {
		return err
	}

	// No further check runs after the last attempt, so any outcome short of a
	// resolved authorization has to fail the order now rather than leave it
	// on hold forever.
	finalAttempt := task.Attempts+1 >= e.cfg.PendingCheckMaxAttempts

	// A previous async authorize may have failed before yielding an ID; issue
	// a fresh one and check it on the next run.
	if payload.AuthorizationID == "" {
		if finalAttempt {
			return e.failPendingOrder(ctx, order, payload.ReferenceID, noteAuthStillPending)
		}
		details, err := e.authorizeAsync(ctx, order, payload.ReferenceID)
		if err != nil {
			return err
		}
		if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaAuthorizationID, details.AmazonAuthorizationID); err != nil {
			return err
		}
		return fmt.Errorf("authorization %s newly issued, awaiting state", details.AmazonAuthorizationID)
	}

	details, err := e.client.GetAuthorizationDetails(ctx, payload.AuthorizationID)
	if err != nil {
		if finalAttempt {
			e.logger.Error("Could not read authorization state on the last check",
				zap.String("order_id", order.ID),
				zap.String("authorization_id", payload.AuthorizationID),
				zap.Error(err))
			return e.failPendingOrder(ctx, order, payload.ReferenceID, noteAuthStillPending)
		}
		return e.providerError(err, "get authorization details")
	}

	e.logger.Info("Checked pending authorization",
		zap.String("order_id", order.ID),
		zap.String("authorization_id", payload.AuthorizationID),
		zap.String("state", string(details.State())),
		zap.Int("attempt", task.Attempts+1))

	switch details.State() {
	case domain.AuthStateOpen:
		if err := e.setOrderStatus(ctx, order, domain.OrderStatusOnHold, noteAuthorized, payload.ReferenceID); err != nil {
			return err
		}
		if err := e.orderRepo.ReduceInventory(ctx, order.ID); err != nil {
			return err
		}
		return e.orderRepo.DeleteMeta(ctx, order.ID, domain.MetaTimedOut)

	case domain.AuthStateClosed:
		captureID := details.CaptureID()
		if captureID == "" {
			return e.failPendingOrder(ctx, order, payload.ReferenceID, noteAuthExpiredNoFunds)
		}
		if err := e.finalizeCapture(ctx, order, payload.ReferenceID, payload.AuthorizationID, captureID); err != nil {
			return err
		}
		return e.orderRepo.DeleteMeta(ctx, order.ID, domain.MetaTimedOut)

	case domain.AuthStateDeclined:
		note := fmt.Sprintf("Authorization declined by Amazon Pay (%s).", details.AuthorizationStatus.ReasonCode)
		return e.failPendingOrder(ctx, order, payload.ReferenceID, note)

	default: // still Pending
		if finalAttempt {
			return e.failPendingOrder(ctx, order, payload.ReferenceID, noteAuthStillPending)
		}
		return fmt.Errorf("authorization %s still pending", payload.AuthorizationID)
	}
}

// failPendingOrder gives up on a timed-out authorization: the order fails,
// the authorization lock is released, and the timed-out flag is cleared.
func (e *engine) failPendingOrder(ctx context.Context, order *domain.Order, referenceID, note string) error {
	if err := e.setOrderStatus(ctx, order, domain.OrderStatusFailed, note, referenceID); err != nil {
		return err
	}
	if err := e.orderRepo.ReleaseAuthLock(ctx, order.ID); err != nil {
		return err
	}
	return e.orderRepo.DeleteMeta(ctx, order.ID, domain.MetaTimedOut)
}

// processPaymentCapture runs the configured strategy against a confirmed
// order reference.
func (e *engine) processPaymentCapture(ctx context.Context, order *domain.Order, referenceID string) (*Result, error) {
	if e.cfg.Strategy == config.StrategyManual {
		if err := e.setOrderStatus(ctx, order, domain.OrderStatusOnHold, noteOpenedManual, referenceID); err != nil {
			return nil, err
		}
		if err := e.orderRepo.ReduceInventory(ctx, order.ID); err != nil {
			return nil, err
		}
		return e.successResult(order), nil
	}

	locked, err := e.orderRepo.AcquireAuthLock(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, domain.ErrAuthorizationInProgress
	}

	captureNow := e.cfg.Strategy == config.StrategyAuthorizeAndCapture
	details, err := e.client.Authorize(ctx, amazonpay.AuthorizeRequest{
		ReferenceID:              referenceID,
		AuthorizationReferenceID: fmt.Sprintf("%s-%d", order.Number, time.Now().Unix()),
		Amount:                   order.Total,
		Currency:                 order.Currency,
		CaptureNow:               captureNow,
	})
	if err != nil {
		var apiErr *amazonpay.APIError
		if errors.As(err, &apiErr) {
			return e.handleDecline(ctx, order, referenceID, apiErr.Code)
		}
		if relErr := e.orderRepo.ReleaseAuthLock(ctx, order.ID); relErr != nil {
			e.logger.Error("Failed to release authorization lock", zap.String("order_id", order.ID), zap.Error(relErr))
		}
		return nil, e.providerError(err, "authorize")
	}

	if details.State() == domain.AuthStateDeclined {
		return e.handleDecline(ctx, order, referenceID, details.AuthorizationStatus.ReasonCode)
	}

	if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaAuthorizationID, details.AmazonAuthorizationID); err != nil {
		return nil, err
	}

	if captureNow {
		if err := e.finalizeCapture(ctx, order, referenceID, details.AmazonAuthorizationID, details.CaptureID()); err != nil {
			return nil, err
		}
		return e.successResult(order), nil
	}

	// Authorize only: the lock stays held while the authorization is open so
	// a second attempt cannot double-authorize.
	if err := e.setOrderStatus(ctx, order, domain.OrderStatusOnHold, noteAuthorized, referenceID); err != nil {
		return nil, err
	}
	if err := e.orderRepo.ReduceInventory(ctx, order.ID); err != nil {
		return nil, err
	}
	return e.successResult(order), nil
}

// handleDecline routes an authorization decline by reason code. Hard declines
// cancel the order reference, soft declines keep it so the buyer can pick
// another payment method, and an asynchronous-mode timeout becomes a
// scheduled re-check.
func (e *engine) handleDecline(ctx context.Context, order *domain.Order, referenceID, code string) (*Result, error) {
	e.logger.Warn("Authorization declined",
		zap.String("order_id", order.ID),
		zap.String("reference_id", referenceID),
		zap.String("reason_code", code))

	if code == amazonpay.CodeTransactionTimedOut && e.cfg.AuthMode == config.AuthModeAsync {
		// Lock stays held: the scheduled check still owns this authorization.
		return e.scheduleAsyncRetry(ctx, order, referenceID)
	}

	if err := e.orderRepo.ReleaseAuthLock(ctx, order.ID); err != nil {
		return nil, err
	}

	note := fmt.Sprintf("Authorization declined by Amazon Pay (%s).", code)
	if err := e.setOrderStatus(ctx, order, domain.OrderStatusFailed, note, referenceID); err != nil {
		return nil, err
	}

	switch code {
	case amazonpay.CodeTransactionTimedOut, amazonpay.CodeAmazonRejected, amazonpay.CodeProcessingFailure:
		// The reference is no longer usable; cancel it so the buyer starts
		// over with a fresh widget session.
		if err := e.client.CancelOrderReference(ctx, referenceID, code); err != nil {
			e.logger.Error("Failed to cancel order reference after decline",
				zap.String("order_id", order.ID),
				zap.String("reference_id", referenceID),
				zap.Error(err))
		}
		return nil, &PaymentError{
			Kind:    ErrKindDeclined,
			Message: noticeDeclinedRetry,
			Session: &Session{
				DeclinedCode:    code,
				DeclinedOrderID: order.ID,
				ReloadCheckout:  true,
				Logout:          code == amazonpay.CodeAmazonRejected,
			},
		}
	default:
		// InvalidPaymentMethod and anything unrecognized: the reference
		// survives, the buyer just picks another wallet entry.
		return nil, &PaymentError{
			Kind:    ErrKindDeclined,
			Message: noticeDeclinedMethod,
			Session: &Session{
				DeclinedCode:    code,
				DeclinedOrderID: order.ID,
				ReloadCheckout:  true,
			},
		}
	}
}

// scheduleAsyncRetry puts the order on hold, issues an asynchronous
// authorization, and queues the delayed state check.
func (e *engine) scheduleAsyncRetry(ctx context.Context, order *domain.Order, referenceID string) (*Result, error) {
	if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaTimedOut, "1"); err != nil {
		return nil, err
	}
	if err := e.setOrderStatus(ctx, order, domain.OrderStatusOnHold, noteValidating, referenceID); err != nil {
		return nil, err
	}

	authorizationID := ""
	details, err := e.authorizeAsync(ctx, order, referenceID)
	if err != nil {
		// The check task re-issues the authorization later.
		e.logger.Error("Asynchronous authorization failed, deferring to scheduled check",
			zap.String("order_id", order.ID),
			zap.Error(err))
	} else {
		authorizationID = details.AmazonAuthorizationID
		if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaAuthorizationID, authorizationID); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(pendingCheckPayload{
		OrderID:         order.ID,
		ReferenceID:     referenceID,
		AuthorizationID: authorizationID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending check payload: %w", err)
	}

	scheduled, err := e.scheduler.HasScheduled(ctx, TaskPendingAuthCheck, payload)
	if err != nil {
		return nil, err
	}
	if !scheduled {
		err := e.scheduler.ScheduleOnce(ctx, time.Now().Add(e.cfg.PendingCheckDelay), TaskPendingAuthCheck, payload)
		if err != nil && !errors.Is(err, domain.ErrTaskAlreadyScheduled) {
			return nil, err
		}
	}

	e.logger.Info("Scheduled pending authorization check",
		zap.String("order_id", order.ID),
		zap.String("authorization_id", authorizationID),
		zap.Duration("delay", e.cfg.PendingCheckDelay))

	// The buyer's order is placed; validation continues in the background.
	return e.successResult(order), nil
}

func (e *engine) authorizeAsync(ctx context.Context, order *domain.Order, referenceID string) (*amazonpay.AuthorizationDetails, error) {
	details, err := e.client.Authorize(ctx, amazonpay.AuthorizeRequest{
		ReferenceID:              referenceID,
		AuthorizationReferenceID: fmt.Sprintf("%s-%d", order.Number, time.Now().Unix()),
		Amount:                   order.Total,
		Currency:                 order.Currency,
		CaptureNow:               e.cfg.Strategy == config.StrategyAuthorizeAndCapture,
		TransactionTimeout:       1440,
	})
	if err != nil {
		return nil, e.providerError(err, "authorize")
	}
	return details, nil
}

// finalizeCapture records a completed capture: mark the order paid, close the
// reference, and release the authorization lock.
func (e *engine) finalizeCapture(ctx context.Context, order *domain.Order, referenceID, authorizationID, captureID string) error {
	if err := e.orderRepo.SetMeta(ctx, order.ID, domain.MetaCaptureID, captureID); err != nil {
		return err
	}

	order.Status = domain.OrderStatusPaid
	payload, err := outbox.PrepareOrderStatusPayload(order, referenceID, "", time.Now())
	if err != nil {
		return fmt.Errorf("failed to marshal order status event: %w", err)
	}
	event := &domain.OutboxMessage{
		ID:        util.GenerateUUID(),
		Key:       order.ID,
		Payload:   payload,
		Status:    domain.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
	if err := e.orderRepo.MarkPaidWithEvent(ctx, order.ID, event); err != nil {
		return err
	}
	if err := e.orderRepo.ReduceInventory(ctx, order.ID); err != nil {
		return err
	}

	if err := e.client.CloseOrderReference(ctx, referenceID); err != nil {
		e.logger.Error("Failed to close order reference after capture",
			zap.String("order_id", order.ID),
			zap.String("reference_id", referenceID),
			zap.Error(err))
	}

	if err := e.orderRepo.ReleaseAuthLock(ctx, order.ID); err != nil {
		return err
	}

	e.logger.Info("Payment captured",
		zap.String("order_id", order.ID),
		zap.String("authorization_id", authorizationID),
		zap.String("capture_id", captureID))
	return nil
}

func (e *engine) setOrderReferenceDetails(ctx context.Context, order *domain.Order, referenceID string) (*amazonpay.OrderReferenceDetails, error) {
	details, err := e.client.SetOrderReferenceDetails(ctx, amazonpay.SetOrderReferenceDetailsRequest{
		ReferenceID:   referenceID,
		Amount:        order.Total,
		Currency:      order.Currency,
		SellerNote:    fmt.Sprintf("Order %s from %s.", order.Number, e.cfg.StoreName),
		SellerOrderID: order.Number,
		StoreName:     e.cfg.StoreName,
	})
	if err != nil {
		return nil, e.providerError(err, "set order reference details")
	}

	if msgs := constraintNotices(details); len(msgs) > 0 {
		return nil, &PaymentError{
			Kind:    ErrKindConstraint,
			Message: joinNotices(msgs),
			Session: &Session{ReloadCheckout: true},
		}
	}
	return details, nil
}

// fetchReferenceDetails reads the order reference, tolerating provider
// errors: a failed read just means the details get re-sent as if the
// reference were still a draft.
func (e *engine) fetchReferenceDetails(ctx context.Context, referenceID, addressConsentToken string) *amazonpay.OrderReferenceDetails {
	token := ""
	if e.cfg.LoginAppEnabled {
		token = addressConsentToken
	}
	details, err := e.client.GetOrderReferenceDetails(ctx, referenceID, token)
	if err != nil {
		e.logger.Warn("Failed to get order reference details",
			zap.String("reference_id", referenceID),
			zap.Error(err))
		return nil
	}
	return details
}

func (e *engine) storeBuyerDetails(ctx context.Context, orderID string, details *amazonpay.OrderReferenceDetails) error {
	shipping := amazonpay.FormatAddress(details.Destination.PhysicalDestination)
	billing := amazonpay.FormatAddress(details.BillingAddress.PhysicalAddress)
	if billing.Name == "" {
		billing = shipping
	}
	if billing.Name == "" && details.Buyer.Name != "" {
		billing.Name = details.Buyer.Name
	}
	if billing.Phone == "" {
		billing.Phone = details.Buyer.Phone
	}
	return e.orderRepo.SetAddresses(ctx, orderID, shipping, billing, details.Buyer.Email)
}

// setOrderStatus updates the order and writes the matching outbox event in
// one transaction.
func (e *engine) setOrderStatus(ctx context.Context, order *domain.Order, status domain.OrderStatus, note, referenceID string) error {
	order.Status = status
	order.StatusNote = note
	payload, err := outbox.PrepareOrderStatusPayload(order, referenceID, note, time.Now())
	if err != nil {
		return fmt.Errorf("failed to marshal order status event: %w", err)
	}
	event := &domain.OutboxMessage{
		ID:        util.GenerateUUID(),
		Key:       order.ID,
		Payload:   payload,
		Status:    domain.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
	return e.orderRepo.SetStatusWithEvent(ctx, order.ID, status, note, event)
}

func (e *engine) successResult(order *domain.Order) *Result {
	return &Result{
		Kind:      ResultSuccess,
		Redirect:  fmt.Sprintf("%s/%s", e.cfg.ReturnURL, order.ID),
		ClearCart: true,
	}
}

func (e *engine) providerError(err error, op string) error {
	var apiErr *amazonpay.APIError
	if errors.As(err, &apiErr) {
		return &PaymentError{
			Kind:    ErrKindProvider,
			Message: noticeDeclinedRetry,
			Err:     fmt.Errorf("%s: %w", op, err),
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func constraintNotices(details *amazonpay.OrderReferenceDetails) []string {
	var msgs []string
	for _, c := range details.Constraints.Constraint {
		if msg, ok := constraintMessages[c.ConstraintID]; ok {
			msgs = append(msgs, msg)
		} else {
			msgs = append(msgs, c.Description)
		}
	}
	return msgs
}

func joinNotices(msgs []string) string {
	out := msgs[0]
	for _, m := range msgs[1:] {
		out += " " + m
	}
	return out
}
