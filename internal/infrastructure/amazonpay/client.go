package amazonpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const apiVersion = "2013-01-01"

// Client performs the signed provider calls the payment lifecycle consumes.
type Client interface {
	SetOrderReferenceDetails(ctx context.Context, req SetOrderReferenceDetailsRequest) (*OrderReferenceDetails, error)
	ConfirmOrderReference(ctx context.Context, req ConfirmOrderReferenceRequest) error
	GetOrderReferenceDetails(ctx context.Context, referenceID, addressConsentToken string) (*OrderReferenceDetails, error)
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizationDetails, error)
	GetAuthorizationDetails(ctx context.Context, authorizationID string) (*AuthorizationDetails, error)
	CloseOrderReference(ctx context.Context, referenceID string) error
	CancelOrderReference(ctx context.Context, referenceID, reason string) error
	Refund(ctx context.Context, req RefundRequest) (*RefundDetails, error)
}

type Config struct {
	Endpoint   string
	SellerID   string
	AccessKey  string
	SecretKey  string
	PlatformID string
	Timeout    time.Duration
}

type httpClient struct {
	cfg        Config
	endpoint   *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(cfg Config, logger *zap.Logger) (Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("amazon pay endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid amazon pay endpoint %q: %w", cfg.Endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		cfg:        cfg,
		endpoint:   u,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (c *httpClient) SetOrderReferenceDetails(ctx context.Context, req SetOrderReferenceDetailsRequest) (*OrderReferenceDetails, error) {
	params := url.Values{}
	params.Set("AmazonOrderReferenceId", req.ReferenceID)
	params.Set("OrderReferenceAttributes.OrderTotal.Amount", req.Amount.StringFixed(2))
	params.Set("OrderReferenceAttributes.OrderTotal.CurrencyCode", req.Currency)
	params.Set("OrderReferenceAttributes.SellerNote", req.SellerNote)
	params.Set("OrderReferenceAttributes.SellerOrderAttributes.SellerOrderId", req.SellerOrderID)
	params.Set("OrderReferenceAttributes.SellerOrderAttributes.StoreName", req.StoreName)
	params.Set("OrderReferenceAttributes.PlatformId", c.cfg.PlatformID)
	if req.CustomInformation != "" {
		params.Set("OrderReferenceAttributes.SellerOrderAttributes.CustomInformation", req.CustomInformation)
	}

	var resp setOrderReferenceDetailsResponse
	if err := c.request(ctx, "SetOrderReferenceDetails", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.OrderReferenceDetails, nil
}

func (c *httpClient) ConfirmOrderReference(ctx context.Context, req ConfirmOrderReferenceRequest) error {
	params := url.Values{}
	params.Set("AmazonOrderReferenceId", req.ReferenceID)
	if req.SuccessURL != "" {
		params.Set("SuccessUrl", req.SuccessURL)
	}
	if req.FailureURL != "" {
		params.Set("FailureUrl", req.FailureURL)
	}

	var resp confirmOrderReferenceResponse
	return c.request(ctx, "ConfirmOrderReference", params, &resp)
}

func (c *httpClient) GetOrderReferenceDetails(ctx context.Context, referenceID, addressConsentToken string) (*OrderReferenceDetails, error) {
	params := url.Values{}
	params.Set("AmazonOrderReferenceId", referenceID)
	if addressConsentToken != "" {
		params.Set("AddressConsentToken", addressConsentToken)
	}

	var resp getOrderReferenceDetailsResponse
	if err := c.request(ctx, "GetOrderReferenceDetails", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.OrderReferenceDetails, nil
}

func (c *httpClient) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizationDetails, error) {
	params := url.Values{}
	params.Set("AmazonOrderReferenceId", req.ReferenceID)
	params.Set("AuthorizationReferenceId", req.AuthorizationReferenceID)
	params.Set("AuthorizationAmount.Amount", req.Amount.StringFixed(2))
	params.Set("AuthorizationAmount.CurrencyCode", req.Currency)
	params.Set("CaptureNow", fmt.Sprintf("%t", req.CaptureNow))
	params.Set("TransactionTimeout", fmt.Sprintf("%d", req.TransactionTimeout))
	if req.SellerNote != "" {
		params.Set("SellerAuthorizationNote", req.SellerNote)
	}

	var resp authorizeResponse
	if err := c.request(ctx, "Authorize", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.AuthorizationDetails, nil
}

func (c *httpClient) GetAuthorizationDetails(ctx context.Context, authorizationID string) (*AuthorizationDetails, error) {
	params := url.Values{}
	params.Set("AmazonAuthorizationId", authorizationID)

	var resp getAuthorizationDetailsResponse
	if err := c.request(ctx, "GetAuthorizationDetails", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.AuthorizationDetails, nil
}

func (c *httpClient) CloseOrderReference(ctx context.Context, referenceID string) error {
	params := url.Values{}
	params.Set("AmazonOrderReferenceId", referenceID)
	return c.request(ctx, "CloseOrderReference", params, nil)
}

func (c *httpClient) CancelOrderReference(ctx context.Context, referenceID, reason string) error {
	params := url.Values{}
	params.Set("AmazonOrderReferenceId", referenceID)
	if reason != "" {
		params.Set("CancelationReason", reason)
	}
	return c.request(ctx, "CancelOrderReference", params, nil)
}

func (c *httpClient) Refund(ctx context.Context, req RefundRequest) (*RefundDetails, error) {
	params := url.Values{}
	params.Set("AmazonCaptureId", req.CaptureID)
	params.Set("RefundReferenceId", req.RefundReferenceID)
	params.Set("RefundAmount.Amount", req.Amount.StringFixed(2))
	params.Set("RefundAmount.CurrencyCode", req.Currency)
	if req.SellerRefundNote != "" {
		params.Set("SellerRefundNote", req.SellerRefundNote)
	}

	var resp refundResponse
	if err := c.request(ctx, "Refund", params, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.RefundDetails, nil
}

// request signs and posts one API action, decoding the XML response into out
// (which may be nil when the caller only cares about success).
func (c *httpClient) request(ctx context.Context, action string, params url.Values, out interface{}) error {
	params.Set("Action", action)
	params.Set("AWSAccessKeyId", c.cfg.AccessKey)
	params.Set("SellerId", c.cfg.SellerID)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", time.Now().UTC().Format(time.RFC3339))
	params.Set("Version", apiVersion)
	params.Set("Signature", c.sign(params))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", action, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if decodeErr := xml.Unmarshal(body, &errResp); decodeErr != nil || errResp.Error.Code == "" {
			return &APIError{
				StatusCode: httpResp.StatusCode,
				Code:       fmt.Sprintf("HTTP%d", httpResp.StatusCode),
				Message:    strings.TrimSpace(string(body)),
			}
		}
		c.logger.Warn("Amazon Pay API returned an error",
			zap.String("action", action),
			zap.String("code", errResp.Error.Code),
			zap.String("request_id", errResp.RequestID),
		)
		return &APIError{
			StatusCode: httpResp.StatusCode,
			Code:       errResp.Error.Code,
			Message:    errResp.Error.Message,
			RequestID:  errResp.RequestID,
		}
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	return nil
}

// sign computes the Signature Version 2 HMAC over the canonical query string.
func (c *httpClient) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonical strings.Builder
	for i, k := range keys {
		if i > 0 {
			canonical.WriteByte('&')
		}
		canonical.WriteString(encodeRFC3986(k))
		canonical.WriteByte('=')
		canonical.WriteString(encodeRFC3986(params.Get(k)))
	}

	stringToSign := strings.Join([]string{
		http.MethodPost,
		strings.ToLower(c.endpoint.Host),
		c.endpoint.Path,
		canonical.String(),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func encodeRFC3986(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
