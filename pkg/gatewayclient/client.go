/**
 * @description
 * This package provides the backend gateway used by the consent flow. It wraps the
 * account-servicing API (consents, accounts, payments), the consent-management API
 * (account access) and the TAN server (generate, validate, status update) behind
 * one stateless client.
 *
 * Every method issues exactly one HTTP request. There are no retries, no caching
 * and no idempotency keys; a failed call is returned to the caller as is.
 *
 * @dependencies
 * - github.com/google/uuid: For x-request-id generation.
 * - internal/flow/domain: For consent, account and payment models.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/consent-flow/internal/flow/domain"
)

// Options configures the base URLs of the three backends.
type Options struct {
	ASPSPBaseURL    string
	CMSBaseURL      string
	TANBaseURL      string
	QWACCertificate string
}

// Client is the backend gateway.
type Client struct {
	aspspBaseURL    string
	cmsBaseURL      string
	tanBaseURL      string
	qwacCertificate string
	httpClient      *http.Client
}

// NewClient creates a gateway client. Blank CMS or TAN URLs fall back to the ASPSP URL.
func NewClient(opts Options) *Client {
	aspsp := normalizeBaseURL(opts.ASPSPBaseURL)
	cms := normalizeBaseURL(opts.CMSBaseURL)
	if cms == "" {
		cms = aspsp
	}
	tan := normalizeBaseURL(opts.TANBaseURL)
	if tan == "" {
		tan = aspsp
	}
	return &Client{
		aspspBaseURL:    aspsp,
		cmsBaseURL:      cms,
		tanBaseURL:      tan,
		qwacCertificate: strings.TrimSpace(opts.QWACCertificate),
		httpClient:      &http.Client{Timeout: 30 * time.Second},
	}
}

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// PsuIDHeader names the PSU on whose behalf a call is made.
const PsuIDHeader = "PSU-ID"

type psuContextKey struct{}

// WithPsuID attaches the acting PSU to ctx. Every call made with the returned context
// carries it in the PSU-ID header, so the backends can check consent ownership.
func WithPsuID(ctx context.Context, psuID string) context.Context {
	return context.WithValue(ctx, psuContextKey{}, strings.TrimSpace(psuID))
}

func psuIDFromContext(ctx context.Context) string {
	psuID, _ := ctx.Value(psuContextKey{}).(string)
	return psuID
}

// ConfirmationResponse is returned by the TAN server after a TAN was generated.
type ConfirmationResponse struct {
	ConfirmationID string `json:"confirmationId"`
	TAN            string `json:"tan,omitempty"`
}

// ValidateTANRequest is the body of a TAN validation call.
type ValidateTANRequest struct {
	TANNumber string `json:"tanNumber"`
	ConsentID string `json:"consentId"`
	PsuID     string `json:"psuId"`
}

type accountListResponse struct {
	Accounts []domain.AccountDetails `json:"accounts"`
}

// GetConsent reads a consent record.
func (c *Client) GetConsent(ctx context.Context, consentID string) (*domain.Consent, error) {
	if strings.TrimSpace(consentID) == "" {
		return nil, ErrConsentIDRequired
	}
	endpoint := fmt.Sprintf("%s/v1/consents/%s", c.aspspBaseURL, url.PathEscape(consentID))

	var consent domain.Consent
	if err := c.do(ctx, "get_consent", http.MethodGet, endpoint, nil, nil, &consent); err != nil {
		return nil, err
	}
	return &consent, nil
}

// GetAccounts lists the PSU accounts visible under a consent, with balances.
// The consent id is sent in the consent-id header and must not be blank.
func (c *Client) GetAccounts(ctx context.Context, consentID string) ([]domain.AccountDetails, error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" {
		return nil, ErrConsentIDRequired
	}
	endpoint := fmt.Sprintf("%s/v1/accounts?withBalance=true", c.aspspBaseURL)

	var response accountListResponse
	headers := map[string]string{"consent-id": consentID}
	if err := c.do(ctx, "get_accounts", http.MethodGet, endpoint, headers, nil, &response); err != nil {
		return nil, err
	}
	return response.Accounts, nil
}

// UpdateConsentAccess replaces the account access of an AIS consent.
func (c *Client) UpdateConsentAccess(ctx context.Context, consentID string, access domain.AccountAccess) error {
	if strings.TrimSpace(consentID) == "" {
		return ErrConsentIDRequired
	}
	endpoint := fmt.Sprintf("%s/api/v1/ais/consent/%s/access", c.cmsBaseURL, url.PathEscape(consentID))
	return c.do(ctx, "update_consent_access", http.MethodPut, endpoint, nil, access, nil)
}

// GetPayment reads a payment initiation.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, fmt.Errorf("payment id is required")
	}
	endpoint := fmt.Sprintf("%s/v1/payments/%s", c.aspspBaseURL, url.PathEscape(paymentID))

	var payment domain.Payment
	if err := c.do(ctx, "get_payment", http.MethodGet, endpoint, nil, nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// GenerateTAN asks the TAN server to issue a TAN for the PSU and returns the confirmation id.
func (c *Client) GenerateTAN(ctx context.Context, flow domain.FlowType, psuID string) (*ConfirmationResponse, error) {
	endpoint := fmt.Sprintf("%s/consent/confirmation/%s/%s", c.tanBaseURL, flow, url.PathEscape(psuID))

	var response ConfirmationResponse
	if err := c.do(ctx, "generate_tan", http.MethodPost, endpoint, nil, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ValidateTAN checks a TAN entered by the PSU. A rejected TAN is an *APIError whose
// Code carries the reason (WRONG_TAN, LIMIT_EXCEEDED, ...).
func (c *Client) ValidateTAN(ctx context.Context, flow domain.FlowType, req ValidateTANRequest) error {
	if strings.TrimSpace(req.ConsentID) == "" {
		return ErrConsentIDRequired
	}
	endpoint := fmt.Sprintf("%s/consent/confirmation/%s", c.tanBaseURL, flow)
	return c.do(ctx, "validate_tan", http.MethodPut, endpoint, nil, req, nil)
}

// UpdateConsentStatus sets the status of a consent. The response body is ignored.
func (c *Client) UpdateConsentStatus(ctx context.Context, flow domain.FlowType, consentID string, status domain.ConsentStatus) error {
	if strings.TrimSpace(consentID) == "" {
		return ErrConsentIDRequired
	}
	endpoint := fmt.Sprintf("%s/consent/confirmation/%s/%s/%s", c.tanBaseURL, flow, url.PathEscape(consentID), status)
	return c.do(ctx, "update_consent_status", http.MethodPut, endpoint, nil, nil, nil)
}

// do executes one request. out may be nil when the response body is not needed.
func (c *Client) do(ctx context.Context, operation, method, endpoint string, headers map[string]string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", operation, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-request-id", uuid.NewString())
	if c.qwacCertificate != "" {
		req.Header.Set("tpp-qwac-certificate", c.qwacCertificate)
	}
	if psuID := psuIDFromContext(ctx); psuID != "" {
		req.Header.Set(PsuIDHeader, psuID)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to execute request: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(operation, resp.StatusCode, respBody)
		log.Printf("level=warn component=gateway_client op=%s status=%d code=%q", operation, resp.StatusCode, apiErr.Code)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		// The backend answered, so this is not a transport failure.
		log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"undecodable response body\" err=%v", operation, resp.StatusCode, err)
		return &APIError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Code:       CodeInvalidResponse,
			Detail:     err.Error(),
		}
	}
	return nil
}
