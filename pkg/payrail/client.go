/**
 * @description
 * This package provides a client for the external payment rail used to pay balance
 * out to bank accounts. It wraps the three calls a withdrawal needs: registering a
 * transfer recipient, initiating the transfer and finalizing it with an OTP.
 *
 * @dependencies
 * - net/http, encoding/json: Transport and payload encoding.
 * - github.com/sirupsen/logrus: Structured logging of non-2xx responses.
 */
package payrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Transfer statuses reported by the rail.
const (
	TransferStatusSuccess = "success"
	TransferStatusPending = "pending"
	TransferStatusOTP     = "otp"
	TransferStatusFailed  = "failed"
)

// Client is a client for the payment rail API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	log        *logrus.Entry
}

// NewClient creates a new payment rail client.
func NewClient(baseURL, secretKey string, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logger.WithField("component", "payrail_client"),
	}
}

// CreateRecipientRequest registers a bank account as a transfer destination.
type CreateRecipientRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	Currency      string `json:"currency"`
}

// RecipientResponse is returned by the recipient endpoint.
type RecipientResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RecipientCode string `json:"recipient_code"`
	} `json:"data"`
}

// TransferRequest moves amount (in kobo) to a registered recipient.
type TransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

// FinalizeTransferRequest supplies the OTP for a transfer awaiting approval.
type FinalizeTransferRequest struct {
	TransferCode string `json:"transfer_code"`
	OTP          string `json:"otp"`
}

// TransferResponse is returned by the transfer and finalize endpoints.
type TransferResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
		Reason       string `json:"reason"`
	} `json:"data"`
}

// ErrorResponse represents an error from the payment rail.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Status     bool   `json:"status"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payrail api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unknown payrail api error (status %d)", e.StatusCode)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *ErrorResponse) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// CreateRecipient registers the destination account and returns its recipient code.
func (c *Client) CreateRecipient(ctx context.Context, req CreateRecipientRequest) (*RecipientResponse, error) {
	if req.Type == "" {
		req.Type = "nuban"
	}
	var resp RecipientResponse
	if err := c.post(ctx, "create_recipient", "/transferrecipient", req, &resp); err != nil {
		return nil, err
	}
	if resp.Data.RecipientCode == "" {
		return nil, fmt.Errorf("recipient response missing recipient_code")
	}
	return &resp, nil
}

// InitiateTransfer starts a payout from the platform balance.
func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	if req.Source == "" {
		req.Source = "balance"
	}
	var resp TransferResponse
	if err := c.post(ctx, "initiate_transfer", "/transfer", req, &resp); err != nil {
		return nil, err
	}
	resp.Data.Status = NormalizeStatus(resp.Data.Status)
	return &resp, nil
}

// FinalizeTransfer completes a transfer that is waiting for an OTP.
func (c *Client) FinalizeTransfer(ctx context.Context, req FinalizeTransferRequest) (*TransferResponse, error) {
	var resp TransferResponse
	if err := c.post(ctx, "finalize_transfer", "/transfer/finalize_transfer", req, &resp); err != nil {
		return nil, err
	}
	resp.Data.Status = NormalizeStatus(resp.Data.Status)
	return &resp, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			c.log.WithFields(logrus.Fields{"op": op, "status": resp.StatusCode}).Warn("non-2xx response (unparsable error body)")
			return &errResp
		}
		c.log.WithFields(logrus.Fields{"op": op, "status": resp.StatusCode, "detail": errResp.Message}).Warn("non-2xx response")
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// NormalizeStatus maps rail status spellings onto the four statuses above.
func NormalizeStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "success", "successful", "completed":
		return TransferStatusSuccess
	case "otp", "requires_otp":
		return TransferStatusOTP
	case "failed", "failure", "reversed", "rejected", "abandoned":
		return TransferStatusFailed
	case "pending", "processing", "queued", "received":
		return TransferStatusPending
	default:
		return TransferStatusPending
	}
}
