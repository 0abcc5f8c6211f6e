// Package ccpayment is the client for the payment provider's API. It is
// the only trusted source of deposit state: webhook bodies merely point
// at a record, this client fetches what the record actually says.
package ccpayment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emvios/depositgate/internal/models"
	"github.com/emvios/depositgate/internal/sign"
)

// codeOK is the provider's success sentinel; anything else is an APIError.
const codeOK = 10000

const (
	pathDepositRecord    = "/v2/deposit/record"
	pathPermanentAddress = "/v2/address/permanent"
)

// APIError is a non-success response from the provider.
type APIError struct {
	Code int64
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: %s (code: %d)", e.Msg, e.Code)
}

// TransportError is a network-level failure talking to the provider:
// timeout, connection reset, or an unparseable response. It is distinct
// from APIError so callers can tell "the provider said no" from "we
// never got an answer".
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL string
	signer  *sign.Signer
	http    *http.Client
	log     *logrus.Logger
}

// New constructs the provider client. Construct once at process start and
// share; the client is stateless apart from its pooled connections.
func New(baseURL string, signer *sign.Signer, timeout time.Duration, log *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		signer:  signer,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type responseEnvelope struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// GetDepositRecord fetches the authoritative record for a deposit. Must
// be called after every accepted deposit webhook before any crediting
// decision is made.
func (c *Client) GetDepositRecord(ctx context.Context, recordID string) (*models.DepositRecord, error) {
	var data struct {
		Record models.DepositRecord `json:"record"`
	}
	req := map[string]string{"recordId": recordID}
	if err := c.post(ctx, pathDepositRecord, req, &data); err != nil {
		return nil, err
	}
	return &data.Record, nil
}

// GetPermanentDepositAddress returns the long-lived deposit address for a
// (referenceId, chain) pair. The provider deduplicates on its side:
// repeated calls with the same pair return the same address, so no local
// caching is done here.
func (c *Client) GetPermanentDepositAddress(ctx context.Context, referenceID, chain string) (*models.DepositAddress, error) {
	var data models.DepositAddress
	req := map[string]string{"referenceId": referenceID, "chain": chain}
	if err := c.post(ctx, pathPermanentAddress, req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	// Headers are computed fresh per call; timestamps are never reused.
	timestamp := time.Now().Unix()
	signature := c.signer.Sign(timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Appid", c.signer.AppID())
	req.Header.Set("Timestamp", fmt.Sprintf("%d", timestamp))
	req.Header.Set("Sign", signature)

	c.log.WithField("path", path).Debug("provider api request")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}

	var envelope responseEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &TransportError{Op: path, Err: fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)}
	}

	if envelope.Code != codeOK {
		return &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &TransportError{Op: path, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}
