// Package gateway is the HTTP client for the Snap-style payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
)

const (
	defaultTimeout      = 15 * time.Second
	maxResponseBytes    = 1 << 20
	snapTransactionPath = "/snap/v1/transactions"
	statusPathFormat    = "/v2/%s/status"

	statusSettlement = "settlement"
	statusCapture    = "capture"
	statusExpire     = "expire"
	statusCancel     = "cancel"
	statusDeny       = "deny"
	statusFailure    = "failure"
	statusNotFound   = "not_found"
	fraudAccept      = "accept"
)

var (
	ErrInvalidConfig   = errors.New("invalid gateway config")
	ErrUnexpectedReply = errors.New("unexpected gateway reply")
)

// Config locates the gateway.
type Config struct {
	SnapBaseURL string
	APIBaseURL  string
	ServerKey   string
	Timeout     time.Duration
}

// Client implements checkout.Gateway.
type Client struct {
	snapBaseURL string
	apiBaseURL  string
	serverKey   string
	httpClient  *http.Client
}

// NewClient validates config and builds a Client.
func NewClient(config Config, httpClient *http.Client) (*Client, error) {
	snapBaseURL := strings.TrimRight(strings.TrimSpace(config.SnapBaseURL), "/")
	apiBaseURL := strings.TrimRight(strings.TrimSpace(config.APIBaseURL), "/")
	if _, err := url.ParseRequestURI(snapBaseURL); err != nil {
		return nil, fmt.Errorf("%w: snap base url: %v", ErrInvalidConfig, err)
	}
	if _, err := url.ParseRequestURI(apiBaseURL); err != nil {
		return nil, fmt.Errorf("%w: api base url: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(config.ServerKey) == "" {
		return nil, fmt.Errorf("%w: server key is required", ErrInvalidConfig)
	}
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		snapBaseURL: snapBaseURL,
		apiBaseURL:  apiBaseURL,
		serverKey:   strings.TrimSpace(config.ServerKey),
		httpClient:  httpClient,
	}, nil
}

// CreateOrder requests a payment token for the locally minted order id.
func (client *Client) CreateOrder(ctx context.Context, order checkout.GatewayOrder) (string, error) {
	payload := map[string]any{
		"transaction_details": map[string]any{
			"order_id":     order.OrderID,
			"gross_amount": order.AmountMinor,
		},
		"customer_details": map[string]any{
			"email": order.PayerEmail,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	reply, status, err := client.do(ctx, http.MethodPost, client.snapBaseURL+snapTransactionPath, body)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("%w: create order status %d: %s", ErrUnexpectedReply, status, gjson.GetBytes(reply, "error_messages.0").String())
	}
	token := gjson.GetBytes(reply, "token").String()
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnexpectedReply)
	}
	return token, nil
}

// VerifyOrder fetches the gateway's view of the order.
func (client *Client) VerifyOrder(ctx context.Context, orderID string) (checkout.Verification, error) {
	endpoint := client.apiBaseURL + fmt.Sprintf(statusPathFormat, url.PathEscape(orderID))
	reply, status, err := client.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return checkout.Verification{}, err
	}
	if status == http.StatusNotFound || gjson.GetBytes(reply, "status_code").String() == "404" {
		return checkout.Verification{RawStatus: statusNotFound}, nil
	}
	if status != http.StatusOK {
		return checkout.Verification{}, fmt.Errorf("%w: verify status %d", ErrUnexpectedReply, status)
	}
	return interpret(gjson.GetBytes(reply, "transaction_status").String(), gjson.GetBytes(reply, "fraud_status").String()), nil
}

func interpret(transactionStatus string, fraudStatus string) checkout.Verification {
	verification := checkout.Verification{RawStatus: transactionStatus}
	switch transactionStatus {
	case statusSettlement:
		verification.Paid = true
	case statusCapture:
		verification.Paid = fraudStatus == "" || fraudStatus == fraudAccept
	case statusExpire, statusCancel, statusDeny, statusFailure:
		verification.Closed = true
	}
	return verification
}

func (client *Client) do(ctx context.Context, method string, endpoint string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	request.SetBasicAuth(client.serverKey, "")
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, err
	}
	if !gjson.ValidBytes(reply) {
		return nil, response.StatusCode, fmt.Errorf("%w: non-json body with status %d", ErrUnexpectedReply, response.StatusCode)
	}
	return reply, response.StatusCode, nil
}
