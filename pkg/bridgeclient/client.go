/**
 * @description
 * This package provides a client for communicating with the minting bridge.
 * It encapsulates the HTTP calls the treasury-service makes to announce lock
 * lifecycle changes and to look up mint requests on the bridge side.
 *
 * @notes
 * - Every request body is signed with HMAC-SHA256 over "<unix seconds>.<body>" and the
 *   signature is sent in X-Bridge-Signature, mirroring what the bridge sends to our webhook.
 * - The bridge wraps responses in a {success, data, error} envelope.
 */
package bridgeclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Bridge-Signature"
	TimestampHeader = "X-Bridge-Timestamp"
)

// ErrNotFound is returned when the bridge has no record for the requested key.
var ErrNotFound = errors.New("bridge record not found")

// Client is a client for the minting bridge.
type Client struct {
	baseURL       string
	apiKey        string
	signingSecret string
	httpClient    *http.Client
	now           func() time.Time
}

// NewClient creates a new bridge client.
func NewClient(baseURL, apiKey, signingSecret string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:        strings.TrimSpace(apiKey),
		signingSecret: signingSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
	}
}

// Enabled reports whether a bridge URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// MintRequest is the bridge's view of a mint authorization.
type MintRequest struct {
	ID                string `json:"id"`
	AuthorizationCode string `json:"authorizationCode"`
	LockID            string `json:"lockId"`
	RequestedAmount   string `json:"requestedAmount"`
	Beneficiary       string `json:"beneficiary"`
	Status            string `json:"status"`
	ExpiresAt         string `json:"expiresAt"`
	MintTxHash        string `json:"mintTxHash,omitempty"`
	PublicationCode   string `json:"publicationCode,omitempty"`
	ContractAddress   string `json:"lusdContractAddress,omitempty"`
}

// LockRecord is the bridge's view of a lock.
type LockRecord struct {
	LockID            string `json:"lockId"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	MintTxHash        string `json:"mintTxHash,omitempty"`
	ContractAddress   string `json:"lusdContractAddress,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Sign computes the hex HMAC-SHA256 signature of body at the given unix timestamp.
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// SendLockNotification announces a lock lifecycle change. The payload is forwarded as-is.
func (c *Client) SendLockNotification(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/api/locks", payload, nil)
}

// ValidateAuthorizationCode asks the bridge for the mint request behind code.
func (c *Client) ValidateAuthorizationCode(ctx context.Context, code string) (*MintRequest, error) {
	var request MintRequest
	if err := c.do(ctx, http.MethodGet, "/api/mint-requests/by-code/"+url.PathEscape(code), nil, &request); err != nil {
		return nil, err
	}
	return &request, nil
}

// FetchLockByCode returns the bridge's lock record for an authorization code.
func (c *Client) FetchLockByCode(ctx context.Context, code string) (*LockRecord, error) {
	var lock LockRecord
	if err := c.do(ctx, http.MethodGet, "/api/locks/by-code/"+url.PathEscape(code), nil, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// MarkMintComplete tells the bridge a lock's mint finished.
func (c *Client) MarkMintComplete(ctx context.Context, lockID string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPatch, "/api/locks/"+url.PathEscape(lockID)+"/complete-minting", payload, nil)
}

// ListMintedLocks returns every lock the bridge considers minted.
func (c *Client) ListMintedLocks(ctx context.Context) ([]LockRecord, error) {
	locks := make([]LockRecord, 0)
	if err := c.do(ctx, http.MethodGet, "/api/locks?status=minted", nil, &locks); err != nil {
		return nil, err
	}
	return locks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if !c.Enabled() {
		return fmt.Errorf("bridge base url is empty")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.signingSecret != "" {
		timestamp := strconv.FormatInt(c.now().Unix(), 10)
		req.Header.Set(TimestampHeader, timestamp)
		req.Header.Set(SignatureHeader, Sign(c.signingSecret, timestamp, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read bridge response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bridge returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = "unknown bridge error"
		}
		return fmt.Errorf("bridge rejected request: %s", env.Error)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
