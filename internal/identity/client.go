// Package identity talks to the external identity service that issues and
// refreshes user tokens.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/example/bgremove/internal/logging"
)

// ErrInvalidToken is returned when the identity service rejects a token.
var ErrInvalidToken = errors.New("invalid token")

const refreshPath = "/collections/users/auth-refresh"

// maxResponseSize bounds how much of an identity response is read.
const maxResponseSize = 1 << 20

// User is the subset of the identity record exposed to API callers.
type User struct {
	ID       string          `json:"id"`
	Email    string          `json:"email,omitempty"`
	Username string          `json:"username,omitempty"`
	Name     string          `json:"name,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Client validates tokens against the users collection of the identity service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for the service rooted at baseURL
// (for example http://pocketbase:8090/api).
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}

	return NewClientWithHTTPClient(baseURL, &http.Client{Transport: transport, Timeout: timeout}, logger)
}

// NewClientWithHTTPClient builds a client around an existing http.Client.
func NewClientWithHTTPClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("identity_client"),
	}
}

// Refresh asks the identity service to refresh token. A 200 response means the
// token is valid and yields the user record; any other status is ErrInvalidToken.
func (c *Client) Refresh(ctx context.Context, token string) (*User, error) {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, logging.NewOperationError("identity.refresh", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("identity.refresh", "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("identity.refresh", "", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, logging.NewOperationError("identity.refresh", "", fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("identity service rejected token", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: identity service responded %s", ErrInvalidToken, resp.Status)
	}

	return parseUser(body), nil
}

func parseUser(body []byte) *User {
	record := gjson.GetBytes(body, "record")
	if !record.Exists() {
		return &User{}
	}

	return &User{
		ID:       record.Get("id").String(),
		Email:    record.Get("email").String(),
		Username: record.Get("username").String(),
		Name:     record.Get("name").String(),
		Raw:      json.RawMessage(record.Raw),
	}
}
