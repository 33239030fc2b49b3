package userclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fileguard/internal/servicetoken"
)

// Suspender suspends user accounts. The production implementation calls the
// user service; tests substitute a fake.
type Suspender interface {
	SuspendUser(ctx context.Context, tenantID, userID, reason string) error
}

// Client calls the user service's internal API with short-lived service
// tokens.
type Client struct {
	baseURL    string
	audience   string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// New builds a user-service client.
func New(baseURL, audience string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		audience:   audience,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SuspendUser asks the user service to suspend an account.
func (c *Client) SuspendUser(ctx context.Context, tenantID, userID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"tenantId": tenantID,
		"reason":   reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/internal/users/%s/suspend", c.baseURL, userID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := c.signer.Sign(c.audience)
	if err != nil {
		return fmt.Errorf("sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("user service error: %s", msg)
	}
	return nil
}
