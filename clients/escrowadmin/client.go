package escrowadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campusbridge/gates"
	"campusbridge/retry"
)

// Client talks to the escrow administration API. Only admin-role actors may
// reach the mutating operations; the gateway enforces that before calling.
// All calls are wrapped in the client's retry policy.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	policy    retry.Policy
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
		policy:    retry.DefaultPolicy,
	}
}

// SetRetryPolicy overrides the default retry tuning.
func (c *Client) SetRetryPolicy(policy retry.Policy) { c.policy = policy }

type holdPayload struct {
	EngagementID string `json:"engagementId"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	ConfirmedBy  string `json:"confirmedBy,omitempty"`
	ConfirmedAt  int64  `json:"confirmedAt,omitempty"`
	HoldActive   bool   `json:"holdActive"`
}

func (p holdPayload) toHold() *gates.EscrowHold {
	hold := &gates.EscrowHold{
		EngagementID: p.EngagementID,
		Status:       gates.HoldStatus(p.Status),
		Amount:       p.Amount,
		ConfirmedBy:  p.ConfirmedBy,
		HoldActive:   p.HoldActive,
	}
	if p.ConfirmedAt > 0 {
		t := time.Unix(p.ConfirmedAt, 0).UTC()
		hold.ConfirmedAt = &t
	}
	return hold
}

// ConfirmDeposit marks the deposit as received and verified.
func (c *Client) ConfirmDeposit(ctx context.Context, engagementID string, amount int64, paymentMethod, notes string) (*gates.EscrowHold, error) {
	body := map[string]interface{}{
		"amount":        amount,
		"paymentMethod": paymentMethod,
		"notes":         notes,
	}
	return c.post(ctx, engagementID, "confirm", body)
}

// RevokeDeposit moves a pending or confirmed deposit back to revoked.
func (c *Client) RevokeDeposit(ctx context.Context, engagementID, reason string) (*gates.EscrowHold, error) {
	return c.post(ctx, engagementID, "revoke", map[string]interface{}{"reason": reason})
}

// ClearHold releases the work hold on a confirmed deposit.
func (c *Client) ClearHold(ctx context.Context, engagementID, notes string) (*gates.EscrowHold, error) {
	return c.post(ctx, engagementID, "clear", map[string]interface{}{"notes": notes})
}

// ReinstateHold re-activates the work hold after confirmation. It blocks
// future gated operations only; committed lifecycle transitions stay put.
func (c *Client) ReinstateHold(ctx context.Context, engagementID, reason string) (*gates.EscrowHold, error) {
	return c.post(ctx, engagementID, "reinstate", map[string]interface{}{"reason": reason})
}

// GetStatus fetches the hold record, or nil when none exists yet.
func (c *Client) GetStatus(ctx context.Context, engagementID string) (*gates.EscrowHold, error) {
	var payload *holdPayload
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var opErr error
		payload, opErr = c.get(ctx, c.holdURL(engagementID, ""))
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return payload.toHold(), nil
}

func (c *Client) post(ctx context.Context, engagementID, op string, body map[string]interface{}) (*gates.EscrowHold, error) {
	var payload holdPayload
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.holdURL(engagementID, op), bytes.NewReader(buf))
		if err != nil {
			return err
		}
		c.prepare(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return httpError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(&payload)
	})
	if err != nil {
		return nil, fmt.Errorf("escrow admin %s: %w", op, err)
	}
	return payload.toHold(), nil
}

func (c *Client) get(ctx context.Context, target string) (*holdPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.prepare(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	var payload holdPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) holdURL(engagementID, op string) string {
	target := c.baseURL + "/holds/" + url.PathEscape(engagementID)
	if op != "" {
		target += "/" + op
	}
	return target
}

func (c *Client) prepare(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &retry.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
