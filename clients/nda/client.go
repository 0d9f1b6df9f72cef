package nda

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

// Client talks to the NDA e-signature service. Signature status only moves
// forward; the service is its sole writer.
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

type signaturePayload struct {
	EngagementID string          `json:"engagementId"`
	DocumentID   string          `json:"documentId"`
	Status       string          `json:"status"`
	Signers      []signerPayload `json:"signers"`
}

type signerPayload struct {
	PartyRole string `json:"partyRole"`
	SignedAt  int64  `json:"signedAt,omitempty"`
}

func (p signaturePayload) toRequest() *gates.SignatureRequest {
	req := &gates.SignatureRequest{
		EngagementID: p.EngagementID,
		DocumentID:   p.DocumentID,
		Status:       gates.SignatureStatus(p.Status),
	}
	for _, signer := range p.Signers {
		entry := gates.Signer{PartyRole: signer.PartyRole}
		if signer.SignedAt > 0 {
			t := time.Unix(signer.SignedAt, 0).UTC()
			entry.SignedAt = &t
		}
		req.Signers = append(req.Signers, entry)
	}
	return req
}

// RequestSignature creates the signature request for both parties.
func (c *Client) RequestSignature(ctx context.Context, engagementID string) (*gates.SignatureRequest, error) {
	return c.post(ctx, engagementID, "request", nil)
}

// Sign records one party's signature.
func (c *Client) Sign(ctx context.Context, engagementID, signerRole, signatureData string) (*gates.SignatureRequest, error) {
	body := map[string]interface{}{
		"signerRole":    signerRole,
		"signatureData": signatureData,
	}
	return c.post(ctx, engagementID, "sign", body)
}

// GetSignatureStatus fetches the signature record, or nil when signatures
// were never requested.
func (c *Client) GetSignatureStatus(ctx context.Context, engagementID string) (*gates.SignatureRequest, error) {
	var payload *signaturePayload
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.signatureURL(engagementID, ""), nil)
		if err != nil {
			return err
		}
		c.prepare(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			payload = nil
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return httpError(resp)
		}
		var decoded signaturePayload
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return err
		}
		payload = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return payload.toRequest(), nil
}

func (c *Client) post(ctx context.Context, engagementID, op string, body map[string]interface{}) (*gates.SignatureRequest, error) {
	var payload signaturePayload
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.signatureURL(engagementID, op), reader)
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
		return nil, fmt.Errorf("nda %s: %w", op, err)
	}
	return payload.toRequest(), nil
}

func (c *Client) signatureURL(engagementID, op string) string {
	target := c.baseURL + "/signatures/" + url.PathEscape(engagementID)
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
