package assessment

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

// Client talks to the performance assessment service.
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

type assessmentPayload struct {
	EngagementID string         `json:"engagementId"`
	SubmittedBy  string         `json:"submittedBy"`
	Scores       map[string]int `json:"scores"`
	SubmittedAt  int64          `json:"submittedAt"`
}

func (p assessmentPayload) toAssessment() *gates.Assessment {
	assessment := &gates.Assessment{
		EngagementID: p.EngagementID,
		SubmittedBy:  p.SubmittedBy,
		Scores:       p.Scores,
	}
	if p.SubmittedAt > 0 {
		assessment.SubmittedAt = time.Unix(p.SubmittedAt, 0).UTC()
	}
	return assessment
}

// PendingAssessment identifies a completed engagement still owing its
// provider assessment.
type PendingAssessment struct {
	EngagementID string `json:"engagementId"`
	CustomerID   string `json:"customerId"`
	CompletedAt  int64  `json:"completedAt"`
}

// GetAssessment fetches the submitted assessment, or nil when the provider
// has not submitted one yet.
func (c *Client) GetAssessment(ctx context.Context, engagementID string) (*gates.Assessment, error) {
	var payload *assessmentPayload
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.assessmentURL(engagementID), nil)
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
		var decoded assessmentPayload
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
	return payload.toAssessment(), nil
}

// SubmitAssessment records the provider's criteria scores for a completed
// engagement.
func (c *Client) SubmitAssessment(ctx context.Context, engagementID, submittedBy string, scores map[string]int) (*gates.Assessment, error) {
	var payload assessmentPayload
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		buf, err := json.Marshal(map[string]interface{}{
			"submittedBy": submittedBy,
			"scores":      scores,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.assessmentURL(engagementID), bytes.NewReader(buf))
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
		return nil, fmt.Errorf("assessment submit: %w", err)
	}
	return payload.toAssessment(), nil
}

// GetPendingAssessments lists completed engagements for which the provider
// still owes an assessment.
func (c *Client) GetPendingAssessments(ctx context.Context, providerID string) ([]PendingAssessment, error) {
	var pending []PendingAssessment
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		target := c.baseURL + "/providers/" + url.PathEscape(providerID) + "/pending"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		c.prepare(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return httpError(resp)
		}
		pending = pending[:0]
		return json.NewDecoder(resp.Body).Decode(&pending)
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (c *Client) assessmentURL(engagementID string) string {
	return c.baseURL + "/assessments/" + url.PathEscape(engagementID)
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
