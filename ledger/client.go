package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"campusbridge/engagement"
	"campusbridge/retry"
)

// RPC error codes surfaced by the marketplace transaction API.
const (
	codeNotFound        = -32004
	codeVersionConflict = -32009
)

// Client is a thin JSON-RPC client for the hosted marketplace ledger. It
// implements engagement.Ledger; the engine layers its retry policy on top.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// transactionPayload mirrors the JSON the ledger returns for a transaction.
type transactionPayload struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customerId"`
	ProviderID         string `json:"providerId"`
	ListingID          string `json:"listingId"`
	State              string `json:"state"`
	LastTransition     string `json:"lastTransition"`
	LastTransitionedAt int64  `json:"lastTransitionedAt"`
	RequiresDeposit    bool   `json:"requiresDeposit"`
	RequiresNda        bool   `json:"requiresNda"`
	Version            uint64 `json:"version"`
}

// GetTransaction fetches the current engagement record.
func (c *Client) GetTransaction(ctx context.Context, id string) (*engagement.Engagement, error) {
	var result transactionPayload
	params := []interface{}{map[string]string{"id": id}}
	if err := c.call(ctx, "marketplace_getTransaction", params, &result); err != nil {
		return nil, err
	}
	return result.toEngagement(), nil
}

// Transition asks the ledger to commit the named transition, guarded by the
// expected record version.
func (c *Client) Transition(ctx context.Context, id, name string, expectedVersion uint64) (*engagement.Engagement, error) {
	var result transactionPayload
	params := []interface{}{map[string]interface{}{
		"id":              id,
		"transition":      name,
		"expectedVersion": expectedVersion,
	}}
	if err := c.call(ctx, "marketplace_transition", params, &result); err != nil {
		return nil, err
	}
	return result.toEngagement(), nil
}

func (p transactionPayload) toEngagement() *engagement.Engagement {
	eng := &engagement.Engagement{
		ID:              p.ID,
		CustomerID:      p.CustomerID,
		ProviderID:      p.ProviderID,
		ListingID:       p.ListingID,
		State:           engagement.State(p.State),
		LastTransition:  p.LastTransition,
		RequiresDeposit: p.RequiresDeposit,
		RequiresNda:     p.RequiresNda,
		Version:         p.Version,
	}
	if p.LastTransitionedAt > 0 {
		eng.LastTransitionedAt = time.Unix(p.LastTransitionedAt, 0).UTC()
	}
	return eng
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &retry.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case codeNotFound:
			return engagement.ErrNotFound
		case codeVersionConflict:
			return engagement.ErrVersionConflict
		default:
			return fmt.Errorf("ledger rpc %s: %s", method, rpcResp.Error.Message)
		}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
