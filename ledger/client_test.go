package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"campusbridge/engagement"
	"campusbridge/retry"
)

type rpcCall struct {
	JSONRPC string                   `json:"jsonrpc"`
	Method  string                   `json:"method"`
	Params  []map[string]interface{} `json:"params"`
	ID      int64                    `json:"id"`
}

func rpcServer(t *testing.T, handler func(call rpcCall) (interface{}, *jsonRPCErrorObj)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode rpc request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handler(call)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetTransactionDecodesRecord(t *testing.T) {
	server := rpcServer(t, func(call rpcCall) (interface{}, *jsonRPCErrorObj) {
		if call.Method != "marketplace_getTransaction" {
			t.Errorf("unexpected method %q", call.Method)
		}
		if got := call.Params[0]["id"]; got != "eng-1" {
			t.Errorf("unexpected id param %v", got)
		}
		return map[string]interface{}{
			"id":              "eng-1",
			"customerId":      "cust-1",
			"providerId":      "prov-1",
			"listingId":       "listing-9",
			"state":           "applied",
			"lastTransition":  "transition/apply",
			"requiresDeposit": true,
			"version":         7,
		}, nil
	})
	defer server.Close()

	client := NewClient(server.URL, "token")
	eng, err := client.GetTransaction(context.Background(), "eng-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if eng.State != engagement.StateApplied || eng.Version != 7 {
		t.Fatalf("unexpected record: %+v", eng)
	}
	if !eng.RequiresDeposit || eng.RequiresNda {
		t.Fatalf("gate requirements decoded wrong: %+v", eng)
	}
}

func TestTransitionSendsExpectedVersion(t *testing.T) {
	server := rpcServer(t, func(call rpcCall) (interface{}, *jsonRPCErrorObj) {
		if call.Method != "marketplace_transition" {
			t.Errorf("unexpected method %q", call.Method)
		}
		params := call.Params[0]
		if params["transition"] != "transition/accept" {
			t.Errorf("unexpected transition %v", params["transition"])
		}
		if params["expectedVersion"] != float64(7) {
			t.Errorf("unexpected expectedVersion %v", params["expectedVersion"])
		}
		return map[string]interface{}{
			"id":      "eng-1",
			"state":   "accepted",
			"version": 8,
		}, nil
	})
	defer server.Close()

	client := NewClient(server.URL, "")
	eng, err := client.Transition(context.Background(), "eng-1", "transition/accept", 7)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if eng.State != engagement.StateAccepted || eng.Version != 8 {
		t.Fatalf("unexpected record: %+v", eng)
	}
}

func TestClientMapsRPCErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		code int
		want error
	}{
		{"not found", codeNotFound, engagement.ErrNotFound},
		{"version conflict", codeVersionConflict, engagement.ErrVersionConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := rpcServer(t, func(rpcCall) (interface{}, *jsonRPCErrorObj) {
				return nil, &jsonRPCErrorObj{Code: tc.code, Message: tc.name}
			})
			defer server.Close()

			client := NewClient(server.URL, "")
			_, err := client.GetTransaction(context.Background(), "eng-1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClientWrapsHTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	_, err := client.GetTransaction(context.Background(), "eng-1")
	var httpErr *retry.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadGateway {
		t.Fatalf("expected HTTPError with 502, got %v", err)
	}
	if !retry.Retryable(err) {
		t.Fatalf("502 should be retryable")
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]interface{}{"id": "eng-1", "state": "inquired", "version": 1},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token")
	if _, err := client.GetTransaction(context.Background(), "eng-1"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if auth != "Bearer secret-token" {
		t.Fatalf("expected bearer header, got %q", auth)
	}
}
