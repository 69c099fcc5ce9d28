// SPDX-License-Identifier: Apache-2.0
// Mock Oracle decision endpoint: a go-chi/chi router standing in for an
// external risk-scoring service in Oracle governance mode, so
// ActionQueue.resolveOracle has a real HTTP round trip to exercise in
// tests instead of a hand-rolled stub.
package rpcserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lnhive/coordinator/hive"
)

// OracleDecider is injected by callers that want to script the mock's
// verdicts (tests) instead of relying on the built-in default-approve rule.
type OracleDecider func(a hive.PendingAction) hive.OracleVerdict

// MockOracle is a standalone HTTP server implementing the same decision
// contract hive.OracleClient.Decide talks to, fronted by a chi router.
type MockOracle struct {
	router  chi.Router
	decide  OracleDecider
}

// NewMockOracle builds a mock oracle server. A nil decider approves every
// action whose type is not "ChannelOpen" above 50,000,000 sats, which is
// enough variance for bounds-interaction tests.
func NewMockOracle(decide OracleDecider) *MockOracle {
	if decide == nil {
		decide = defaultDecide
	}
	m := &MockOracle{router: chi.NewRouter(), decide: decide}
	m.router.Post("/oracle/decide", m.handleDecide)
	return m
}

// ServeHTTP implements http.Handler.
func (m *MockOracle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

func (m *MockOracle) handleDecide(w http.ResponseWriter, r *http.Request) {
	var a hive.PendingAction
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	verdict := m.decide(a)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verdict)
}

func defaultDecide(a hive.PendingAction) hive.OracleVerdict {
	if a.ActionType == "ChannelOpen" {
		if sats, ok := a.Payload["sats"].(float64); ok && sats > 50_000_000 {
			return hive.OracleVerdict{Decision: "reject", Reason: "exceeds oracle risk ceiling"}
		}
	}
	return hive.OracleVerdict{Decision: "approve", Reason: "within default policy"}
}

// HTTPOracleClient implements hive.OracleClient against a MockOracle (or any
// server speaking the same /oracle/decide contract) over HTTP, the
// transport a production Oracle-mode deployment would actually use.
type HTTPOracleClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPOracleClient builds a client pointed at baseURL with no client
// timeout set; Decide applies the caller-supplied timeout on every call.
func NewHTTPOracleClient(baseURL string) *HTTPOracleClient {
	return &HTTPOracleClient{BaseURL: baseURL, Client: &http.Client{}}
}

// Decide implements hive.OracleClient.
func (c *HTTPOracleClient) Decide(a hive.PendingAction, timeout time.Duration) (hive.OracleVerdict, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return hive.OracleVerdict{}, err
	}
	client := c.Client
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = timeout
	resp, err := client.Post(fmt.Sprintf("%s/oracle/decide", c.BaseURL), "application/json", bytes.NewReader(body))
	if err != nil {
		return hive.OracleVerdict{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return hive.OracleVerdict{}, fmt.Errorf("oracle responded %d: %s", resp.StatusCode, raw)
	}
	var verdict hive.OracleVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return hive.OracleVerdict{}, err
	}
	return verdict, nil
}
