package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/config"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/core"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/router"
)

func newServer(t *testing.T) (*httptest.Server, *core.Core) {
	t.Helper()
	cfg := &config.Config{
		Env:                    "test",
		MaxBodyBytes:           1 << 20,
		GracefulTimeout:        time.Second,
		JournalBatchSize:       50,
		JournalMaxRetries:      3,
		VaultMasterSecret:      "router-test-secret",
		VaultKeyCacheSize:      16,
		TenantParallelism:      2,
		QuarantineOnCorruption: true,
	}
	c, err := core.New(cfg, zerolog.Nop(), core.Options{})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	srv := httptest.NewServer(router.New(cfg, zerolog.Nop(), c, nil))
	t.Cleanup(srv.Close)
	return srv, c
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMutationRoundTrip(t *testing.T) {
	srv, c := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/mutations", map[string]interface{}{
		"tenant":      "t1",
		"author":      "alice",
		"entityType":  "transaction",
		"entityId":    "tx1",
		"operation":   "CREATE",
		"payload":     map[string]interface{}{"amount": 10.0, "category": "food"},
		"vectorClock": map[string]int64{"alice:phone": 1},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack struct {
		JournalEntryID string `json:"journalEntryId"`
		EntityID       string `json:"entityId"`
		Status         string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.NotEmpty(t, ack.JournalEntryID)
	require.Equal(t, "PENDING", ack.Status)

	// Materialize and read back through the API.
	_, err := c.Journal.Drain(context.Background(), 50)
	require.NoError(t, err)

	got, err := http.Get(srv.URL + "/v1/entities/transaction/tx1")
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var ent struct {
		Version        int64 `json:"version"`
		LedgerSequence int64 `json:"ledgerSequence"`
	}
	require.NoError(t, json.NewDecoder(got.Body).Decode(&ent))
	require.Equal(t, int64(1), ent.Version)
	require.Equal(t, int64(1), ent.LedgerSequence)
}

func TestVerifyEndpoint(t *testing.T) {
	srv, c := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/mutations", map[string]interface{}{
		"tenant": "t1", "author": "a", "entityType": "transaction", "entityId": "tx1",
		"operation": "CREATE", "payload": map[string]interface{}{"amount": 1.0, "category": "x"},
		"vectorClock": map[string]int64{"a:d": 1},
	})
	resp.Body.Close()
	_, err := c.Journal.Drain(context.Background(), 50)
	require.NoError(t, err)

	v := postJSON(t, srv.URL+"/v1/verify", map[string]interface{}{"tenant": "t1"})
	defer v.Body.Close()
	require.Equal(t, http.StatusOK, v.StatusCode)

	var res struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.NewDecoder(v.Body).Decode(&res))
	require.True(t, res.Valid)
}

func TestUnknownEntityTypeRejected(t *testing.T) {
	srv, _ := newServer(t)
	resp := postJSON(t, srv.URL+"/v1/mutations", map[string]interface{}{
		"tenant": "t1", "author": "a", "entityType": "widget",
		"operation": "CREATE", "payload": map[string]interface{}{},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplayEndpoint(t *testing.T) {
	srv, c := newServer(t)
	ctx := context.Background()

	for _, body := range []map[string]interface{}{
		{"tenant": "t1", "author": "a", "entityType": "transaction", "entityId": "tx1",
			"operation": "CREATE", "payload": map[string]interface{}{"amount": 5.0, "category": "x"},
			"vectorClock": map[string]int64{"a:d": 1}},
		{"tenant": "t1", "author": "a", "entityType": "transaction", "entityId": "tx1",
			"operation": "UPDATE", "payload": map[string]interface{}{"amount": 9.0},
			"vectorClock": map[string]int64{"a:d": 2}},
	} {
		resp := postJSON(t, srv.URL+"/v1/mutations", body)
		resp.Body.Close()
		_, err := c.Journal.Drain(ctx, 50)
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/v1/replay/tx1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		State   map[string]interface{} `json:"state"`
		History []json.RawMessage      `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 9.0, out.State["amount"])
	require.Len(t, out.History, 2)
}
