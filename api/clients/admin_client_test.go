package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClient(t *testing.T) {
	var resolveBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"Invalid bearer token."}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/admin/reconciliation":
			_, _ = w.Write([]byte(`{"data":[{"id":"rec-1","kind":"launch","phase":"reconcile","amount_lamports":7500}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/admin/reconciliation/rec-1/retry":
			_, _ = w.Write([]byte(`{"id":"rec-1","phase":"refunded","refund_signature":"sig-r"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/admin/reconciliation/rec-1/resolve":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&resolveBody))
			_, _ = w.Write([]byte(`{"id":"rec-1","phase":"committed"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"Not found."}`))
		}
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL+"/", "admin-token")
	ctx := context.Background()

	records, err := client.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.PhaseReconcile, records[0].Phase)
	assert.Equal(t, interfaces.Lamports(7500), records[0].AmountLamports)

	record, err := client.RetryRefund(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-r", record.RefundSignature)

	record, err = client.ResolveReconciliation(ctx, "rec-1", interfaces.PhaseCommitted, "provisioned by hand")
	require.NoError(t, err)
	assert.Equal(t, interfaces.PhaseCommitted, record.Phase)
	assert.Equal(t, map[string]string{"outcome": "committed", "note": "provisioned by hand"}, resolveBody)

	_, err = client.RetryRefund(ctx, "rec-404")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, interfaces.CodeNotFound, apiErr.Code)

	_, err = NewAdminClient(srv.URL, "wrong").ListReconciliation(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestAdminClientDeposit(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/admin/wallets/user-7/deposit" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["amount_sol"] == "0" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"invalid_request","message":"The request is invalid."}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"rec-3","kind":"deposit","phase":"committed","amount_lamports":500000000,"signature":"sig-d"}`))
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "admin-token")
	record, err := client.Deposit(context.Background(), "user-7", "0.5")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"amount_sol": "0.5"}, body)
	assert.Equal(t, interfaces.KindDeposit, record.Kind)
	assert.Equal(t, interfaces.Lamports(500_000_000), record.AmountLamports)
	assert.Equal(t, "sig-d", record.Signature)

	_, err = client.Deposit(context.Background(), "user-7", "0")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_request", apiErr.Code)
}
