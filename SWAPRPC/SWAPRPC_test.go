package SWAPRPC

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gomicropay/types"
)

func TestMapSwapState(t *testing.T) {
	cases := map[string]types.PaymentStatus{
		"PR_CREATED":         types.PaymentPending,
		"CLAIM_COMMITED":     types.PaymentPending,
		"QUOTE_SOFT_EXPIRED": types.PaymentPending,
		"BTC_TX_CONFIRMED":   types.PaymentSourceConfirmed,
		"btc_tx_confirmed":   types.PaymentSourceConfirmed,
		"CLAIM_CLAIMED":      types.PaymentDone,
		"EXPIRED":            types.PaymentFailed,
		"QUOTE_EXPIRED":      types.PaymentFailed,
		"REFUNDED":           types.PaymentFailed,
		"2":                  types.PaymentSourceConfirmed,
		"-3":                 types.PaymentFailed,
		"42":                 types.PaymentUnknown,
		"SOMETHING_NEW":      types.PaymentUnknown,
		"":                   types.PaymentUnknown,
	}
	for state, want := range cases {
		assert.Equal(t, want, MapSwapState(state), state)
	}
}

func TestMapQuoteState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, types.PaymentDone, MapQuoteState("PAID", 0, now))
	assert.Equal(t, types.PaymentDone, MapQuoteState("ISSUED", 0, now))
	assert.Equal(t, types.PaymentPending, MapQuoteState("UNPAID", now.Unix()+60, now))
	assert.Equal(t, types.PaymentPending, MapQuoteState("UNPAID", 0, now))
	assert.Equal(t, types.PaymentFailed, MapQuoteState("UNPAID", now.Unix()-1, now))
	assert.Equal(t, types.PaymentUnknown, MapQuoteState("PENDING", 0, now))
}

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

func atomiqServer(t *testing.T, handle func(call rpcCall) (interface{}, map[string]interface{})) *AtomiqClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		result, rpcErr := handle(call)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return NewAtomiqClient(AtomiqConfig{Endpoint: srv.URL, APIKey: "secret", FromToken: "BTC.BTC", ToToken: "STRK.ETH"})
}

func TestAtomiqGetStatus(t *testing.T) {
	states := map[string]json.RawMessage{
		"s1": json.RawMessage(`"BTC_TX_CONFIRMED"`),
		"s2": json.RawMessage(`3`),
	}
	client := atomiqServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		assert.Equal(t, "swap_getStatus", call.Method)
		var params map[string]string
		require.NoError(t, json.Unmarshal(call.Params, &params))
		if params["id"] == "missing" {
			return nil, map[string]interface{}{"code": codeSwapNotFound, "message": "no such swap"}
		}
		return map[string]interface{}{"id": params["id"], "state": states[params["id"]]}, nil
	})
	ctx := context.Background()

	status, err := client.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentSourceConfirmed, status)

	status, err = client.GetStatus(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentDone, status)

	_, err = client.GetStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAtomiqCreateSwap(t *testing.T) {
	client := atomiqServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		assert.Equal(t, "swap_create", call.Method)
		var req CreateSwapRequest
		require.NoError(t, json.Unmarshal(call.Params, &req))
		assert.Equal(t, "BTC.BTC", req.FromToken)
		assert.Equal(t, "STRK.ETH", req.ToToken)
		assert.Equal(t, "0xuser", req.RedeemAddress)
		return map[string]string{"id": "swap-1", "depositAddress": "bc1qdeposit", "fromAmount": "0.00001"}, nil
	})

	res, err := client.CreateSwap(context.Background(), CreateSwapRequest{ToAmount: "0.001", RedeemAddress: "0xuser"})
	require.NoError(t, err)
	assert.Equal(t, "swap-1", res.SwapID)
	assert.Equal(t, "bc1qdeposit", res.DepositAddress)
}

func TestAtomiqTransportError(t *testing.T) {
	client := NewAtomiqClient(AtomiqConfig{Endpoint: "http://127.0.0.1:1"})
	_, err := client.GetStatus(context.Background(), "s1")
	require.Error(t, err)
}

func TestCashuClient(t *testing.T) {
	quotes := map[string]MintQuote{
		"q-paid":    {Quote: "q-paid", Request: "lnbc1", State: "PAID"},
		"q-legacy":  {Quote: "q-legacy", Request: "lnbc2", Paid: true},
		"q-expired": {Quote: "q-expired", Request: "lnbc3", State: "UNPAID", Expiry: 100},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/mint/quote/bolt11":
			var req mintQuoteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "sat", req.Unit)
			_ = json.NewEncoder(w).Encode(MintQuote{Quote: "q-new", Request: "lnbc100n1", State: "UNPAID", Expiry: 4_000_000_000})
		case r.Method == http.MethodGet:
			id := r.URL.Path[len("/v1/mint/quote/bolt11/"):]
			q, ok := quotes[id]
			if !ok {
				http.Error(w, `{"detail":"quote not found"}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(q)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	client := NewCashuClient(srv.URL+"/", 0)
	client.now = func() time.Time { return time.Unix(1_000, 0) }
	ctx := context.Background()

	q, err := client.CreateQuote(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "q-new", q.Quote)
	assert.Equal(t, "lnbc100n1", q.Request)

	_, err = client.CreateQuote(ctx, 0)
	require.Error(t, err)

	for id, want := range map[string]types.PaymentStatus{
		"q-paid":    types.PaymentDone,
		"q-legacy":  types.PaymentDone,
		"q-expired": types.PaymentFailed,
	} {
		status, err := client.GetStatus(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, want, status, id)
	}

	_, err = client.GetStatus(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	client := NewCashuClient("http://127.0.0.1:1", 0.001)
	// first token is free, the second wait would take far longer than the deadline
	require.True(t, client.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.GetStatus(ctx, "q")
	require.Error(t, err)
}
