package workers

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gomicropay/config"
	"gomicropay/store"
	"gomicropay/types"
	"gomicropay/workers/handlers"
)

func TestRouter(t *testing.T) {
	ctx := context.Background()
	s := store.NewFileStore(t.TempDir() + "/swaps.json")
	registry := prometheus.NewRegistry()
	r := NewReconciler(s, nil, nil, time.Second, zaptest.NewLogger(t), NewMetrics(registry))
	require.NoError(t, r.Register(ctx, types.SwapRecord{SwapID: "abc", UserAddress: "0x1", ContentID: "1"}))

	api := &handlers.API{Records: r, Protocol: types.ProtocolSwap}
	srv := httptest.NewServer(NewRouter(api, registry))
	defer srv.Close()

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("/swap/abc")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"swapId":"abc"`)

	resp, _ = get("/swap/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get("/stats/pending")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"abc"`)

	resp, body = get("/state")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"pending":1`)

	resp, _ = get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "oracle_ticks_total")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/swap", nil)
	require.NoError(t, err)
	optResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	optResp.Body.Close()
	assert.Equal(t, "*", optResp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWorkerHTTPReportsListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := &config.Configuration{}
	cfg.Server.Listen = busy.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = Worker_HTTP(ctx, cfg, http.NotFoundHandler(), zaptest.NewLogger(t))
	require.Error(t, err, "a port that cannot be bound must not look like a clean shutdown")
	assert.Contains(t, err.Error(), "address already in use")
	assert.NoError(t, ctx.Err())
}
