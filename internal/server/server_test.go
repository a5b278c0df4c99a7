package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/query"
	"PerpLiquidator/internal/server"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T, health *observability.HealthChecker) (http.Handler, *observability.Metrics) {
	t.Helper()
	l := testutil.NewFakeLedger(testutil.Markets(100, testutil.BalancedMarket(0)), testutil.UnhealthyAccount(1))
	k := core.NewKeeper(l, ledger.NewKeypairSigner(testutil.NewTestSigner()), core.Config{
		ProgramID:      l.ProgramID,
		LiquidatorUser: testutil.Key(0xEE),
		ScanInterval:   time.Hour,
		ShutdownGrace:  time.Second,
	}, zerolog.Nop(), nil)
	t.Cleanup(func() { k.Shutdown() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	srv := server.New(":0", ":0", &server.Deps{
		Status:        query.NewStatusService(k, nil, l, state.OracleGuard{}, 0),
		HealthChecker: health,
		Metrics:       metrics,
		Log:           zerolog.Nop(),
	})
	h, err := srv.Handler()
	require.NoError(t, err)
	return h, metrics
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	h, metrics := newHandler(t, nil)

	rec := get(h, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body query.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.SnapshotID)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.QueryRequests.WithLabelValues("status")))
}

func TestMarginEndpoint(t *testing.T) {
	h, _ := newHandler(t, nil)

	rec := get(h, "/v1/accounts/"+testutil.Key(1).String()+"/margin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body query.MarginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Eligible)

	assert.Equal(t, http.StatusNotFound, get(h, "/v1/accounts/"+testutil.Key(2).String()+"/margin").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/accounts/not-a-key/margin").Code)
}

func TestOutcomesEndpoint_WithoutJournal(t *testing.T) {
	h, _ := newHandler(t, nil)
	assert.Equal(t, http.StatusNotImplemented, get(h, "/v1/outcomes").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/outcomes?limit=-1").Code)
}

func TestHealthEndpoints(t *testing.T) {
	hc := observability.NewHealthChecker(0)
	h, _ := newHandler(t, hc)

	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/readyz").Code)

	hc.SetReady(true)
	assert.Equal(t, http.StatusOK, get(h, "/readyz").Code)
}
