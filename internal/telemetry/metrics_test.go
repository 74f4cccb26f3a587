package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCountsByCode(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			http.Error(w, "nope", http.StatusTeapot)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, target := range []string{"/", "/", "/?fail=1"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	require.Equal(t, 2.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "418")))
	require.Equal(t, 0.0, testutil.ToFloat64(InFlight.WithLabelValues("test_op")))
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	SetBuildInfo("v1.2.3", "abc123")
	Members.Set(3)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	require.Contains(t, out, `zephyrkv_build_info{git_sha="abc123",version="v1.2.3"} 1`)
	require.Contains(t, out, "zephyrkv_membership_members 3")
	require.True(t, strings.Contains(out, "go_goroutines"), "runtime collector missing")
}

func TestMetricsLint(t *testing.T) {
	problems, err := testutil.CollectAndLint(RouterRequestsTotal)
	require.NoError(t, err)
	require.Empty(t, problems)
}
