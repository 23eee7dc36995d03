package main

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStartMetricsServer(t *testing.T) {
	srv, addr, err := startMetricsServer("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "airfi_monitor_scans_total")
	assert.Contains(t, string(body), "airfi_active_sessions")
}

func TestStartMetricsServer_AddressInUse(t *testing.T) {
	srv, addr, err := startMetricsServer("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	_, _, err = startMetricsServer(addr.String(), zap.NewNop())
	assert.Error(t, err)
}
