package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/config"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Config{
		HTTPAddr:         "127.0.0.1:0",
		CORSOrigins:      "https://a.example, ,https://b.example",
		StagingBackend:   config.BackendMemory,
		StorageBackend:   config.BackendMemory,
		SessionsBackend:  config.BackendMemory,
		LockBackend:      config.BackendMemory,
		Bucket:           "recordings",
		ScratchDir:       t.TempDir(),
		Format:           "wav",
		Merger:           "native",
		Prober:           "native",
		ToleranceSeconds: 1,
		ProbeParallelism: 2,
		AccessURLTTL:     time.Hour,
		SessionTTL:       time.Hour,
		ReapInterval:     time.Minute,
	}
	return &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		Logger:   logging.NewNopLogger(),
	}
}

func TestServerIsBuiltBeforeRun(t *testing.T) {
	app := memoryApp(t)
	svcs, err := BuildServices(app)
	require.NoError(t, err)
	app.Services = svcs

	app.Server = newHTTPServer(app.Config, svcs)
	require.NotNil(t, app.Server)
	assert.Equal(t, "127.0.0.1:0", app.Server.Addr)

	rec := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// a shutdown that lands before Run still has a server to stop
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	assert.ErrorIs(t, app.Server.ListenAndServe(), http.ErrServerClosed)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitOrigins("https://a.example, ,https://b.example"))
	assert.Nil(t, splitOrigins(""))
}
