package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agenttree/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ServerConfig{ReadTimeout: 5 * time.Second, ShutdownTimeout: time.Second}, 9091)
	assert.Equal(t, ":9091", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Duration(0), cfg.WriteTimeout)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
}

func TestManager_StartAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager("api", okHandler(), cfg, zaptest.NewLogger(t))
	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	resp, err := http.Get("http://" + m.ListenAddr())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Error(t, m.Start())
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager("metrics", okHandler(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.ListenAddr() != cfg.Addr }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManager_RunReportsListenError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "256.0.0.1:bad"
	m := NewManager("api", okHandler(), cfg, nil)
	assert.Error(t, m.Run(context.Background()))
}
