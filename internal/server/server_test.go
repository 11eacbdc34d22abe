package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/l0p7/socialpulse/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(config.DefaultConfig().Server.Listen, newTestLogger(), nil)
	require.Error(t, err)
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	srv, err := New(config.ListenConfig{Address: "127.0.0.1", Port: 9090}, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.addr)
	require.Equal(t, "http-server", srv.String())
	require.Nil(t, srv.Addr())
}

func TestServeHandlesRequestsUntilCancelled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv, err := New(config.ListenConfig{Address: "127.0.0.1", Port: 0}, newTestLogger(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "expected context canceled, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not return after cancellation")
	}
	require.Nil(t, srv.Addr())
}

func TestServeReportsListenFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot reserve port: %v", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	srv, err := New(config.ListenConfig{Address: "127.0.0.1", Port: port}, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)

	err = srv.Serve(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "server: listen")
}
