package quentin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderStatusDown(t *testing.T) {
	assert.True(t, ProviderStatus{API: "down", Frontend: "down"}.Down())
	assert.True(t, ProviderStatus{}.Down())
	assert.False(t, ProviderStatus{API: "UP", Frontend: "down"}.Down())
	assert.False(t, ProviderStatus{API: "down", Frontend: "up"}.Down())
	assert.False(t, ProviderStatus{API: "up", Frontend: "up"}.Down())
}

func TestOutageWatcherCheck(t *testing.T) {
	var body atomic.Value
	body.Store(`{"api": "up", "frontend": "down"}`)
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body.Load().(string))
			},
		),
	)
	t.Cleanup(srv.Close)

	var notified atomic.Int32
	cfg := testOCRConfig(t, srv.URL, srv.URL)
	cfg.OutagePollInterval = time.Hour
	w := NewOutageWatcher(
		cfg,
		srv.Client(),
		func(context.Context, string) { notified.Add(1) },
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	down, err := w.Check(ctx)
	require.NoError(t, err)
	assert.False(t, down)
	status, outage := w.Status()
	assert.False(t, outage)
	assert.Equal(t, "up", status.API)
	assert.False(t, status.CheckedAt.IsZero())
	require.NoError(t, w.WaitForRecovery(ctx))

	body.Store(`{"api": "down", "frontend": "down"}`)
	down, err = w.Check(ctx)
	require.NoError(t, err)
	assert.True(t, down)
	_, outage = w.Status()
	assert.True(t, outage)

	// already in long-wait mode, so there's no second notification
	down, err = w.Check(ctx)
	require.NoError(t, err)
	assert.True(t, down)
	assert.Equal(t, int32(1), notified.Load())

	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	t.Cleanup(waitCancel)
	assert.ErrorIs(t, w.WaitForRecovery(waitCtx), context.DeadlineExceeded)

	// cancelling the base context stops the poller
	cancel()
	w.Wait()
}

func TestOutageWatcherStatusErrors(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/garbage" {
					_, _ = io.WriteString(w, "not json")
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			},
		),
	)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/error", "/garbage"} {
		cfg := testOCRConfig(t, srv.URL, srv.URL+path)
		w := NewOutageWatcher(cfg, srv.Client(), nil, nil)
		down, err := w.Check(context.Background())
		assert.Error(t, err, path)
		assert.False(t, down, path)
		_, outage := w.Status()
		assert.False(t, outage, path)
	}
}
