package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	assert.True(t, Static(true).Online())
	assert.False(t, Static(false).Online())
}

func TestSwitch_NotifiesOnTransitionOnly(t *testing.T) {
	sw := NewSwitch(false)

	var seen []bool
	sw.OnChange(func(online bool) { seen = append(seen, online) })

	assert.False(t, sw.Set(false))
	assert.True(t, sw.Set(true))
	assert.True(t, sw.Online())
	assert.False(t, sw.Set(true))
	assert.True(t, sw.Set(false))

	assert.Equal(t, []bool{true, false}, seen)
}

func TestProbe_Check(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sw := NewSwitch(false)
	p := NewProbe(srv.URL, time.Hour, sw)
	ctx := context.Background()

	require.True(t, p.Check(ctx))
	assert.True(t, sw.Online())

	healthy.Store(false)
	assert.False(t, p.Check(ctx))
	assert.False(t, sw.Online())
}

func TestProbe_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sw := NewSwitch(true)
	p := NewProbe(url, time.Hour, sw)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, sw.Online())
}

func TestProbe_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sw := NewSwitch(false)
	p := NewProbe(srv.URL, 10*time.Millisecond, sw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, sw.Online, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
