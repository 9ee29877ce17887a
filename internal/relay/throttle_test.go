package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_ChunkSize(t *testing.T) {
	tests := []struct {
		name      string
		limitKBps float64
		want      int
	}{
		{"unlimited uses large chunks", 0, unthrottledChunk},
		{"low limit clamps to minimum", 10, minChunkSize},
		{"moderate limit scales with rate", 64, 16 * 1024},
		{"high limit clamps to maximum", 1024, maxThrottledChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newThrottle(tt.limitKBps)
			assert.Equal(t, tt.want, th.ChunkSize())
		})
	}
}

func TestThrottle_PacesDelivery(t *testing.T) {
	// 80 KB/s limit, 40 KB payload: delivery must take at least ~0.5s.
	th := newThrottle(80)
	start := time.Now()
	sent := 0
	for sent < 40*1024 {
		n := th.ChunkSize()
		if sent+n > 40*1024 {
			n = 40*1024 - sent
		}
		require.NoError(t, th.Pace(context.Background(), n))
		sent += n
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond,
		"40KB at 80KB/s should take ~500ms, took %v", elapsed)
}

func TestThrottle_DisabledDoesNotSleep(t *testing.T) {
	th := newThrottle(0)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, th.Pace(context.Background(), unthrottledChunk))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestThrottle_PaceCancellable(t *testing.T) {
	th := newThrottle(1) // 1 KB/s: any real payload forces a long sleep
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- th.Pace(ctx, 64*1024)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pace did not return after cancellation")
	}
}

func TestThrottledRelay_WallClock(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}

	payload := bytes.Repeat([]byte("x"), 40*1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	s.SetDefault(upstream.URL)
	s.SetBandwidthLimit(80)
	relay := httptest.NewServer(s.routes())
	defer relay.Close()

	start := time.Now()
	resp, err := http.Get(relay.URL + "/stream/current.ts")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, payload, body, "throttling must not alter the payload")
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond,
		"40KB at 80KB/s should take ~500ms end to end, took %v", elapsed)
}

func TestUnthrottledRelay_Fast(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 256*1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	s.SetDefault(upstream.URL)
	relay := httptest.NewServer(s.routes())
	defer relay.Close()

	start := time.Now()
	resp, err := http.Get(relay.URL + "/stream/current.ts")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, payload, body)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBandwidthTracker(t *testing.T) {
	tr := NewBandwidthTracker()

	assert.Equal(t, uint64(0), tr.TotalBytes())
	assert.Equal(t, uint64(0), tr.CurrentBps())

	tr.Add(1024)
	tr.Add(2048)
	assert.Equal(t, uint64(3072), tr.TotalBytes())

	tr.Sample()
	assert.Equal(t, uint64(3072), tr.CurrentBps(), "one sample over one period")

	tr.Add(1024)
	tr.Sample()
	assert.Equal(t, uint64(2048), tr.CurrentBps(), "average over two periods")

	tr.Reset()
	assert.Equal(t, uint64(0), tr.TotalBytes())
	assert.Equal(t, uint64(0), tr.CurrentBps())
}

func TestBandwidthTracker_WindowTrim(t *testing.T) {
	tr := NewBandwidthTracker()
	for i := 0; i < defaultBandwidthWindowSize+10; i++ {
		tr.Add(1000)
		tr.Sample()
	}
	// Rate stays stable once the rolling window is full.
	assert.Equal(t, uint64(1000), tr.CurrentBps())
}
