package relay

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/castarr/internal/config"
)

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		Port:            0, // ephemeral
		DefaultFallback: true,
		ConnectTimeout:  5 * time.Second,
		ReadIdleTimeout: 10 * time.Second,
	}
}

func TestRegister_UniqueTokens(t *testing.T) {
	s := NewServer(testConfig())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := s.Register(fmt.Sprintf("http://src/%d.ts", i))
		assert.NotEqual(t, DefaultStreamID, id)
		assert.Len(t, id, 8)
		assert.False(t, seen[id], "token %q issued twice", id)
		seen[id] = true
	}
	assert.Equal(t, 100, s.StreamCount())
}

func TestSetDefault_Idempotent(t *testing.T) {
	s := NewServer(testConfig())

	first := s.SetDefault("http://src/a.ts")
	second := s.SetDefault("http://src/a.ts")

	assert.Equal(t, first, second)
	assert.Equal(t, s.ProxyURL(first, ".ts"), s.ProxyURL(second, ".ts"))
	assert.Equal(t, 1, s.StreamCount())
}

func TestSetDefault_Overwrites(t *testing.T) {
	s := NewServer(testConfig())

	s.SetDefault("http://src/a.ts")
	s.SetDefault("http://src/b.ts")

	target, ok := s.Lookup(DefaultStreamID)
	require.True(t, ok)
	assert.Equal(t, "http://src/b.ts", target)
	assert.Equal(t, 1, s.StreamCount())
}

func TestLookup_Fallback(t *testing.T) {
	t.Run("falls back to default when enabled", func(t *testing.T) {
		s := NewServer(testConfig())
		s.SetDefault("http://src/a.ts")

		target, ok := s.Lookup("nonexistent")
		require.True(t, ok)
		assert.Equal(t, "http://src/a.ts", target)
	})

	t.Run("no fallback when disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.DefaultFallback = false
		s := NewServer(cfg)
		s.SetDefault("http://src/a.ts")

		_, ok := s.Lookup("nonexistent")
		assert.False(t, ok)
	})

	t.Run("exact match wins over fallback", func(t *testing.T) {
		s := NewServer(testConfig())
		s.SetDefault("http://src/default.ts")
		id := s.Register("http://src/exact.ts")

		target, ok := s.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, "http://src/exact.ts", target)
	})
}

func TestContentTypeForExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{".m3u8", "application/x-mpegURL"},
		{".mp4", "video/mp4"},
		{".mkv", "video/x-matroska"},
		{".ts", "video/MP2T"},
		{"", "video/MP2T"},
		{".avi", "video/MP2T"},
		{".M3U8", "application/x-mpegURL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentTypeForExtension(tt.ext), "ext %q", tt.ext)
	}
}

func TestSplitStreamPath(t *testing.T) {
	tests := []struct {
		tail, id, ext string
	}{
		{"abc123.ts", "abc123", ".ts"},
		{"abc123", "abc123", ""},
		{"current.m3u8", "current", ".m3u8"},
		{"", "current", ""},
		{"/abc123.mp4", "abc123", ".mp4"},
	}
	for _, tt := range tests {
		id, ext := splitStreamPath(tt.tail)
		assert.Equal(t, tt.id, id, "tail %q", tt.tail)
		assert.Equal(t, tt.ext, ext, "tail %q", tt.tail)
	}
}

func TestHandleStream_Head(t *testing.T) {
	s := NewServer(testConfig())
	s.SetDefault("http://unreachable.invalid/a.ts")
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	for ext, want := range map[string]string{
		".ts":   "video/MP2T",
		".m3u8": "application/x-mpegURL",
		".mp4":  "video/mp4",
		".mkv":  "video/x-matroska",
		"":      "video/MP2T",
	} {
		req, err := http.NewRequest(http.MethodHead, srv.URL+"/stream/current"+ext, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		// HEAD must answer without touching the (unreachable) upstream.
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, resp.Header.Get("Content-Type"), "ext %q", ext)
	}
}

func TestHandleStream_NotFound(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultFallback = false
	s := NewServer(cfg)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/unknown.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleStream_ProxiesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload-a"))
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	s.SetDefault(upstream.URL)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/current.ts")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/MP2T", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload-a", string(body))
}

func TestHandleStream_ReRegistrationOverwrites(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-a"))
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-b"))
	}))
	defer srvB.Close()

	s := NewServer(testConfig())
	relay := httptest.NewServer(s.routes())
	defer relay.Close()

	fetch := func() string {
		resp, err := http.Get(relay.URL + "/stream/current.ts")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	s.SetDefault(srvA.URL)
	assert.Equal(t, "from-a", fetch())

	s.SetDefault(srvB.URL)
	assert.Equal(t, "from-b", fetch())
}

func TestHandleStream_ForwardsRangeHeader(t *testing.T) {
	var gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write([]byte("x"))
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	s.SetDefault(upstream.URL)
	relay := httptest.NewServer(s.routes())
	defer relay.Close()

	req, _ := http.NewRequest(http.MethodGet, relay.URL+"/stream/current.ts", nil)
	req.Header.Set("Range", "bytes=0-1023")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "bytes=0-1023", gotRange)
}

func TestHandleStream_UpstreamUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	s.SetDefault(upstream.URL)
	relay := httptest.NewServer(s.routes())
	defer relay.Close()

	resp, err := http.Get(relay.URL + "/stream/current.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(testConfig())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestStartStop_Idempotent(t *testing.T) {
	s := NewServer(testConfig())

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	require.NoError(t, s.Start(), "second start is a no-op")

	s.SetDefault("http://src/a.ts")
	assert.Equal(t, 1, s.StreamCount())

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.Equal(t, 0, s.StreamCount(), "stop clears the stream table")
	require.NoError(t, s.Stop(), "second stop is a no-op")
}

func TestStop_CancelsInflightStreams(t *testing.T) {
	// Upstream that never finishes on its own.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("start"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	require.NoError(t, s.Start())
	s.SetDefault(upstream.URL)

	resp, err := http.Get(s.ProxyURL(DefaultStreamID, ".ts"))
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan struct{})
	go func() {
		io.ReadAll(resp.Body)
		close(done)
	}()

	require.NoError(t, s.Stop())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forwarding loop not cancelled by Stop")
	}
}

func TestSetBandwidthLimit(t *testing.T) {
	s := NewServer(testConfig())

	assert.Equal(t, float64(0), s.BandwidthLimit())

	s.SetBandwidthLimit(500)
	assert.Equal(t, float64(500), s.BandwidthLimit())

	s.SetBandwidthLimit(-10)
	assert.Equal(t, float64(0), s.BandwidthLimit(), "negative limits clamp to unlimited")
}

func TestStats_CurrentBpsReflectsTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}

	payload := bytes.Repeat([]byte("x"), 512*1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer upstream.Close()

	s := NewServer(testConfig())
	require.NoError(t, s.Start())
	defer s.Stop()
	s.SetDefault(upstream.URL)

	resp, err := http.Get(s.ProxyURL(DefaultStreamID, ".ts"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Len(t, body, len(payload))

	// The sample loop needs one tick to fold the transfer into the
	// rolling window.
	var stats Stats
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stats = s.Stats()
		if stats.CurrentBps > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, uint64(len(payload)), stats.TotalBytes)
	assert.Greater(t, stats.CurrentBps, uint64(0))
}
