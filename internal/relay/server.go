// Package relay provides the local HTTP stream relay for castarr.
//
// The relay re-serves an upstream IPTV stream under a stable, TV-reachable
// URL so a DLNA renderer never talks to the original (possibly
// authenticated or renderer-incompatible) source directly. State is a
// single in-memory table of stream id to upstream URL, scoped to the
// server lifetime.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/httpclient"
)

// DefaultStreamID is the reserved identifier used by the single-stream
// cast flow. SetDefault rebinds it instead of minting a new token.
const DefaultStreamID = "current"

// streamTokenLen is the length of generated stream tokens.
const streamTokenLen = 8

// Errors returned by the relay.
var (
	// ErrStreamNotFound is returned when no mapping exists for a stream id.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrUpstreamUnavailable is returned when the upstream source refuses
	// the relay's connection.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Server is the local HTTP stream relay.
//
// A Server is constructed explicitly and injected into whatever needs it;
// there is no package-level instance. Start and Stop are idempotent and
// the stream table is cleared on Stop.
type Server struct {
	cfg    config.RelayConfig
	logger *slog.Logger

	// upstream is the client used for proxied source connections. It has
	// a bounded connect timeout but no total deadline.
	upstream *http.Client

	mu       sync.RWMutex
	streams  map[string]string
	running  bool
	port     int
	listener net.Listener
	httpSrv  *http.Server
	cancel   context.CancelFunc

	// bwMu guards the runtime-adjustable bandwidth limit.
	bwMu          sync.RWMutex
	bandwidthKBps float64

	tracker *BandwidthTracker

	localIPOnce sync.Once
	localIP     string
}

// NewServer creates a relay server with the given configuration.
func NewServer(cfg config.RelayConfig) *Server {
	return &Server{
		cfg:           cfg,
		logger:        slog.Default(),
		upstream:      httpclient.NewStreamingClient(cfg.ConnectTimeout),
		streams:       make(map[string]string),
		port:          cfg.Port,
		bandwidthKBps: cfg.BandwidthLimitKBps,
		tracker:       NewBandwidthTracker(),
	}
}

// WithLogger sets the logger for the server.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

// WithUpstreamClient sets the HTTP client used for upstream connections.
// Useful for tests.
func (s *Server) WithUpstreamClient(client *http.Client) *Server {
	s.upstream = client
	return s
}

// Start binds the listening socket and begins serving. Calling Start while
// already running is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding relay listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}
	s.httpSrv = &http.Server{
		Handler: s.routes(),
		// Forwarding loops are tied to this context so Stop cancels them
		// promptly instead of waiting for upstream EOF.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	srv := s.httpSrv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server error", slog.String("error", err.Error()))
		}
	}()
	go s.sampleLoop(ctx)

	s.running = true
	s.logger.Info("stream relay started",
		slog.String("base_url", s.baseURLLocked()),
	)
	return nil
}

// Stop unbinds the socket, cancels in-flight forwarding loops, and clears
// all registered streams. Calling Stop while stopped is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	// Close rather than Shutdown: relayed streams never end on their own,
	// so draining would block forever.
	err := s.httpSrv.Close()

	s.streams = make(map[string]string)
	s.running = false
	s.httpSrv = nil
	s.listener = nil
	s.cancel = nil

	s.logger.Info("stream relay stopped")
	if err != nil {
		return fmt.Errorf("closing relay server: %w", err)
	}
	return nil
}

// Running reports whether the relay is currently serving.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Register stores a new stream mapping under a fresh token and returns the
// token. Safe for concurrent use; tokens never collide within a session.
func (s *Server) Register(upstreamURL string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for {
		id = uuid.NewString()[:streamTokenLen]
		if _, exists := s.streams[id]; !exists && id != DefaultStreamID {
			break
		}
	}
	s.streams[id] = upstreamURL
	return id
}

// SetDefault (re)binds the reserved default identifier to the given URL
// and returns the default stream id. Re-registration overwrites.
func (s *Server) SetDefault(upstreamURL string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[DefaultStreamID] = upstreamURL
	return DefaultStreamID
}

// Unregister removes a stream mapping. Removing an unknown id is a no-op.
func (s *Server) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

// Lookup resolves a stream id to its upstream URL. When the id is unknown
// and default fallback is enabled, the reserved default entry is tried.
func (s *Server) Lookup(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if target, ok := s.streams[id]; ok {
		return target, true
	}
	if s.cfg.DefaultFallback {
		target, ok := s.streams[DefaultStreamID]
		return target, ok
	}
	return "", false
}

// StreamCount returns the number of registered streams.
func (s *Server) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// ProxyURL builds the externally reachable URL for a stream id. ext may be
// empty or an extension including the leading dot; renderers sniff content
// type from it.
func (s *Server) ProxyURL(id, ext string) string {
	return fmt.Sprintf("%s/stream/%s%s", s.BaseURL(), id, ext)
}

// BaseURL returns the externally reachable base URL of the relay.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURLLocked()
}

func (s *Server) baseURLLocked() string {
	return fmt.Sprintf("http://%s:%d", s.LocalIP(), s.port)
}

// LocalIP returns this machine's outward-facing local IP address. The
// result is cached; failure falls back to the loopback address.
func (s *Server) LocalIP() string {
	s.localIPOnce.Do(func() {
		s.localIP = detectLocalIP()
	})
	return s.localIP
}

// detectLocalIP finds the outward-facing address by dialing a public host.
// No packets are sent; UDP "connect" only selects the route.
func detectLocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// SetBandwidthLimit caps relay throughput in KB/s at runtime.
// 0 disables throttling. Negative values are clamped to 0.
func (s *Server) SetBandwidthLimit(kbps float64) {
	if kbps < 0 {
		kbps = 0
	}
	s.bwMu.Lock()
	s.bandwidthKBps = kbps
	s.bwMu.Unlock()

	if kbps > 0 {
		s.logger.Info("relay bandwidth limit set", slog.Float64("kbps", kbps))
	} else {
		s.logger.Info("relay bandwidth unlimited")
	}
}

// BandwidthLimit returns the current bandwidth limit in KB/s (0 = unlimited).
func (s *Server) BandwidthLimit() float64 {
	s.bwMu.RLock()
	defer s.bwMu.RUnlock()
	return s.bandwidthKBps
}

// sampleLoop feeds the bandwidth tracker once per sample period so the
// rolling rate in Stats stays current while streams are relayed. Runs
// until the server's context is cancelled by Stop.
func (s *Server) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tracker.SamplePeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tracker.Sample()
		}
	}
}

// Stats reports relay state for the control API.
type Stats struct {
	Running            bool    `json:"running"`
	Streams            int     `json:"streams"`
	BandwidthLimitKBps float64 `json:"bandwidth_limit_kbps"`
	TotalBytes         uint64  `json:"total_bytes"`
	CurrentBps         uint64  `json:"current_bps"`
}

// Stats returns a snapshot of relay state.
func (s *Server) Stats() Stats {
	return Stats{
		Running:            s.Running(),
		Streams:            s.StreamCount(),
		BandwidthLimitKBps: s.BandwidthLimit(),
		TotalBytes:         s.tracker.TotalBytes(),
		CurrentBps:         s.tracker.CurrentBps(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/stream/*", s.handleStream)
	r.Head("/stream/*", s.handleStream)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// handleStream relays one upstream stream to the caller. Downstream write
// failures terminate only this request; the server keeps serving.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ext := splitStreamPath(chi.URLParam(r, "*"))

	target, ok := s.Lookup(id)
	if !ok {
		http.Error(w, fmt.Sprintf("stream %q not found", id), http.StatusNotFound)
		return
	}

	contentType := ContentTypeForExtension(ext)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Renderers probe with HEAD before issuing GET; answer without
	// touching the upstream.
	if r.Method == http.MethodHead {
		w.Header().Set("Accept-Ranges", "none")
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "invalid upstream url", http.StatusBadGateway)
		return
	}
	// Best-effort Range passthrough; many IPTV sources ignore it.
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		s.logger.Warn("upstream connect failed",
			slog.String("stream_id", id),
			slog.String("error", err.Error()),
		)
		http.Error(w, ErrUpstreamUnavailable.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("upstream rejected request",
			slog.String("stream_id", id),
			slog.Int("status", resp.StatusCode),
		)
		http.Error(w, ErrUpstreamUnavailable.Error(), http.StatusBadGateway)
		return
	}

	// No Content-Length is set, so net/http uses chunked transfer
	// encoding for the response automatically.
	w.WriteHeader(http.StatusOK)

	limit := s.BandwidthLimit()
	err = s.forward(ctx, w, resp.Body, limit, cancel)
	if err != nil && !isClientDisconnect(err) {
		s.logger.Debug("relay stream ended",
			slog.String("stream_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// forward copies upstream bytes to the downstream writer, flushing each
// chunk, pacing writes when a bandwidth limit is set, and cancelling the
// upstream request if reads go idle for longer than the configured window.
func (s *Server) forward(ctx context.Context, w io.Writer, body io.Reader, limitKBps float64, cancelUpstream context.CancelFunc) error {
	flusher, _ := w.(http.Flusher)
	th := newThrottle(limitKBps)
	buf := make([]byte, th.ChunkSize())

	var idle *time.Timer
	if s.cfg.ReadIdleTimeout > 0 {
		idle = time.AfterFunc(s.cfg.ReadIdleTimeout, cancelUpstream)
		defer idle.Stop()
	}

	for {
		n, readErr := body.Read(buf)
		if idle != nil {
			idle.Reset(s.cfg.ReadIdleTimeout)
		}

		if n > 0 {
			if err := th.Pace(ctx, n); err != nil {
				return err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				// Downstream went away; normal termination.
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.tracker.Add(uint64(n))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading upstream: %w", readErr)
		}
	}
}

// splitStreamPath recovers the stream id and extension from the wildcard
// path segment, e.g. "abc123.ts" -> ("abc123", ".ts").
func splitStreamPath(tail string) (id, ext string) {
	tail = strings.TrimPrefix(tail, "/")
	if tail == "" {
		return DefaultStreamID, ""
	}
	if i := strings.LastIndexByte(tail, '.'); i >= 0 {
		return tail[:i], tail[i:]
	}
	return tail, ""
}

// ContentTypeForExtension maps a requested extension to the relay's
// response content type. Unknown extensions default to MPEG-TS, the
// common container for live IPTV.
func ContentTypeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".m3u8":
		return "application/x-mpegURL"
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "video/MP2T"
	}
}

// isClientDisconnect reports whether an error is a normal downstream
// disconnect rather than a relay failure.
func isClientDisconnect(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset")
}
