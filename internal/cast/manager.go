// Package cast orchestrates casting sessions: it wires the stream relay,
// the UPnP control client, and the play queue together behind the
// user-facing verbs (cast to device, stop, play/pause, volume).
package cast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/observability"
	"github.com/jmylchreest/castarr/internal/relay"
	"github.com/jmylchreest/castarr/internal/upnp"
)

// ErrNothingPlaying is returned when a cast is requested with no current
// queue item.
var ErrNothingPlaying = errors.New("no current item to cast")

// ErrNotCasting is returned by session controls when no session is active.
var ErrNotCasting = errors.New("no active casting session")

// Item is a playable queue entry.
type Item struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// QueueProvider supplies the current and next playable items. Implemented
// by whatever owns the play queue; the orchestrator never mutates it.
type QueueProvider interface {
	// CurrentItem returns the item to cast, or nil when nothing plays.
	CurrentItem(ctx context.Context) (*Item, error)
	// NextItem returns the item after the current one, or nil at the end
	// of the queue.
	NextItem(ctx context.Context) (*Item, error)
}

// Controller is the control-plane surface the orchestrator drives.
// Satisfied by *upnp.Client.
type Controller interface {
	Cast(ctx context.Context, device upnp.Device, streamURL, title string) error
	SetNextURI(ctx context.Context, streamURL, title string) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	GetVolume(ctx context.Context) int
	SetVolume(ctx context.Context, volume int) error
	SetMute(ctx context.Context, mute bool) error
	CurrentDevice() *upnp.ResolvedDevice
	ClearCurrent()
}

// Session describes an active casting session.
type Session struct {
	ID        string      `json:"id"`
	Device    upnp.Device `json:"device"`
	Title     string      `json:"title"`
	StartedAt time.Time   `json:"started_at"`
	Paused    bool        `json:"paused"`
	Muted     bool        `json:"muted"`
}

// Manager owns at most one casting session at a time. The session state
// is mutated only by CastTo and StopCasting; the playback passthroughs
// read it.
type Manager struct {
	cfg     config.ControlConfig
	logger  *slog.Logger
	relay   *relay.Server
	control Controller
	queue   QueueProvider

	mu      sync.RWMutex
	session *Session
}

// NewManager creates a cast orchestrator.
func NewManager(cfg config.ControlConfig, relaySrv *relay.Server, control Controller, queue QueueProvider) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  observability.WithComponent(slog.Default(), "cast"),
		relay:   relaySrv,
		control: control,
		queue:   queue,
	}
}

// WithLogger sets the logger used by the manager.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = observability.WithComponent(logger, "cast")
	return m
}

// CastTo starts casting the current queue item to the given device. The
// relay is started on demand, the item is bound to the reserved default
// stream id, and the renderer is pointed at the proxy URL. When the queue
// has a next item it is registered under its own id and queued on the
// renderer for a gapless transition.
func (m *Manager) CastTo(ctx context.Context, device upnp.Device) error {
	item, err := m.queue.CurrentItem(ctx)
	if err != nil {
		return fmt.Errorf("reading current queue item: %w", err)
	}
	if item == nil {
		return ErrNothingPlaying
	}

	if err := m.relay.Start(); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}

	id := m.relay.SetDefault(item.URL)
	proxyURL := m.relay.ProxyURL(id, ExtensionForURL(item.URL))

	if err := m.control.Cast(ctx, device, proxyURL, item.Title); err != nil {
		return fmt.Errorf("casting to %s: %w", device.Name, err)
	}

	m.mu.Lock()
	m.session = &Session{
		ID:        ulid.Make().String(),
		Device:    device,
		Title:     item.Title,
		StartedAt: time.Now(),
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	m.logger.Info("casting session started",
		slog.String("session_id", sessionID),
		slog.String("device", device.Name),
		slog.String("title", item.Title),
	)

	m.queueNext(ctx)
	return nil
}

// queueNext registers the next queue item with the relay and hands its
// proxy URL to the renderer. Best effort: the physical remote's "next"
// button works when this succeeds, and nothing is lost when it fails.
func (m *Manager) queueNext(ctx context.Context) {
	next, err := m.queue.NextItem(ctx)
	if err != nil || next == nil {
		return
	}

	id := m.relay.Register(next.URL)
	nextProxy := m.relay.ProxyURL(id, ExtensionForURL(next.URL))
	if err := m.control.SetNextURI(ctx, nextProxy, next.Title); err != nil {
		m.relay.Unregister(id)
		m.logger.Debug("queueing next item failed",
			slog.String("title", next.Title),
			slog.String("error", err.Error()),
		)
		return
	}

	m.logger.Debug("next item queued on renderer", slog.String("title", next.Title))
}

// StopCasting tears the session down. Local state is cleared and the
// relay stopped even when the renderer is unreachable; a powered-off TV
// must not leave a stale session behind.
func (m *Manager) StopCasting(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()

	if session == nil {
		return ErrNotCasting
	}

	stopErr := m.control.Stop(ctx)
	if stopErr != nil {
		m.logger.Warn("renderer stop failed, clearing session anyway",
			slog.String("device", session.Device.Name),
			slog.String("error", stopErr.Error()),
		)
		m.control.ClearCurrent()
	}

	relayErr := m.relay.Stop()

	m.logger.Info("casting session stopped", slog.String("session_id", session.ID))
	return errors.Join(stopErr, relayErr)
}

// TogglePlayPause flips between paused and playing. The paused flag only
// changes when the renderer accepted the action. The SOAP round-trip runs
// without the session lock so state reads stay responsive while a slow
// renderer is answering.
func (m *Manager) TogglePlayPause(ctx context.Context) (paused bool, err error) {
	m.mu.RLock()
	if m.session == nil {
		m.mu.RUnlock()
		return false, ErrNotCasting
	}
	sessionID := m.session.ID
	wasPaused := m.session.Paused
	m.mu.RUnlock()

	if wasPaused {
		if err := m.control.Resume(ctx); err != nil {
			return true, err
		}
	} else {
		if err := m.control.Pause(ctx); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != sessionID {
		// The session ended while the renderer was answering.
		return !wasPaused, ErrNotCasting
	}
	m.session.Paused = !wasPaused
	return m.session.Paused, nil
}

// VolumeUp raises the volume by the configured step and returns the
// device-reported volume afterwards.
func (m *Manager) VolumeUp(ctx context.Context) (int, error) {
	return m.adjustVolume(ctx, m.cfg.VolumeStep)
}

// VolumeDown lowers the volume by the configured step and returns the
// device-reported volume afterwards.
func (m *Manager) VolumeDown(ctx context.Context) (int, error) {
	return m.adjustVolume(ctx, -m.cfg.VolumeStep)
}

// adjustVolume reads the device volume, applies a relative step, and
// reads back the result rather than assuming the write landed.
func (m *Manager) adjustVolume(ctx context.Context, step int) (int, error) {
	if !m.Casting() {
		return 0, ErrNotCasting
	}

	current := m.control.GetVolume(ctx)
	target := current + step
	if target < 0 {
		target = 0
	}
	if target > 100 {
		target = 100
	}
	if err := m.control.SetVolume(ctx, target); err != nil {
		return current, err
	}
	return m.control.GetVolume(ctx), nil
}

// ToggleMute flips the mute state. The muted flag only changes when the
// renderer accepted the action. Like TogglePlayPause, the SOAP call runs
// outside the session lock.
func (m *Manager) ToggleMute(ctx context.Context) (muted bool, err error) {
	m.mu.RLock()
	if m.session == nil {
		m.mu.RUnlock()
		return false, ErrNotCasting
	}
	sessionID := m.session.ID
	target := !m.session.Muted
	m.mu.RUnlock()

	if err := m.control.SetMute(ctx, target); err != nil {
		return !target, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != sessionID {
		return target, ErrNotCasting
	}
	m.session.Muted = target
	return target, nil
}

// Casting reports whether a session is active.
func (m *Manager) Casting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil
}

// CurrentSession returns a copy of the active session, or nil.
func (m *Manager) CurrentSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// ExtensionForURL infers the proxy-path extension from a source URL so
// renderer-side content sniffing resolves the right container. Unknown
// sources are served as MPEG-TS, the common case for live IPTV.
func ExtensionForURL(sourceURL string) string {
	lower := strings.ToLower(sourceURL)
	switch {
	case strings.Contains(lower, ".m3u8"):
		return ".m3u8"
	case strings.Contains(lower, ".mp4"):
		return ".mp4"
	case strings.Contains(lower, ".mkv"):
		return ".mkv"
	default:
		return ".ts"
	}
}
