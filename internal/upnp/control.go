package upnp

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/httpclient"
	"github.com/jmylchreest/castarr/internal/observability"
)

// Sentinel errors for control-plane failures.
var (
	// ErrNoCurrentDevice is returned by playback controls invoked while
	// nothing is being cast.
	ErrNoCurrentDevice = errors.New("no current device")
	// ErrNoControlURL is returned when a device description lacks the
	// service needed for the requested action.
	ErrNoControlURL = errors.New("device has no control URL for service")
)

var currentVolumeRe = regexp.MustCompile(`<CurrentVolume>(\d+)</CurrentVolume>`)

// Client drives a MediaRenderer over UPnP SOAP. It tracks at most one
// "current" device, the renderer of the active casting session; playback
// controls target that device.
type Client struct {
	cfg    config.ControlConfig
	logger *slog.Logger
	soap   *httpclient.Client
	desc   *httpclient.Client

	mu       sync.RWMutex
	current  *ResolvedDevice
	resolved map[string]*ResolvedDevice // by UDN
}

// NewClient creates a control client.
func NewClient(cfg config.ControlConfig) *Client {
	logger := observability.WithComponent(slog.Default(), "upnp")
	return &Client{
		cfg:    cfg,
		logger: logger,
		// SOAP calls never retry automatically: a renderer that failed once
		// is usually off or busy, and the caller's re-cast is the retry.
		soap: httpclient.New(httpclient.Config{
			Timeout:            cfg.SOAPTimeout,
			RetryAttempts:      0,
			CircuitThreshold:   httpclient.DefaultCircuitThreshold,
			CircuitTimeout:     httpclient.DefaultCircuitTimeout,
			CircuitHalfOpenMax: httpclient.DefaultCircuitHalfOpenMax,
			Logger:             logger,
		}),
		desc: httpclient.New(httpclient.Config{
			Timeout:             cfg.DescriptionTimeout,
			RetryAttempts:       1,
			RetryDelay:          httpclient.DefaultRetryDelay,
			RetryMaxDelay:       httpclient.DefaultRetryMaxDelay,
			BackoffMultiplier:   httpclient.DefaultBackoffMultiplier,
			CircuitThreshold:    httpclient.DefaultCircuitThreshold,
			CircuitTimeout:      httpclient.DefaultCircuitTimeout,
			CircuitHalfOpenMax:  httpclient.DefaultCircuitHalfOpenMax,
			EnableDecompression: true,
			Logger:              logger,
		}),
		resolved: make(map[string]*ResolvedDevice),
	}
}

// WithLogger sets the logger used by the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = observability.WithComponent(logger, "upnp")
	return c
}

// Resolve fetches a device's description document and extracts its control
// endpoints. Results are cached by UDN, so repeated casts to the same
// device hit the network once.
func (c *Client) Resolve(ctx context.Context, device Device) (*ResolvedDevice, error) {
	c.mu.RLock()
	cached, ok := c.resolved[device.UDN]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resp, err := c.desc.Get(ctx, device.Location)
	if err != nil {
		return nil, fmt.Errorf("fetching device description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("device description returned status %d", resp.StatusCode)
	}

	desc, err := ParseDescription(device.Location, resp.Body)
	if err != nil {
		return nil, err
	}
	if desc.Endpoints.AVTransportURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoControlURL, AVTransportService)
	}

	rd := &ResolvedDevice{Device: device, Endpoints: desc.Endpoints}
	if rd.Name == "" {
		rd.Name = desc.FriendlyName
	}

	c.mu.Lock()
	c.resolved[device.UDN] = rd
	c.mu.Unlock()

	c.logger.Debug("resolved device endpoints",
		slog.String("device", rd.Name),
		slog.String("av_transport", rd.AVTransportURL),
		slog.String("rendering_control", rd.RenderingControlURL),
	)
	return rd, nil
}

// Cast points a renderer at a stream URL and starts playback. The
// sequence is fixed: an ignored defensive Stop against the previous
// device, then SetAVTransportURI, then Play. The device becomes current
// only when both of the last two succeed.
func (c *Client) Cast(ctx context.Context, device Device, streamURL, title string) error {
	// Renderers that are mid-playback often refuse a new URI. Stop the
	// previous session first and ignore the outcome; an unreachable old
	// device must not delay the new cast.
	if prev := c.CurrentDevice(); prev != nil {
		if _, err := c.soapCall(ctx, prev.AVTransportURL, AVTransportService, "Stop", stopBody()); err != nil {
			c.logger.Debug("defensive stop failed", slog.String("error", err.Error()))
		}
	}

	rd, err := c.Resolve(ctx, device)
	if err != nil {
		return err
	}

	metadata := BuildMetadata(streamURL, title)
	setURI := fmt.Sprintf(
		`<u:SetAVTransportURI xmlns:u=%q>`+
			`<InstanceID>0</InstanceID>`+
			`<CurrentURI>%s</CurrentURI>`+
			`<CurrentURIMetaData>%s</CurrentURIMetaData>`+
			`</u:SetAVTransportURI>`,
		AVTransportService,
		html.EscapeString(streamURL),
		html.EscapeString(metadata),
	)
	if _, err := c.soapCall(ctx, rd.AVTransportURL, AVTransportService, "SetAVTransportURI", setURI); err != nil {
		return fmt.Errorf("setting transport URI on %s: %w", rd.Name, err)
	}

	if _, err := c.soapCall(ctx, rd.AVTransportURL, AVTransportService, "Play", playBody()); err != nil {
		return fmt.Errorf("starting playback on %s: %w", rd.Name, err)
	}

	c.mu.Lock()
	c.current = rd
	c.mu.Unlock()

	c.logger.Info("casting started",
		slog.String("device", rd.Name),
		slog.String("title", title),
	)
	return nil
}

// SetNextURI queues the next stream on the current device for a gapless
// transition the renderer performs on its own schedule.
func (c *Client) SetNextURI(ctx context.Context, streamURL, title string) error {
	rd := c.CurrentDevice()
	if rd == nil {
		return ErrNoCurrentDevice
	}

	metadata := BuildMetadata(streamURL, title)
	body := fmt.Sprintf(
		`<u:SetNextAVTransportURI xmlns:u=%q>`+
			`<InstanceID>0</InstanceID>`+
			`<NextURI>%s</NextURI>`+
			`<NextURIMetaData>%s</NextURIMetaData>`+
			`</u:SetNextAVTransportURI>`,
		AVTransportService,
		html.EscapeString(streamURL),
		html.EscapeString(metadata),
	)
	_, err := c.soapCall(ctx, rd.AVTransportURL, AVTransportService, "SetNextAVTransportURI", body)
	return err
}

// Stop halts playback on the current device and clears the current-device
// reference on success.
func (c *Client) Stop(ctx context.Context) error {
	rd := c.CurrentDevice()
	if rd == nil {
		return ErrNoCurrentDevice
	}
	if _, err := c.soapCall(ctx, rd.AVTransportURL, AVTransportService, "Stop", stopBody()); err != nil {
		return err
	}
	c.ClearCurrent()
	return nil
}

// Pause pauses playback on the current device.
func (c *Client) Pause(ctx context.Context) error {
	rd := c.CurrentDevice()
	if rd == nil {
		return ErrNoCurrentDevice
	}
	body := fmt.Sprintf(
		`<u:Pause xmlns:u=%q><InstanceID>0</InstanceID></u:Pause>`,
		AVTransportService,
	)
	_, err := c.soapCall(ctx, rd.AVTransportURL, AVTransportService, "Pause", body)
	return err
}

// Resume restarts playback on the current device after a pause.
func (c *Client) Resume(ctx context.Context) error {
	rd := c.CurrentDevice()
	if rd == nil {
		return ErrNoCurrentDevice
	}
	_, err := c.soapCall(ctx, rd.AVTransportURL, AVTransportService, "Play", playBody())
	return err
}

// GetVolume reads the current master volume (0-100). Any transport or
// parse failure yields 0; volume reads are advisory.
func (c *Client) GetVolume(ctx context.Context) int {
	rd := c.CurrentDevice()
	if rd == nil || rd.RenderingControlURL == "" {
		return 0
	}
	body := fmt.Sprintf(
		`<u:GetVolume xmlns:u=%q>`+
			`<InstanceID>0</InstanceID>`+
			`<Channel>Master</Channel>`+
			`</u:GetVolume>`,
		RenderingControlService,
	)
	resp, err := c.soapCall(ctx, rd.RenderingControlURL, RenderingControlService, "GetVolume", body)
	if err != nil {
		return 0
	}
	m := currentVolumeRe.FindSubmatch(resp)
	if m == nil {
		return 0
	}
	v, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0
	}
	return v
}

// SetVolume sets the master volume on the current device, clamped to 0-100.
func (c *Client) SetVolume(ctx context.Context, volume int) error {
	rd := c.CurrentDevice()
	if rd == nil {
		return ErrNoCurrentDevice
	}
	if rd.RenderingControlURL == "" {
		return fmt.Errorf("%w: %s", ErrNoControlURL, RenderingControlService)
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	body := fmt.Sprintf(
		`<u:SetVolume xmlns:u=%q>`+
			`<InstanceID>0</InstanceID>`+
			`<Channel>Master</Channel>`+
			`<DesiredVolume>%d</DesiredVolume>`+
			`</u:SetVolume>`,
		RenderingControlService, volume,
	)
	_, err := c.soapCall(ctx, rd.RenderingControlURL, RenderingControlService, "SetVolume", body)
	return err
}

// SetMute sets the master mute state on the current device.
func (c *Client) SetMute(ctx context.Context, mute bool) error {
	rd := c.CurrentDevice()
	if rd == nil {
		return ErrNoCurrentDevice
	}
	if rd.RenderingControlURL == "" {
		return fmt.Errorf("%w: %s", ErrNoControlURL, RenderingControlService)
	}
	val := "0"
	if mute {
		val = "1"
	}
	body := fmt.Sprintf(
		`<u:SetMute xmlns:u=%q>`+
			`<InstanceID>0</InstanceID>`+
			`<Channel>Master</Channel>`+
			`<DesiredMute>%s</DesiredMute>`+
			`</u:SetMute>`,
		RenderingControlService, val,
	)
	_, err := c.soapCall(ctx, rd.RenderingControlURL, RenderingControlService, "SetMute", body)
	return err
}

// CurrentDevice returns the device of the active casting session, or nil.
func (c *Client) CurrentDevice() *ResolvedDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// ClearCurrent drops the current-device reference without contacting the
// device. Used when tearing down a session whose renderer is unreachable.
func (c *Client) ClearCurrent() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func stopBody() string {
	return fmt.Sprintf(`<u:Stop xmlns:u=%q><InstanceID>0</InstanceID></u:Stop>`, AVTransportService)
}

func playBody() string {
	return fmt.Sprintf(`<u:Play xmlns:u=%q><InstanceID>0</InstanceID><Speed>1</Speed></u:Play>`, AVTransportService)
}
