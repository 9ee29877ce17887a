// Package discovery finds DLNA MediaRenderer devices on the local
// network. It combines a standards-based SSDP multicast search with a
// vendor direct-probe fallback for TVs that ignore M-SEARCH, and merges
// the results deduplicated by UDN.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/httpclient"
	"github.com/jmylchreest/castarr/internal/observability"
	"github.com/jmylchreest/castarr/internal/upnp"
)

// Service discovers renderers. Zero devices found is a normal outcome;
// Discover returns an error only when every discovery mechanism failed
// at the network layer.
type Service struct {
	cfg    config.DiscoveryConfig
	logger *slog.Logger
	desc   *httpclient.Client
	probe  *http.Client

	mu        sync.Mutex
	callbacks []func(upnp.Device)
}

// NewService creates a discovery service.
func NewService(cfg config.DiscoveryConfig) *Service {
	logger := observability.WithComponent(slog.Default(), "discovery")
	return &Service{
		cfg:    cfg,
		logger: logger,
		desc: httpclient.New(httpclient.Config{
			Timeout:             cfg.Timeout,
			RetryAttempts:       0,
			CircuitThreshold:    httpclient.DefaultCircuitThreshold,
			CircuitTimeout:      httpclient.DefaultCircuitTimeout,
			CircuitHalfOpenMax:  httpclient.DefaultCircuitHalfOpenMax,
			EnableDecompression: true,
			Logger:              logger,
		}),
		probe: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// WithLogger sets the logger used by the service.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = observability.WithComponent(logger, "discovery")
	return s
}

// OnDeviceFound registers a callback invoked once per newly discovered
// device, as it is found. Callbacks run on discovery goroutines and must
// not block.
func (s *Service) OnDeviceFound(cb func(upnp.Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Discover runs the SSDP search and the vendor subnet probe in parallel
// and returns the merged, deduplicated device list. Per-host failures are
// swallowed; a single bad host never aborts discovery.
func (s *Service) Discover(ctx context.Context) ([]upnp.Device, error) {
	defer observability.TimedOperation(ctx, s.logger, "discover")()

	s.mu.Lock()
	m := newMerger(append(([]func(upnp.Device))(nil), s.callbacks...))
	s.mu.Unlock()

	var ssdpErr, probeErr error
	g := new(errgroup.Group)
	g.Go(func() error {
		ssdpErr = s.searchSSDP(ctx, m)
		return nil
	})
	g.Go(func() error {
		probeErr = s.probeSubnet(ctx, m)
		return nil
	})
	g.Wait()

	devices := m.list()
	if len(devices) == 0 && ssdpErr != nil && probeErr != nil {
		return nil, fmt.Errorf("discovery failed: %w", errors.Join(ssdpErr, probeErr))
	}

	s.logger.Info("discovery finished", slog.Int("devices", len(devices)))
	return devices, nil
}

// addFromAdvertisement turns an SSDP advertisement (location + USN) into a
// merged device. The friendly name comes from the description document;
// when that fetch fails the device is still listed under a host-derived
// name, since the renderer itself is evidently reachable.
func (s *Service) addFromAdvertisement(ctx context.Context, m *merger, location, usn string) {
	udn := udnFromUSN(usn)
	if udn == "" || location == "" {
		return
	}
	if m.known(udn) {
		return
	}

	name := ""
	if resp, err := s.desc.Get(ctx, location); err == nil {
		if resp.StatusCode == http.StatusOK {
			if desc, err := upnp.ParseDescription(location, resp.Body); err == nil {
				name = desc.FriendlyName
			}
		}
		resp.Body.Close()
	}
	if name == "" {
		name = fmt.Sprintf("Device (%s)", hostFromLocation(location))
	}

	m.add(upnp.Device{
		Name:       name,
		Location:   location,
		UDN:        udn,
		DeviceType: "MediaRenderer",
	})
}

// udnFromUSN extracts the unique device name from a USN header, which has
// the form "uuid:device-UUID::urn:...".
func udnFromUSN(usn string) string {
	for i := 0; i+1 < len(usn); i++ {
		if usn[i] == ':' && usn[i+1] == ':' {
			return usn[:i]
		}
	}
	return usn
}

func hostFromLocation(location string) string {
	if u, err := url.Parse(location); err == nil && u.Host != "" {
		return u.Host
	}
	return location
}

// merger accumulates devices deduplicated by UDN. The first sighting of a
// UDN wins; later sightings with a different name or location are dropped.
type merger struct {
	mu      sync.Mutex
	byUDN   map[string]struct{}
	devices []upnp.Device
	onFound []func(upnp.Device)
}

func newMerger(onFound []func(upnp.Device)) *merger {
	return &merger{
		byUDN:   make(map[string]struct{}),
		onFound: onFound,
	}
}

// add records a device unless its UDN was already seen. Devices without a
// UDN are rejected outright rather than listed with partial identity.
func (m *merger) add(d upnp.Device) bool {
	if d.UDN == "" {
		return false
	}

	m.mu.Lock()
	if _, seen := m.byUDN[d.UDN]; seen {
		m.mu.Unlock()
		return false
	}
	m.byUDN[d.UDN] = struct{}{}
	m.devices = append(m.devices, d)
	callbacks := m.onFound
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(d)
	}
	return true
}

func (m *merger) known(udn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.byUDN[udn]
	return seen
}

func (m *merger) list() []upnp.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]upnp.Device(nil), m.devices...)
}
