package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/castarr/internal/upnp"
)

// probeSubnet scans the local /24 for renderers exposing the well-known
// vendor DMR endpoint (Samsung TVs frequently ignore M-SEARCH but answer
// a direct hit on :9197/dmr). Probes run with bounded concurrency and a
// short per-host timeout; a host timing out is simply not a TV.
func (s *Service) probeSubnet(ctx context.Context, m *merger) error {
	localIP := localIPv4()
	if localIP == "" {
		return errors.New("no local IPv4 address for subnet probe")
	}

	prefix := localIP[:strings.LastIndex(localIP, ".")+1]

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ProbeConcurrency)
	for i := 1; i < 255; i++ {
		host := fmt.Sprintf("%s%d", prefix, i)
		g.Go(func() error {
			s.probeHost(ctx, m, host)
			return nil
		})
	}
	return g.Wait()
}

// probeHost checks a single address for the vendor DMR endpoint. Hosts
// that do not answer, answer with an error, or answer with something that
// is not a MediaRenderer description are silently skipped.
func (s *Service) probeHost(ctx context.Context, m *merger, host string) {
	probeURL := fmt.Sprintf("http://%s:%d%s", host, s.cfg.ProbePort, s.cfg.ProbePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil || !bytes.Contains(body, []byte("MediaRenderer")) {
		return
	}

	// The DMR endpoint serves a regular description document. When it is
	// malformed, the device still gets listed under synthesized identity;
	// it answered the probe, so it is castable.
	var name, udn string
	if desc, err := upnp.ParseDescription(probeURL, bytes.NewReader(body)); err == nil {
		name = desc.FriendlyName
		udn = desc.UDN
	}
	if name == "" {
		name = fmt.Sprintf("Samsung TV (%s)", host)
	}
	if udn == "" {
		udn = "uuid:" + host
	}

	if m.add(upnp.Device{
		Name:       name,
		Location:   probeURL,
		UDN:        udn,
		DeviceType: "MediaRenderer",
	}) {
		s.logger.Debug("vendor probe found renderer",
			"host", host, "name", name)
	}
}

// localIPv4 returns the outward-facing local IPv4 address. The UDP
// "connect" selects a route without sending packets.
func localIPv4() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
