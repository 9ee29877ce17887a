package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexballas/go-ssdp"
	"golang.org/x/net/ipv4"

	"github.com/jmylchreest/castarr/internal/upnp"
)

const (
	ssdpMulticastAddr = "239.255.255.250:1900"
	ssdpMulticastTTL  = 2
)

// searchSSDP runs the library-backed M-SEARCH and feeds responses into
// the merger. If the library search fails outright (no usable interface,
// socket restrictions), a hand-rolled raw multicast search is attempted
// before giving up.
func (s *Service) searchSSDP(ctx context.Context, m *merger) error {
	waitSec := int(s.cfg.Timeout.Seconds())
	if waitSec < 1 {
		waitSec = 1
	}

	services, err := ssdp.Search(upnp.MediaRendererType, waitSec, "")
	if err != nil {
		s.logger.Debug("ssdp search failed, trying raw multicast",
			slog.String("error", err.Error()))
		return s.rawSearch(ctx, m)
	}

	for _, svc := range services {
		s.addFromAdvertisement(ctx, m, svc.Location, svc.USN)
	}
	return nil
}

// rawSearch sends an M-SEARCH datagram to the SSDP multicast group and
// collects unicast responses until the timeout window closes.
func (s *Service) rawSearch(ctx context.Context, m *merger) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("opening ssdp socket: %w", err)
	}
	defer conn.Close()

	if p := ipv4.NewPacketConn(conn); p != nil {
		p.SetMulticastTTL(ssdpMulticastTTL)
	}

	dst, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return fmt.Errorf("resolving ssdp multicast address: %w", err)
	}

	mx := int(s.cfg.Timeout.Seconds())
	if mx < 1 {
		mx = 1
	}
	msg := fmt.Sprintf("M-SEARCH * HTTP/1.1\r\n"+
		"HOST: %s\r\n"+
		"MAN: \"ssdp:discover\"\r\n"+
		"MX: %d\r\n"+
		"ST: %s\r\n"+
		"\r\n",
		ssdpMulticastAddr, mx, upnp.MediaRendererType)
	if _, err := conn.WriteTo([]byte(msg), dst); err != nil {
		return fmt.Errorf("sending m-search: %w", err)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			// Deadline expiry ends the collection window normally.
			return nil
		}
		location, usn, err := parseSSDPResponse(buf[:n])
		if err != nil {
			continue
		}
		s.addFromAdvertisement(ctx, m, location, usn)
	}
}

// parseSSDPResponse extracts LOCATION and USN from an M-SEARCH response,
// which is formatted as an HTTP response head with no body.
func parseSSDPResponse(data []byte) (location, usn string, err error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return "", "", fmt.Errorf("parsing ssdp response: %w", err)
	}
	defer resp.Body.Close()

	location = resp.Header.Get("Location")
	usn = resp.Header.Get("USN")
	if location == "" || usn == "" {
		return "", "", fmt.Errorf("ssdp response missing location or usn")
	}
	return location, usn, nil
}
