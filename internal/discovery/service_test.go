package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/upnp"
)

func testDiscoveryConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		Timeout:          2 * time.Second,
		ProbePort:        9197,
		ProbePath:        "/dmr",
		ProbeTimeout:     700 * time.Millisecond,
		ProbeConcurrency: 64,
	}
}

func TestMerger_DedupByUDN(t *testing.T) {
	m := newMerger(nil)

	first := upnp.Device{Name: "Living Room TV", Location: "http://192.168.1.50:9197/dmr", UDN: "uuid:abc"}
	// Same renderer seen again via another mechanism, with a different
	// name and a new DHCP address.
	second := upnp.Device{Name: "[TV] Samsung", Location: "http://192.168.1.99:9197/dmr", UDN: "uuid:abc"}

	assert.True(t, m.add(first))
	assert.False(t, m.add(second))

	devices := m.list()
	require.Len(t, devices, 1)
	// First sighting wins.
	assert.Equal(t, "Living Room TV", devices[0].Name)
	assert.Equal(t, "http://192.168.1.50:9197/dmr", devices[0].Location)
}

func TestMerger_RejectsMissingUDN(t *testing.T) {
	m := newMerger(nil)
	assert.False(t, m.add(upnp.Device{Name: "Ghost", Location: "http://192.168.1.1/desc"}))
	assert.Empty(t, m.list())
}

func TestMerger_CallbacksFirePerNewDevice(t *testing.T) {
	var mu sync.Mutex
	var found []string
	m := newMerger([]func(upnp.Device){func(d upnp.Device) {
		mu.Lock()
		found = append(found, d.UDN)
		mu.Unlock()
	}})

	m.add(upnp.Device{Name: "A", UDN: "uuid:a"})
	m.add(upnp.Device{Name: "A again", UDN: "uuid:a"})
	m.add(upnp.Device{Name: "B", UDN: "uuid:b"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"uuid:a", "uuid:b"}, found)
}

func TestMerger_EmptyListNotNilSemantics(t *testing.T) {
	m := newMerger(nil)
	assert.Len(t, m.list(), 0)
}

func TestUDNFromUSN(t *testing.T) {
	tests := []struct {
		usn  string
		want string
	}{
		{"uuid:abc-123::urn:schemas-upnp-org:device:MediaRenderer:1", "uuid:abc-123"},
		{"uuid:abc-123", "uuid:abc-123"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, udnFromUSN(tt.usn), "usn %q", tt.usn)
	}
}

func TestParseSSDPResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: http://192.168.1.50:9197/dmr\r\n" +
		"ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"USN: uuid:abc::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"\r\n"

	location, usn, err := parseSSDPResponse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.50:9197/dmr", location)
	assert.Equal(t, "uuid:abc::urn:schemas-upnp-org:device:MediaRenderer:1", usn)
}

func TestParseSSDPResponse_Invalid(t *testing.T) {
	_, _, err := parseSSDPResponse([]byte("NOTIFY * HTTP/1.1\r\n\r\n"))
	assert.Error(t, err)

	_, _, err = parseSSDPResponse([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	assert.Error(t, err, "response without location/usn is rejected")
}

func TestAddFromAdvertisement_FetchesFriendlyName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><root xmlns="urn:schemas-upnp-org:device-1-0"><device><deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType><friendlyName>Bedroom TV</friendlyName><UDN>uuid:bedroom</UDN></device></root>`)
	}))
	defer srv.Close()

	s := NewService(testDiscoveryConfig())
	m := newMerger(nil)
	s.addFromAdvertisement(context.Background(), m, srv.URL,
		"uuid:bedroom::urn:schemas-upnp-org:device:MediaRenderer:1")

	devices := m.list()
	require.Len(t, devices, 1)
	assert.Equal(t, "Bedroom TV", devices[0].Name)
	assert.Equal(t, "uuid:bedroom", devices[0].UDN)
	assert.Equal(t, srv.URL, devices[0].Location)
}

func TestAddFromAdvertisement_DescriptionUnreachable(t *testing.T) {
	s := NewService(testDiscoveryConfig())
	m := newMerger(nil)

	// The advertisement itself proves the device exists; a failed
	// description fetch degrades to a host-derived name.
	s.addFromAdvertisement(context.Background(), m,
		"http://127.0.0.1:1/desc.xml", "uuid:dark::urn:x")

	devices := m.list()
	require.Len(t, devices, 1)
	assert.Equal(t, "Device (127.0.0.1:1)", devices[0].Name)
	assert.Equal(t, "uuid:dark", devices[0].UDN)
}

func TestAddFromAdvertisement_SkipsKnownUDN(t *testing.T) {
	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		fmt.Fprint(w, `<?xml version="1.0"?><root xmlns="urn:schemas-upnp-org:device-1-0"><device><friendlyName>TV</friendlyName><UDN>uuid:once</UDN></device></root>`)
	}))
	defer srv.Close()

	s := NewService(testDiscoveryConfig())
	m := newMerger(nil)
	s.addFromAdvertisement(context.Background(), m, srv.URL, "uuid:once::urn:x")
	s.addFromAdvertisement(context.Background(), m, srv.URL, "uuid:once::urn:x")

	assert.Equal(t, 1, fetches, "known UDNs must not be re-fetched")
	assert.Len(t, m.list(), 1)
}

// probeTestService points the prober at an httptest server by deriving
// the probe port from the server's listen address.
func probeTestService(t *testing.T, srv *httptest.Server) *Service {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := testDiscoveryConfig()
	cfg.ProbePort = port
	return NewService(cfg)
}

func TestProbeHost_FindsRenderer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dmr", r.URL.Path)
		fmt.Fprint(w, `<?xml version="1.0"?><root xmlns="urn:schemas-upnp-org:device-1-0"><device><deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType><friendlyName>[TV] Samsung 7 Series</friendlyName><UDN>uuid:samsung-7</UDN></device></root>`)
	}))
	defer srv.Close()

	s := probeTestService(t, srv)
	m := newMerger(nil)
	s.probeHost(context.Background(), m, "127.0.0.1")

	devices := m.list()
	require.Len(t, devices, 1)
	assert.Equal(t, "[TV] Samsung 7 Series", devices[0].Name)
	assert.Equal(t, "uuid:samsung-7", devices[0].UDN)
}

func TestProbeHost_SynthesizesIdentity(t *testing.T) {
	// Answers the probe and claims to be a MediaRenderer, but the
	// document is mangled.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<root><device>MediaRenderer<friendlyName`)
	}))
	defer srv.Close()

	s := probeTestService(t, srv)
	m := newMerger(nil)
	s.probeHost(context.Background(), m, "127.0.0.1")

	devices := m.list()
	require.Len(t, devices, 1)
	assert.Equal(t, "Samsung TV (127.0.0.1)", devices[0].Name)
	assert.Equal(t, "uuid:127.0.0.1", devices[0].UDN)
}

func TestProbeHost_IgnoresNonRenderers(t *testing.T) {
	t.Run("not a renderer", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>router admin page</html>")
		}))
		defer srv.Close()

		s := probeTestService(t, srv)
		m := newMerger(nil)
		s.probeHost(context.Background(), m, "127.0.0.1")
		assert.Empty(t, m.list())
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		}))
		defer srv.Close()

		s := probeTestService(t, srv)
		m := newMerger(nil)
		s.probeHost(context.Background(), m, "127.0.0.1")
		assert.Empty(t, m.list())
	})

	t.Run("unreachable host", func(t *testing.T) {
		s := NewService(testDiscoveryConfig())
		m := newMerger(nil)
		s.probeHost(context.Background(), m, "127.0.0.1") // nothing on :9197
		assert.Empty(t, m.list())
	})
}
