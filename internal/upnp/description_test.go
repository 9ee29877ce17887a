package upnp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rendererDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>[TV] Living Room</friendlyName>
    <UDN>uuid:0a1b2c3d-1111-2222-3333-444455556666</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>/upnp/control/AVTransport1</controlURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <controlURL>upnp/control/RenderingControl1</controlURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
        <controlURL>/upnp/control/ConnectionManager1</controlURL>
      </service>
    </serviceList>
  </device>
</root>`

func TestParseDescription(t *testing.T) {
	desc, err := ParseDescription("http://192.168.1.50:9197/dmr", strings.NewReader(rendererDescription))
	require.NoError(t, err)

	assert.Equal(t, "[TV] Living Room", desc.FriendlyName)
	assert.Equal(t, "uuid:0a1b2c3d-1111-2222-3333-444455556666", desc.UDN)
	assert.Equal(t, MediaRendererType, desc.DeviceType)
	assert.Equal(t, "http://192.168.1.50:9197/upnp/control/AVTransport1", desc.Endpoints.AVTransportURL)
	// Relative (non-rooted) control URLs resolve against the description's directory.
	assert.Equal(t, "http://192.168.1.50:9197/upnp/control/RenderingControl1", desc.Endpoints.RenderingControlURL)
}

func TestParseDescription_AbsoluteControlURL(t *testing.T) {
	doc := `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>TV</friendlyName>
    <UDN>uuid:abc</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>http://192.168.1.50:7676/smp_14_</controlURL>
      </service>
    </serviceList>
  </device>
</root>`
	desc, err := ParseDescription("http://192.168.1.50:9197/dmr", strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.50:7676/smp_14_", desc.Endpoints.AVTransportURL)
}

func TestParseDescription_EmbeddedDevice(t *testing.T) {
	doc := `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Combo Box</friendlyName>
    <UDN>uuid:root-dev</UDN>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
            <controlURL>/av/control</controlURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`
	desc, err := ParseDescription("http://192.168.1.60:8080/desc.xml", strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.60:8080/av/control", desc.Endpoints.AVTransportURL)
}

func TestParseDescription_Malformed(t *testing.T) {
	_, err := ParseDescription("http://host/desc.xml", strings.NewReader("<root><notclosed"))
	assert.Error(t, err)
}

func TestDeviceEqual(t *testing.T) {
	a := Device{Name: "TV", Location: "http://192.168.1.50:9197/dmr", UDN: "uuid:abc"}
	b := Device{Name: "Renamed TV", Location: "http://192.168.1.99:9197/dmr", UDN: "uuid:abc"}
	c := Device{Name: "TV", Location: "http://192.168.1.50:9197/dmr", UDN: "uuid:def"}

	assert.True(t, a.Equal(b), "identity is the UDN, not name or location")
	assert.False(t, a.Equal(c))
}
