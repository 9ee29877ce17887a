// Package upnp implements discovery-adjacent device modelling and a SOAP
// control client for DLNA MediaRenderer devices (AVTransport and
// RenderingControl services).
package upnp

// Device is a renderer found on the network. Identity is the UDN: a device
// may move to a new Location across DHCP leases while keeping its UDN, so
// Name and Location never participate in equality.
type Device struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	UDN        string `json:"udn"`
	DeviceType string `json:"device_type"`
}

// Equal reports whether two devices are the same physical renderer.
func (d Device) Equal(other Device) bool {
	return d.UDN == other.UDN
}

// Endpoints are the absolute control URLs extracted from a device
// description document.
type Endpoints struct {
	AVTransportURL      string `json:"av_transport_url"`
	RenderingControlURL string `json:"rendering_control_url"`
}

// ResolvedDevice is a Device whose control endpoints have been fetched.
// Control actions only ever operate on resolved devices, so "endpoints not
// yet known" is a distinct type rather than empty fields on Device.
type ResolvedDevice struct {
	Device
	Endpoints
}
