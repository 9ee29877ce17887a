package upnp

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

const (
	// AVTransportService is the service URN for transport actions.
	AVTransportService = "urn:schemas-upnp-org:service:AVTransport:1"
	// RenderingControlService is the service URN for volume and mute.
	RenderingControlService = "urn:schemas-upnp-org:service:RenderingControl:1"

	// MediaRendererType is the device type announced by DLNA renderers.
	MediaRendererType = "urn:schemas-upnp-org:device:MediaRenderer:1"
)

type descriptionService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

type descriptionDevice struct {
	DeviceType   string               `xml:"deviceType"`
	FriendlyName string               `xml:"friendlyName"`
	UDN          string               `xml:"UDN"`
	Services     []descriptionService `xml:"serviceList>service"`
	Embedded     []descriptionDevice  `xml:"deviceList>device"`
}

type descriptionRoot struct {
	XMLName xml.Name          `xml:"root"`
	Device  descriptionDevice `xml:"device"`
}

// Description is the subset of a UPnP device description document this
// package cares about, with control URLs already made absolute.
type Description struct {
	FriendlyName string
	UDN          string
	DeviceType   string
	Endpoints    Endpoints
}

// ParseDescription decodes a device description document and resolves its
// service control URLs against baseURL (the URL the document was fetched
// from). Services declared on embedded sub-devices are searched as well;
// some renderers nest AVTransport one level down.
func ParseDescription(baseURL string, r io.Reader) (*Description, error) {
	var root descriptionRoot
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding device description: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing description base URL: %w", err)
	}

	desc := &Description{
		FriendlyName: root.Device.FriendlyName,
		UDN:          root.Device.UDN,
		DeviceType:   root.Device.DeviceType,
	}
	collectEndpoints(base, root.Device, &desc.Endpoints)
	return desc, nil
}

func collectEndpoints(base *url.URL, dev descriptionDevice, out *Endpoints) {
	for _, svc := range dev.Services {
		switch {
		case strings.HasPrefix(svc.ServiceType, "urn:schemas-upnp-org:service:AVTransport:"):
			if out.AVTransportURL == "" {
				out.AVTransportURL = resolveControlURL(base, svc.ControlURL)
			}
		case strings.HasPrefix(svc.ServiceType, "urn:schemas-upnp-org:service:RenderingControl:"):
			if out.RenderingControlURL == "" {
				out.RenderingControlURL = resolveControlURL(base, svc.ControlURL)
			}
		}
	}
	for _, sub := range dev.Embedded {
		collectEndpoints(base, sub, out)
	}
}

// resolveControlURL turns a controlURL from a description document into an
// absolute URL. Devices emit absolute URLs, absolute paths, and paths
// relative to the description document; all three occur in the wild.
func resolveControlURL(base *url.URL, controlURL string) string {
	if controlURL == "" {
		return ""
	}
	if strings.HasPrefix(controlURL, "http://") || strings.HasPrefix(controlURL, "https://") {
		return controlURL
	}
	u := *base
	u.RawQuery = ""
	u.Fragment = ""
	if strings.HasPrefix(controlURL, "/") {
		u.Path = controlURL
	} else {
		u.Path = path.Join(path.Dir(base.Path), controlURL)
	}
	return u.String()
}
