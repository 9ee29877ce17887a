package upnp

import (
	"fmt"
	"html"
	"strings"
)

// protocolInfo values keyed by stream container. The DLNA operation and
// flags attributes on the MPEG-TS and MP4 entries are required by several
// renderer firmwares (notably Samsung) before they will accept the URI.
const (
	protocolInfoHLS     = "http-get:*:application/x-mpegURL:*"
	protocolInfoMPEGTS  = "http-get:*:video/MP2T:DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	protocolInfoMP4     = "http-get:*:video/mp4:DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"
	protocolInfoDefault = "http-get:*:video/MP2T:*"
)

// ProtocolInfoForURL picks the DIDL-Lite protocolInfo string for a stream
// URL based on its container extension. Unknown extensions are treated as
// raw MPEG-TS, the common case for live IPTV sources.
func ProtocolInfoForURL(streamURL string) string {
	lower := strings.ToLower(streamURL)
	switch {
	case strings.Contains(lower, ".m3u8"):
		return protocolInfoHLS
	case strings.Contains(lower, ".ts"):
		return protocolInfoMPEGTS
	case strings.Contains(lower, ".mp4"):
		return protocolInfoMP4
	default:
		return protocolInfoDefault
	}
}

// BuildMetadata renders the DIDL-Lite metadata document for a stream. The
// result is well-formed XML with the URL and title escaped; callers embed
// it in a SOAP body with a second round of escaping, since DIDL-Lite
// travels as character data inside the envelope.
func BuildMetadata(streamURL, title string) string {
	return fmt.Sprintf(
		`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
			`<item id="0" parentID="-1" restricted="1">`+
			`<dc:title>%s</dc:title>`+
			`<upnp:class>object.item.videoItem.videoBroadcast</upnp:class>`+
			`<res protocolInfo="%s">%s</res>`+
			`</item>`+
			`</DIDL-Lite>`,
		html.EscapeString(title),
		ProtocolInfoForURL(streamURL),
		html.EscapeString(streamURL),
	)
}
