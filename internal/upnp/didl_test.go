package upnp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolInfoForURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"hls playlist", "http://host/live/chan.m3u8", protocolInfoHLS},
		{"hls uppercase", "http://host/live/CHAN.M3U8", protocolInfoHLS},
		{"mpeg-ts", "http://host/live/123.ts", protocolInfoMPEGTS},
		{"mp4", "http://host/movie/film.mp4", protocolInfoMP4},
		{"bare iptv url", "http://host/live/123", protocolInfoDefault},
		{"unknown extension", "http://host/live/chan.avi", protocolInfoDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProtocolInfoForURL(tt.url))
		})
	}
}

func TestBuildMetadata(t *testing.T) {
	didl := BuildMetadata("http://host/stream.ts?a=1&b=2", "News & Weather")

	assert.True(t, strings.HasPrefix(didl, "<DIDL-Lite "))
	assert.Contains(t, didl, "<dc:title>News &amp; Weather</dc:title>")
	assert.Contains(t, didl, "object.item.videoItem.videoBroadcast")
	assert.Contains(t, didl, "http://host/stream.ts?a=1&amp;b=2")
	assert.Contains(t, didl, `protocolInfo="`+protocolInfoMPEGTS+`"`)
	assert.NotContains(t, didl, "a=1&b", "raw ampersands must be escaped")
	assert.Contains(t, didl, `<item id="0" parentID="-1" restricted="1">`)
}
