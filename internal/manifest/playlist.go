package manifest

import (
	"fmt"
	"math"
	"strings"
)

// WriteEventHeader writes the header of a local EVENT manifest. The header
// never changes for the life of a capture.
func WriteEventHeader(b *strings.Builder, targetDuration float64) {
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-ALLOW-CACHE:NO\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", TargetDuration(targetDuration)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
}

// WriteEntry appends one segment.
func WriteEntry(b *strings.Builder, duration float64, discontinuity bool, url string) {
	if discontinuity {
		b.WriteString("#EXT-X-DISCONTINUITY\n")
	}
	b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", duration))
	b.WriteString(url)
	b.WriteString("\n")
}

// WriteEndList marks the manifest as complete.
func WriteEndList(b *strings.Builder) {
	b.WriteString("#EXT-X-ENDLIST\n")
}

// TargetDuration returns the #EXT-X-TARGETDURATION value for d: its ceiling
// in whole seconds, at least 1.
func TargetDuration(d float64) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d))
}

// MasterEntry is one rendition line of a local master manifest.
type MasterEntry struct {
	Rendition Rendition
	// URL is where the local copy of the rendition is served.
	URL string
}

// BuildMaster renders a master manifest listing entries in order.
func BuildMaster(entries []MasterEntry) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, e := range entries {
		attrs := []string{fmt.Sprintf("BANDWIDTH=%d", e.Rendition.Bandwidth)}
		if e.Rendition.Codecs != "" {
			attrs = append(attrs, fmt.Sprintf("CODECS=%q", e.Rendition.Codecs))
		}
		if e.Rendition.Resolution != "" {
			attrs = append(attrs, "RESOLUTION="+e.Rendition.Resolution)
		}
		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(strings.Join(attrs, ","))
		b.WriteString("\n")
		b.WriteString(e.URL)
		b.WriteString("\n")
	}

	return b.String()
}
