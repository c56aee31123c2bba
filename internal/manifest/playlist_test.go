package manifest

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteEventHeader(t *testing.T) {
	var b strings.Builder
	WriteEventHeader(&b, 5.5)
	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-ALLOW-CACHE:NO\n" +
		"#EXT-X-PLAYLIST-TYPE:EVENT\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-MEDIA-SEQUENCE:0\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteEntry(t *testing.T) {
	var b strings.Builder
	WriteEntry(&b, 6, false, "http://localhost/chunks/a.ts")
	WriteEntry(&b, 2.5, true, "http://localhost/chunks/b.ts")
	WriteEndList(&b)
	want := "#EXTINF:6.000,\n" +
		"http://localhost/chunks/a.ts\n" +
		"#EXT-X-DISCONTINUITY\n" +
		"#EXTINF:2.500,\n" +
		"http://localhost/chunks/b.ts\n" +
		"#EXT-X-ENDLIST\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetDuration_ceiling(t *testing.T) {
	for in, want := range map[float64]int{0: 1, -2: 1, 1.1: 2, 2: 2, 9.97: 10} {
		if got := TargetDuration(in); got != want {
			t.Errorf("TargetDuration(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestBuildMaster(t *testing.T) {
	out := BuildMaster([]MasterEntry{
		{Rendition: Rendition{Bandwidth: 1280000, Codecs: "avc1.4d401f,mp4a.40.2", Resolution: "640x360"}, URL: "http://localhost/web/1/low.m3u8"},
		{Rendition: Rendition{Bandwidth: 2560000}, URL: "http://localhost/web/1/high.m3u8"},
	})
	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS=\"avc1.4d401f,mp4a.40.2\",RESOLUTION=640x360\n" +
		"http://localhost/web/1/low.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2560000\n" +
		"http://localhost/web/1/high.m3u8\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("master mismatch (-want +got):\n%s", diff)
	}
}
