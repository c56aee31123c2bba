package orchestrator

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"dvr-bridge/internal/capture"
	"dvr-bridge/internal/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	masterURL = "http://origin.example/live/master.m3u8"
	lowURL    = "http://origin.example/live/low/index.m3u8"
	highURL   = "http://origin.example/live/high/index.m3u8"
)

func variantSet() manifest.VariantSet {
	return manifest.VariantSet{
		URL: masterURL,
		Renditions: []manifest.Rendition{
			{URL: lowURL, Bandwidth: 800000, Codecs: "avc1.4d401e,mp4a.40.2", Resolution: "640x360"},
			{URL: highURL, Bandwidth: 2400000, Codecs: "avc1.4d401f,mp4a.40.2", Resolution: "1280x720"},
		},
	}
}

func TestVariantStream_start_and_remove(t *testing.T) {
	f := newFixture(t)
	f.parser.live(lowURL)
	f.parser.live(highURL)
	v := NewVariantStream("v1", variantSet(), f.deps)
	removed := watchRemoval(v)

	require.NoError(t, v.StartCapture(context.Background()))
	assert.True(t, v.HasCapture())
	assert.Equal(t, capture.Capturing, v.CaptureState())

	u, err := v.PlaylistURL()
	require.NoError(t, err)
	b, err := os.ReadFile(v.master.Path)
	require.NoError(t, err)
	master := string(b)
	assert.Equal(t, 2, strings.Count(master, "#EXT-X-STREAM-INF:"))
	assert.Contains(t, master, `BANDWIDTH=800000,CODECS="avc1.4d401e,mp4a.40.2",RESOLUTION=640x360`)
	for _, child := range v.children {
		cu, err := child.PlaylistURL()
		require.NoError(t, err)
		assert.Contains(t, master, cu+"\n")
		assert.NotEqual(t, u, cu)
	}
	assert.Equal(t, 3, f.webFiles(t), "master plus one playlist per rendition")

	require.NoError(t, v.RemoveCapture())
	assert.True(t, removed.wait(t))
	assert.Equal(t, capture.Deleted, v.CaptureState())
	require.Eventually(t, func() bool { return f.webFiles(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, v.RemoveCapture(), ErrNoCapture)
}

func TestVariantStream_failed_rendition_rolls_back(t *testing.T) {
	f := newFixture(t)
	f.parser.live(lowURL)
	f.parser.fail(highURL, manifest.ErrFetch)
	v := NewVariantStream("v1", variantSet(), f.deps)

	err := v.StartCapture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrStart)
	assert.False(t, v.HasCapture())

	_, err = v.PlaylistURL()
	assert.ErrorIs(t, err, ErrPlaylistUnavailable)
	require.Eventually(t, func() bool { return f.webFiles(t) == 0 }, 2*time.Second, 10*time.Millisecond,
		"no rendition playlist or master manifest may be left behind")
}

func TestVariantStream_lost_rendition_removes_all(t *testing.T) {
	f := newFixture(t)
	f.parser.live(lowURL)
	f.parser.live(highURL)
	v := NewVariantStream("v1", variantSet(), f.deps)
	removed := watchRemoval(v)

	require.NoError(t, v.StartCapture(context.Background()))
	f.parser.fail(highURL, manifest.ErrFetch)

	assert.False(t, removed.wait(t), "removal was not requested")
	assert.Equal(t, capture.Deleted, v.CaptureState())
	for _, child := range v.children {
		require.Eventually(t, child.CaptureDeleted, 2*time.Second, 10*time.Millisecond)
	}
	require.Eventually(t, func() bool { return f.webFiles(t) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestVariantStream_StopCapture_stops_all(t *testing.T) {
	f := newFixture(t)
	f.parser.live(lowURL)
	f.parser.live(highURL)
	v := NewVariantStream("v1", variantSet(), f.deps)

	require.NoError(t, v.StartCapture(context.Background()))
	require.NoError(t, v.StopCapture())
	for _, child := range v.children {
		assert.Equal(t, capture.Stopped, child.CaptureState())
	}
	assert.Equal(t, capture.Stopped, v.CaptureState())
	_, err := v.PlaylistURL()
	assert.NoError(t, err)

	require.NoError(t, v.RemoveCapture())
}
