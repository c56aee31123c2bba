package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"dvr-bridge/internal/capture"
	"dvr-bridge/internal/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leafURL = "http://origin.example/live/index.m3u8"

func readOutput(s *Stream) string {
	s.mu.Lock()
	path := s.output.Path
	s.mu.Unlock()
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func TestStream_publishes_and_removes_playlist(t *testing.T) {
	f := newFixture(t)
	f.parser.live(leafURL)
	s := NewStream("s1", manifest.Rendition{URL: leafURL}, f.deps)
	removed := watchRemoval(s)

	require.NoError(t, s.StartCapture(context.Background()))
	assert.True(t, s.HasCapture())

	u, err := s.PlaylistURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost:8080/web/1/"), u)
	assert.True(t, strings.HasSuffix(u, ".m3u8"), u)

	require.Eventually(t, func() bool {
		return strings.Count(readOutput(s), "#EXTINF:") == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.RemoveCapture())
	assert.True(t, removed.wait(t), "removal was requested")
	assert.True(t, s.CaptureDeleted())
	assert.False(t, s.HasCapture())
	assert.Equal(t, 0, f.webFiles(t))

	_, err = s.PlaylistURL()
	assert.ErrorIs(t, err, ErrPlaylistUnavailable)
	assert.ErrorIs(t, s.RemoveCapture(), ErrNoCapture)
}

func TestStream_StopCapture_keeps_playlist(t *testing.T) {
	f := newFixture(t)
	f.parser.live(leafURL)
	s := NewStream("s1", manifest.Rendition{URL: leafURL}, f.deps)

	require.NoError(t, s.StartCapture(context.Background()))
	require.Eventually(t, func() bool {
		return strings.Count(readOutput(s), "#EXTINF:") == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopCapture())
	require.Eventually(t, func() bool {
		return strings.HasSuffix(readOutput(s), "#EXT-X-ENDLIST\n")
	}, 2*time.Second, 10*time.Millisecond)

	// A requested stop must not tear the capture down.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, capture.Stopped, s.CaptureState())
	_, err := s.PlaylistURL()
	assert.NoError(t, err)
	assert.ErrorIs(t, s.StopCapture(), capture.ErrInvalidState)

	require.NoError(t, s.RemoveCapture())
}

func TestStream_unrequested_stop_removes_capture(t *testing.T) {
	f := newFixture(t)
	f.parser.live(leafURL)
	s := NewStream("s1", manifest.Rendition{URL: leafURL}, f.deps)
	removed := watchRemoval(s)

	require.NoError(t, s.StartCapture(context.Background()))
	f.parser.fail(leafURL, manifest.ErrFetch)

	assert.False(t, removed.wait(t), "removal was not requested")
	assert.Equal(t, capture.Deleted, s.CaptureState())
	require.Eventually(t, func() bool { return f.webFiles(t) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RemoveCapture_after_unexpected_stop_is_requested(t *testing.T) {
	f := newFixture(t)
	f.parser.live(leafURL)
	s := NewStream("s1", manifest.Rendition{URL: leafURL}, f.deps)
	removed := watchRemoval(s)

	require.NoError(t, s.StartCapture(context.Background()))

	// Hold the stream lock so the capture's Stopped notification queues up
	// behind an explicit removal.
	s.mu.Lock()
	c := s.capture
	f.parser.fail(leafURL, manifest.ErrFetch)
	require.Eventually(t, func() bool { return c.State() == capture.Stopped }, 2*time.Second, 5*time.Millisecond)
	err := s.removeLocked(true)
	s.mu.Unlock()
	require.NoError(t, err)

	assert.True(t, removed.wait(t), "removal was requested")
	assert.Equal(t, capture.Deleted, s.CaptureState())
	require.Eventually(t, func() bool { return f.webFiles(t) == 0 }, 2*time.Second, 10*time.Millisecond)

	select {
	case requested := <-removed.ch:
		t.Errorf("removal reported twice (requested=%v)", requested)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStream_inactivity_removes_capture(t *testing.T) {
	f := newFixture(t)
	f.parser.live(leafURL)
	f.deps.InactivityTimeout = 40 * time.Millisecond
	f.deps.InactivityCheckInterval = 10 * time.Millisecond
	s := NewStream("s1", manifest.Rendition{URL: leafURL}, f.deps)
	removed := watchRemoval(s)

	require.NoError(t, s.StartCapture(context.Background()))
	for range 5 {
		time.Sleep(15 * time.Millisecond)
		s.RegisterActivity()
	}
	assert.Equal(t, capture.Capturing, s.CaptureState(), "activity should keep the capture alive")

	assert.False(t, removed.wait(t))
	assert.True(t, s.CaptureDeleted())
}

func TestStream_start_failure(t *testing.T) {
	f := newFixture(t)
	f.parser.fail(leafURL, errors.New("origin down"))
	s := NewStream("s1", manifest.Rendition{URL: leafURL}, f.deps)

	err := s.StartCapture(context.Background())
	require.ErrorIs(t, err, capture.ErrStart)
	assert.False(t, s.HasCapture())
	assert.Equal(t, 0, f.webFiles(t))
	assert.ErrorIs(t, s.StopCapture(), ErrNoCapture)

	// The stream can be started again once the source recovers.
	f.parser.live(leafURL)
	require.NoError(t, s.StartCapture(context.Background()))
	assert.ErrorIs(t, s.StartCapture(context.Background()), ErrInvalidState)
	require.NoError(t, s.RemoveCapture())
}
