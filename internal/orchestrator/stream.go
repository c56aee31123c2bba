package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dvr-bridge/internal/capture"
	"dvr-bridge/internal/manifest"
	"dvr-bridge/internal/platform/files"

	"github.com/google/renameio/v2"
)

// Stream publishes one rendition's capture under an external id.
type Stream struct {
	id        StreamID
	rendition manifest.Rendition
	deps      Deps
	log       *slog.Logger

	mu              sync.Mutex
	capture         *capture.Capture
	output          files.Servable
	outputRemoved   bool
	stopRequested   bool
	removeRequested bool
	lastActivity    time.Time
	watchStop       chan struct{}

	removed removalListeners
}

// NewStream returns a Stream for rendition with no capture yet.
func NewStream(id StreamID, rendition manifest.Rendition, deps Deps) *Stream {
	return &Stream{
		id:        id,
		rendition: rendition,
		deps:      deps,
		log:       deps.logger().With("component", "stream", "stream_id", string(id), "playlist_url", rendition.URL),
	}
}

// ID returns the external id.
func (s *Stream) ID() StreamID {
	return s.id
}

// Rendition returns the remote rendition being captured.
func (s *Stream) Rendition() manifest.Rendition {
	return s.rendition
}

// StartCapture creates and starts a capture. A Stream whose previous capture
// has been deleted may start a new one.
func (s *Stream) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil && s.capture.State() != capture.Deleted {
		return fmt.Errorf("%w: capture already exists", ErrInvalidState)
	}

	out, err := s.deps.Outputs.Generate("m3u8")
	if err != nil {
		return fmt.Errorf("allocate playlist file: %w", err)
	}

	c := capture.New(capture.Options{
		PlaylistURL:  s.rendition.URL,
		Fetcher:      s.deps.Parser,
		Segments:     s.deps.Segments,
		PollInterval: s.deps.PollInterval,
		StallGrace:   s.deps.StallGrace,
		Log:          s.log,
		Metrics:      s.deps.Metrics,
	})
	c.OnPlaylistUpdate(func(content string) { s.persist(c, content) })
	c.OnStateChange(func(st capture.State) { s.onCaptureState(c, st) })

	if err := c.Start(ctx); err != nil {
		if rmErr := s.deps.Outputs.Remove(out); rmErr != nil {
			s.log.Warn("could not remove unused playlist file", slog.String("error", rmErr.Error()))
		}
		return err
	}

	s.capture = c
	s.output = out
	s.outputRemoved = false
	s.stopRequested = false
	s.removeRequested = false
	s.lastActivity = time.Now()
	if s.deps.InactivityTimeout > 0 {
		s.watchStop = make(chan struct{})
		go s.watchInactivity(c, s.watchStop)
	}
	s.log.Info("stream capture started", slog.String("output_url", out.URL))
	return nil
}

// StopCapture stops the capture; the recorded playlist remains available.
func (s *Stream) StopCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return ErrNoCapture
	}
	s.stopRequested = true
	if err := s.capture.Stop(); err != nil {
		s.stopRequested = false
		return err
	}
	return nil
}

// RemoveCapture stops the capture if it is running and then deletes it.
func (s *Stream) RemoveCapture() error {
	return s.remove(true)
}

func (s *Stream) remove(requested bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(requested)
}

func (s *Stream) removeLocked(requested bool) error {
	c := s.capture
	if c == nil || c.State() == capture.Deleted {
		return ErrNoCapture
	}
	s.removeRequested = requested
	if c.State() == capture.Capturing {
		s.stopRequested = true
		if err := c.Stop(); err != nil && !errors.Is(err, capture.ErrInvalidState) {
			return err
		}
	}
	return c.Delete()
}

// HasCapture reports whether the stream holds a capture that has not been
// deleted.
func (s *Stream) HasCapture() bool {
	st := s.CaptureState()
	return st == capture.Capturing || st == capture.Stopped
}

// CaptureDeleted reports whether the current capture has been deleted.
func (s *Stream) CaptureDeleted() bool {
	return s.CaptureState() == capture.Deleted
}

// CaptureState returns the state of the current capture, or NotStarted.
func (s *Stream) CaptureState() capture.State {
	s.mu.Lock()
	c := s.capture
	s.mu.Unlock()
	if c == nil {
		return capture.NotStarted
	}
	return c.State()
}

// PlaylistURL returns where the generated playlist is served. It is only
// available while capturing or stopped.
func (s *Stream) PlaylistURL() (string, error) {
	s.mu.Lock()
	c, out := s.capture, s.output
	s.mu.Unlock()
	if c == nil {
		return "", ErrPlaylistUnavailable
	}
	switch c.State() {
	case capture.Capturing, capture.Stopped:
		return out.URL, nil
	default:
		return "", ErrPlaylistUnavailable
	}
}

// RegisterActivity resets the inactivity timer.
func (s *Stream) RegisterActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// OnRemoved implements Capturer.OnRemoved.
func (s *Stream) OnRemoved(fn func(requested bool)) func() {
	return s.removed.add(fn)
}

func (s *Stream) persist(c *capture.Capture, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != c || s.outputRemoved {
		return
	}
	if err := renameio.WriteFile(s.output.Path, []byte(content), 0o644); err != nil {
		s.log.Error("could not write playlist file", slog.String("path", s.output.Path), slog.String("error", err.Error()))
	}
}

func (s *Stream) onCaptureState(c *capture.Capture, st capture.State) {
	switch st {
	case capture.Stopped:
		s.mu.Lock()
		unrequested := s.capture == c && !s.stopRequested
		s.mu.Unlock()
		if !unrequested {
			return
		}
		s.deleteCapture(c)

	case capture.Deleted:
		s.mu.Lock()
		if s.capture != c || s.outputRemoved {
			s.mu.Unlock()
			return
		}
		s.outputRemoved = true
		out := s.output
		requested := s.removeRequested
		if s.watchStop != nil {
			close(s.watchStop)
			s.watchStop = nil
		}
		s.mu.Unlock()

		if err := s.deps.Outputs.Remove(out); err != nil {
			s.log.Warn("could not remove playlist file", slog.String("path", out.Path), slog.String("error", err.Error()))
		}
		s.log.Info("stream capture removed", slog.Bool("requested", requested))
		s.removed.notify(requested)
	}
}

func (s *Stream) deleteCapture(c *capture.Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A RemoveCapture that got the lock first has already deleted it.
	if s.capture != c || c.State() != capture.Stopped {
		return
	}
	s.log.Warn("capture stopped unexpectedly, removing it", slog.String("reason", c.Info().StopReason))
	s.removeRequested = false
	if err := c.Delete(); err != nil {
		s.log.Warn("could not delete stopped capture", slog.String("error", err.Error()))
	}
}

func (s *Stream) watchInactivity(c *capture.Capture, stop <-chan struct{}) {
	interval := s.deps.InactivityCheckInterval
	if interval <= 0 {
		interval = s.deps.InactivityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := time.Since(s.lastActivity)
		current := s.capture == c
		s.mu.Unlock()
		if !current {
			return
		}
		if idle > s.deps.InactivityTimeout {
			s.log.Info("stream inactive, removing capture", slog.Duration("idle", idle))
			if err := s.remove(false); err != nil && !errors.Is(err, ErrNoCapture) {
				s.log.Warn("could not remove inactive capture", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// removalListeners is a set of OnRemoved callbacks.
type removalListeners struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(bool)
}

func (l *removalListeners) add(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(bool))
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *removalListeners) notify(requested bool) {
	l.mu.Lock()
	fns := make([]func(bool), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(requested)
	}
}
