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
	"golang.org/x/sync/errgroup"
)

// VariantStream captures every rendition of a master manifest under one id
// and publishes a master manifest over the generated rendition playlists.
type VariantStream struct {
	id   StreamID
	set  manifest.VariantSet
	deps Deps
	log  *slog.Logger

	mu           sync.Mutex
	children     []*Stream
	detach       []func()
	master       files.Servable
	started      bool
	removed      bool
	lastActivity time.Time
	watchStop    chan struct{}

	listeners removalListeners
}

// NewVariantStream returns a VariantStream for set with nothing started.
func NewVariantStream(id StreamID, set manifest.VariantSet, deps Deps) *VariantStream {
	return &VariantStream{
		id:   id,
		set:  set,
		deps: deps,
		log:  deps.logger().With("component", "variant_stream", "stream_id", string(id), "playlist_url", set.URL),
	}
}

// ID returns the external id.
func (v *VariantStream) ID() StreamID {
	return v.id
}

// StartCapture starts every rendition in parallel. If any rendition fails to
// start, those that did are removed again and no master manifest is written.
func (v *VariantStream) StartCapture(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return fmt.Errorf("%w: variant capture already started", ErrInvalidState)
	}

	// The variant watches inactivity itself so renditions never time out
	// one at a time.
	childDeps := v.deps
	childDeps.InactivityTimeout = 0

	children := make([]*Stream, len(v.set.Renditions))
	for i, r := range v.set.Renditions {
		children[i] = NewStream(v.id, r, childDeps)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		g.Go(func() error {
			if err := child.StartCapture(gctx); err != nil {
				return fmt.Errorf("rendition %s: %w", child.Rendition().URL, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		v.rollback(children)
		return err
	}

	detach := make([]func(), 0, len(children))
	for _, child := range children {
		detach = append(detach, child.OnRemoved(func(requested bool) {
			if !requested {
				v.onChildLost(child)
			}
		}))
	}
	for _, child := range children {
		if child.CaptureState() != capture.Capturing {
			for _, d := range detach {
				d()
			}
			v.rollback(children)
			return fmt.Errorf("%w: rendition %s stopped while starting", ErrInvalidState, child.Rendition().URL)
		}
	}

	master, err := v.writeMaster(children)
	if err != nil {
		for _, d := range detach {
			d()
		}
		v.rollback(children)
		return err
	}

	v.children = children
	v.detach = detach
	v.master = master
	v.started = true
	v.lastActivity = time.Now()
	if v.deps.InactivityTimeout > 0 {
		v.watchStop = make(chan struct{})
		go v.watchInactivity(v.watchStop)
	}
	v.log.Info("variant capture started", slog.Int("renditions", len(children)), slog.String("output_url", master.URL))
	return nil
}

func (v *VariantStream) rollback(children []*Stream) {
	for _, child := range children {
		if !child.HasCapture() {
			continue
		}
		if err := child.RemoveCapture(); err != nil && !errors.Is(err, ErrNoCapture) {
			v.log.Warn("rollback of rendition failed", slog.String("rendition", child.Rendition().URL), slog.String("error", err.Error()))
		}
	}
}

func (v *VariantStream) writeMaster(children []*Stream) (files.Servable, error) {
	entries := make([]manifest.MasterEntry, 0, len(children))
	for _, child := range children {
		u, err := child.PlaylistURL()
		if err != nil {
			return files.Servable{}, fmt.Errorf("rendition %s: %w", child.Rendition().URL, err)
		}
		entries = append(entries, manifest.MasterEntry{Rendition: child.Rendition(), URL: u})
	}

	out, err := v.deps.Outputs.Generate("m3u8")
	if err != nil {
		return files.Servable{}, fmt.Errorf("allocate master playlist file: %w", err)
	}
	if err := renameio.WriteFile(out.Path, []byte(manifest.BuildMaster(entries)), 0o644); err != nil {
		if rmErr := v.deps.Outputs.Remove(out); rmErr != nil {
			v.log.Warn("could not remove master playlist file", slog.String("error", rmErr.Error()))
		}
		return files.Servable{}, fmt.Errorf("write master playlist: %w", err)
	}
	return out, nil
}

// StopCapture stops every rendition.
func (v *VariantStream) StopCapture() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.started || v.removed {
		return ErrNoCapture
	}
	var errs []error
	for _, child := range v.children {
		if err := child.StopCapture(); err != nil {
			errs = append(errs, fmt.Errorf("rendition %s: %w", child.Rendition().URL, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveCapture removes every rendition and the master manifest.
func (v *VariantStream) RemoveCapture() error {
	return v.remove(true)
}

func (v *VariantStream) onChildLost(child *Stream) {
	v.log.Warn("rendition removed unexpectedly, removing variant stream", slog.String("rendition", child.Rendition().URL))
	if err := v.remove(false); err != nil && !errors.Is(err, ErrNoCapture) {
		v.log.Warn("could not remove variant stream", slog.String("error", err.Error()))
	}
}

func (v *VariantStream) remove(requested bool) error {
	v.mu.Lock()
	if !v.started || v.removed {
		v.mu.Unlock()
		return ErrNoCapture
	}
	v.removed = true
	for _, d := range v.detach {
		d()
	}
	v.detach = nil
	if v.watchStop != nil {
		close(v.watchStop)
		v.watchStop = nil
	}
	children := v.children
	master := v.master
	v.mu.Unlock()

	var errs []error
	for _, child := range children {
		if err := child.RemoveCapture(); err != nil && !errors.Is(err, ErrNoCapture) {
			errs = append(errs, fmt.Errorf("rendition %s: %w", child.Rendition().URL, err))
		}
	}
	if err := v.deps.Outputs.Remove(master); err != nil {
		errs = append(errs, fmt.Errorf("remove master playlist: %w", err))
	}
	v.log.Info("variant capture removed", slog.Bool("requested", requested))
	v.listeners.notify(requested)
	return errors.Join(errs...)
}

// HasCapture reports whether the renditions are started and not removed.
func (v *VariantStream) HasCapture() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.started && !v.removed
}

// CaptureState aggregates the rendition states: Capturing only if every
// rendition is capturing, Deleted once removed, Stopped otherwise.
func (v *VariantStream) CaptureState() capture.State {
	v.mu.Lock()
	started, removed, children := v.started, v.removed, v.children
	v.mu.Unlock()
	switch {
	case !started:
		return capture.NotStarted
	case removed:
		return capture.Deleted
	}
	for _, child := range children {
		if child.CaptureState() != capture.Capturing {
			return capture.Stopped
		}
	}
	return capture.Capturing
}

// PlaylistURL returns the master manifest URL.
func (v *VariantStream) PlaylistURL() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.started || v.removed {
		return "", ErrPlaylistUnavailable
	}
	return v.master.URL, nil
}

// RegisterActivity resets the inactivity timer.
func (v *VariantStream) RegisterActivity() {
	v.mu.Lock()
	v.lastActivity = time.Now()
	v.mu.Unlock()
}

// OnRemoved implements Capturer.OnRemoved.
func (v *VariantStream) OnRemoved(fn func(requested bool)) func() {
	return v.listeners.add(fn)
}

func (v *VariantStream) watchInactivity(stop <-chan struct{}) {
	interval := v.deps.InactivityCheckInterval
	if interval <= 0 {
		interval = v.deps.InactivityTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		v.mu.Lock()
		idle := time.Since(v.lastActivity)
		v.mu.Unlock()
		if idle > v.deps.InactivityTimeout {
			v.log.Info("variant stream inactive, removing capture", slog.Duration("idle", idle))
			if err := v.remove(false); err != nil && !errors.Is(err, ErrNoCapture) {
				v.log.Warn("could not remove inactive variant stream", slog.String("error", err.Error()))
			}
			return
		}
	}
}
