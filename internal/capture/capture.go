// Package capture records one rendition of a live HLS source into a local,
// growing EVENT manifest.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dvr-bridge/internal/manifest"
	"dvr-bridge/internal/platform/metrics"
	"dvr-bridge/internal/segment"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrInvalidState = errors.New("invalid capture state")
	ErrNotStarted   = errors.New("capture not started")
	ErrDeleted      = errors.New("capture deleted")
	ErrStart        = errors.New("capture could not start")
)

// State is the lifecycle of a Capture. It only ever moves forward.
type State int

const (
	NotStarted State = iota
	Capturing
	Stopped
	Deleted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Capturing:
		return "capturing"
	case Stopped:
		return "stopped"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MediaFetcher returns the current window of a remote media manifest.
type MediaFetcher interface {
	Media(ctx context.Context, manifestURL string) (*manifest.Media, error)
}

// SegmentSource hands out segment file proxies. *segment.Store implements it.
type SegmentSource interface {
	Get(remoteURL string) (*segment.Proxy, error)
}

// Options configures a Capture.
type Options struct {
	PlaylistURL  string
	Fetcher      MediaFetcher
	Segments     SegmentSource
	PollInterval time.Duration
	// StallGrace is added to a segment's duration to get the time by which
	// the next segment must appear upstream.
	StallGrace time.Duration
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// Segment is one admitted upstream segment.
type Segment struct {
	proxy         *segment.Proxy
	seq           uint64
	duration      float64
	discontinuity bool
}

// Info is a point-in-time summary of a Capture.
type Info struct {
	State      State
	StartedAt  time.Time
	Segments   int
	Flushed    int
	Duration   time.Duration
	StopReason string
}

// Capture polls one remote media manifest and republishes its segments,
// downloaded locally, as an append-only EVENT manifest.
type Capture struct {
	url        string
	fetcher    MediaFetcher
	store      SegmentSource
	interval   time.Duration
	stallGrace time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu             sync.Mutex
	state          State
	starting       bool
	startedAt      time.Time
	targetDuration float64
	segments       []Segment
	content        strings.Builder
	headerWritten  bool
	flushed        int
	duration       time.Duration
	endWritten     bool
	deadline       time.Time
	stopReason     string
	lastHash       uint64
	published      bool
	cancelPoll     context.CancelFunc
	pollDone       chan struct{}

	dispatch *dispatcher

	lmu             sync.Mutex
	nextListener    uint64
	stateListeners  map[uint64]func(State)
	updateListeners map[uint64]func(string)
}

// New returns a Capture in the NotStarted state.
func New(opts Options) *Capture {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Capture{
		url:             opts.PlaylistURL,
		fetcher:         opts.Fetcher,
		store:           opts.Segments,
		interval:        opts.PollInterval,
		stallGrace:      opts.StallGrace,
		log:             log.With("component", "capture", "playlist_url", opts.PlaylistURL),
		metrics:         opts.Metrics,
		dispatch:        newDispatcher(),
		stateListeners:  make(map[uint64]func(State)),
		updateListeners: make(map[uint64]func(string)),
	}
}

// OnStateChange registers fn to be told of every state transition. Calls
// happen on a separate goroutine, in order, so fn may call Stop or Delete.
func (c *Capture) OnStateChange(fn func(State)) (cancel func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.stateListeners[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.stateListeners, id)
		c.lmu.Unlock()
	}
}

// OnPlaylistUpdate registers fn to receive the manifest text whenever it
// changes.
func (c *Capture) OnPlaylistUpdate(fn func(content string)) (cancel func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.updateListeners[id] = fn
	return func() {
		c.lmu.Lock()
		delete(c.updateListeners, id)
		c.lmu.Unlock()
	}
}

// Start reads the manifest metadata and begins polling. On failure the
// capture stays NotStarted and Start may be called again.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != NotStarted || c.starting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	c.starting = true
	c.mu.Unlock()

	media, err := c.fetcher.Media(ctx, c.url)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if err != nil {
		c.log.Warn("could not read playlist metadata", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	now := time.Now()
	c.targetDuration = media.TargetDuration
	c.startedAt = now
	c.deadline = now.Add(seconds(media.TargetDuration) + c.stallGrace)
	c.state = Capturing

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancelPoll = cancel
	c.pollDone = make(chan struct{})
	go c.dispatch.run()

	c.metrics.IncCapturesStarted()
	c.log.Info("capture started", slog.Float64("target_duration", media.TargetDuration))
	c.notifyStateLocked(Capturing)
	c.flushLocked()

	go c.pollLoop(pollCtx, c.pollDone)
	return nil
}

// Stop ends polling and finalises the manifest. It returns once the poll
// goroutine has exited.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.state != Capturing {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, state)
	}
	c.stopLocked(metrics.StopRequested)
	done := c.pollDone
	c.mu.Unlock()

	<-done
	return nil
}

// Delete releases every segment the capture holds. It is only valid once
// stopped.
func (c *Capture) Delete() error {
	c.mu.Lock()
	if c.state != Stopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: delete from %s", ErrInvalidState, state)
	}
	c.state = Deleted
	segs := c.segments
	c.segments = nil
	done := c.pollDone
	c.notifyStateLocked(Deleted)
	c.dispatch.close()
	c.mu.Unlock()

	<-done

	released := 0
	seen := make(map[*segment.Proxy]struct{}, len(segs))
	for _, seg := range segs {
		if _, ok := seen[seg.proxy]; ok {
			continue
		}
		seen[seg.proxy] = struct{}{}
		if err := seg.proxy.Release(); err != nil {
			c.log.Warn("segment proxy release failed", slog.Uint64("seq", seg.seq), slog.String("error", err.Error()))
			continue
		}
		released++
	}
	c.log.Info("capture deleted", slog.Int("segments_released", released))
	return nil
}

// PlaylistURL returns the remote manifest being captured.
func (c *Capture) PlaylistURL() string {
	return c.url
}

// State returns the current state.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartTime returns when the capture entered Capturing.
func (c *Capture) StartTime() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NotStarted {
		return time.Time{}, ErrNotStarted
	}
	return c.startedAt, nil
}

// PlaylistContent returns the manifest text generated so far.
func (c *Capture) PlaylistContent() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case NotStarted:
		return "", ErrNotStarted
	case Deleted:
		return "", ErrDeleted
	}
	return c.content.String(), nil
}

// CapturedDuration is the total duration of the segments published in the
// manifest so far.
func (c *Capture) CapturedDuration() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NotStarted {
		return 0, ErrNotStarted
	}
	return c.duration, nil
}

// Info returns a snapshot for logging and diagnostics.
func (c *Capture) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		State:      c.state,
		StartedAt:  c.startedAt,
		Segments:   len(c.segments),
		Flushed:    c.flushed,
		Duration:   c.duration,
		StopReason: c.stopReason,
	}
}

func (c *Capture) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Capture) poll(ctx context.Context) {
	c.mu.Lock()
	if c.state != Capturing {
		c.mu.Unlock()
		return
	}
	if time.Now().After(c.deadline) {
		c.log.Warn("no new segment before deadline, stopping capture", slog.Time("deadline", c.deadline))
		c.stopLocked(metrics.StopStalled)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	media, err := c.fetcher.Media(ctx, c.url)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Capturing || ctx.Err() != nil {
		return
	}
	if err != nil {
		c.log.Warn("playlist fetch failed, stopping capture", slog.String("error", err.Error()))
		c.stopLocked(metrics.StopFetchFailed)
		return
	}
	c.admitLocked(media)
}

// admitLocked appends every entry at or after the next expected sequence
// number. With nothing admitted yet the whole window is taken. An ended
// upstream playlist stops the capture once its last entry is admitted.
func (c *Capture) admitLocked(media *manifest.Media) {
	var next uint64
	if n := len(c.segments); n > 0 {
		next = c.segments[n-1].seq + 1
		if media.MediaSequence > next {
			c.log.Warn("expected segment no longer upstream, stopping capture",
				slog.Uint64("expected_seq", next),
				slog.Uint64("oldest_seq", media.MediaSequence))
			c.stopLocked(metrics.StopGap)
			return
		}
	}

	for i, e := range media.Entries {
		seq := media.MediaSequence + uint64(i)
		if len(c.segments) > 0 && seq < next {
			continue
		}
		remoteURL, err := manifest.Resolve(c.url, e.URI)
		if err != nil {
			c.log.Warn("bad segment uri, stopping capture", slog.String("uri", e.URI), slog.String("error", err.Error()))
			c.stopLocked(metrics.StopFetchFailed)
			return
		}
		proxy, err := c.store.Get(remoteURL)
		if err != nil {
			c.log.Warn("could not obtain segment, stopping capture", slog.String("remote_url", remoteURL), slog.String("error", err.Error()))
			c.stopLocked(metrics.StopDownloadFailed)
			return
		}
		c.segments = append(c.segments, Segment{
			proxy:         proxy,
			seq:           seq,
			duration:      e.Duration,
			discontinuity: e.Discontinuity,
		})
		c.deadline = time.Now().Add(seconds(e.Duration) + c.stallGrace)
		if _, err := proxy.Subscribe(c.onSegmentState); err != nil {
			c.log.Warn("segment subscribe failed", slog.Uint64("seq", seq), slog.String("error", err.Error()))
		}
		c.log.Debug("segment admitted", slog.Uint64("seq", seq), slog.String("remote_url", remoteURL))
	}
	if media.Ended {
		c.log.Info("upstream playlist has ended, stopping capture", slog.Int("segments", len(c.segments)))
		c.stopLocked(metrics.StopEnded)
	}
}

func (c *Capture) onSegmentState(s segment.State) {
	switch s {
	case segment.DownloadFailed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == Capturing {
			c.log.Warn("segment download failed, stopping capture")
			c.stopLocked(metrics.StopDownloadFailed)
		}
	case segment.Downloaded:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushLocked()
	}
}

func (c *Capture) stopLocked(reason string) {
	c.state = Stopped
	c.stopReason = reason
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
	c.metrics.IncCapturesStopped(reason)
	c.log.Info("capture stopped",
		slog.String("reason", reason),
		slog.Int("segments", len(c.segments)),
		slog.Int("flushed", c.flushed))
	c.notifyStateLocked(Stopped)
	c.flushLocked()
}

// flushLocked extends the manifest with every segment after the last
// flushed one, stopping at the first that is not downloaded.
func (c *Capture) flushLocked() {
	if c.state != Capturing && c.state != Stopped {
		return
	}
	if !c.headerWritten {
		manifest.WriteEventHeader(&c.content, c.targetDuration)
		c.headerWritten = true
	}
	for c.flushed < len(c.segments) {
		seg := c.segments[c.flushed]
		u, err := seg.proxy.URL()
		if err != nil {
			break
		}
		manifest.WriteEntry(&c.content, seg.duration, seg.discontinuity, u)
		c.flushed++
		c.duration += seconds(seg.duration)
	}
	if c.state == Stopped && !c.endWritten && c.flushed == len(c.segments) {
		manifest.WriteEndList(&c.content)
		c.endWritten = true
	}

	content := c.content.String()
	sum := xxhash.Sum64String(content)
	if c.published && sum == c.lastHash {
		return
	}
	c.published = true
	c.lastHash = sum
	c.dispatch.post(func() {
		c.lmu.Lock()
		fns := make([]func(string), 0, len(c.updateListeners))
		for _, fn := range c.updateListeners {
			fns = append(fns, fn)
		}
		c.lmu.Unlock()
		for _, fn := range fns {
			c.safely(func() { fn(content) })
		}
	})
}

func (c *Capture) notifyStateLocked(s State) {
	c.dispatch.post(func() {
		c.lmu.Lock()
		fns := make([]func(State), 0, len(c.stateListeners))
		for _, fn := range c.stateListeners {
			fns = append(fns, fn)
		}
		c.lmu.Unlock()
		for _, fn := range fns {
			c.safely(func() { fn(s) })
		}
	})
}

func (c *Capture) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("capture listener panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
