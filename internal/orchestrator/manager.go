package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dvr-bridge/internal/capture"
	"dvr-bridge/internal/manifest"
)

// Manager creates streams for source manifests and keeps them registered by
// id until their capture is removed.
type Manager struct {
	deps     Deps
	store    Store
	log      *slog.Logger
	creating idLocks
}

// NewManager returns a Manager backed by an in-memory store.
func NewManager(deps Deps) *Manager {
	return NewManagerWithStore(deps, NewInMemoryStore())
}

// NewManagerWithStore returns a Manager that registers streams in store.
func NewManagerWithStore(deps Deps, store Store) *Manager {
	return &Manager{
		deps:  deps,
		store: store,
		log:   deps.logger().With("component", "stream_manager"),
	}
}

// Create starts capturing sourceURL under id. Any stream already registered
// under id is removed first; if that fails nothing new is started. A master
// manifest source becomes a VariantStream, a media manifest a Stream.
func (m *Manager) Create(ctx context.Context, id StreamID, sourceURL string) (Capturer, error) {
	unlock := m.creating.lock(id)
	defer unlock()

	if existing, ok := m.store.Get(id); ok {
		if err := existing.RemoveCapture(); err != nil && !errors.Is(err, ErrNoCapture) {
			return nil, fmt.Errorf("remove existing stream: %w", err)
		}
		m.store.CompareAndDelete(id, existing)
	}

	desc, err := m.deps.Parser.Describe(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("describe source: %w", err)
	}

	var s Capturer
	switch d := desc.(type) {
	case manifest.Leaf:
		s = NewStream(id, d.Rendition, m.deps)
	case manifest.VariantSet:
		s = NewVariantStream(id, d, m.deps)
	default:
		return nil, fmt.Errorf("%w: %T", manifest.ErrUnexpectedType, desc)
	}

	s.OnRemoved(func(bool) {
		if m.store.CompareAndDelete(id, s) {
			m.deps.Metrics.SetActiveStreams(m.store.Len())
		}
	})
	if err := s.StartCapture(ctx); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}

	m.store.Put(s)
	if s.CaptureState() == capture.Deleted {
		// Removed before it was registered.
		m.store.CompareAndDelete(id, s)
		return nil, fmt.Errorf("%w: capture ended while starting", ErrInvalidState)
	}
	m.deps.Metrics.SetActiveStreams(m.store.Len())
	m.log.Info("stream created", slog.String("stream_id", string(id)), slog.String("playlist_url", sourceURL))
	return s, nil
}

// Get returns the stream registered under id.
func (m *Manager) Get(id StreamID) (Capturer, error) {
	s, ok := m.store.Get(id)
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

// Len returns the number of registered streams.
func (m *Manager) Len() int {
	return m.store.Len()
}

// Close removes every registered capture.
func (m *Manager) Close() error {
	var errs []error
	for _, id := range m.store.IDs() {
		s, ok := m.store.Get(id)
		if !ok {
			continue
		}
		if err := s.RemoveCapture(); err != nil && !errors.Is(err, ErrNoCapture) {
			errs = append(errs, fmt.Errorf("stream %s: %w", id, err))
		}
		m.store.CompareAndDelete(id, s)
	}
	m.deps.Metrics.SetActiveStreams(m.store.Len())
	return errors.Join(errs...)
}

// idLocks serialises work per stream id. Entries live only while held or
// waited on.
type idLocks struct {
	mu    sync.Mutex
	locks map[StreamID]*idLock
}

type idLock struct {
	sync.Mutex
	refs int
}

func (l *idLocks) lock(id StreamID) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[StreamID]*idLock)
	}
	k, ok := l.locks[id]
	if !ok {
		k = &idLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.Lock()
	return func() {
		k.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
