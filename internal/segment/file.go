package segment

import (
	"sync"

	"dvr-bridge/internal/platform/files"
)

// file is the shared record behind every Proxy for one remote URL.
type file struct {
	remoteURL string
	out       files.Servable

	mu        sync.Mutex
	state     State
	proxies   int
	listeners map[uint64]func(State)
	nextID    uint64
}

func newFile(remoteURL string, out files.Servable) *file {
	return &file{
		remoteURL: remoteURL,
		out:       out,
		listeners: make(map[uint64]func(State)),
	}
}

// subscribe registers fn and immediately delivers the current state to it.
func (f *file) subscribe(fn func(State)) uint64 {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	current := f.state
	f.mu.Unlock()

	go fn(current)
	return id
}

func (f *file) unsubscribe(id uint64) {
	f.mu.Lock()
	delete(f.listeners, id)
	f.mu.Unlock()
}

// setState moves the file forward; backwards or repeated transitions are
// ignored. Listeners each run on their own goroutine.
func (f *file) setState(s State) {
	f.mu.Lock()
	if s <= f.state || f.state.Terminal() {
		f.mu.Unlock()
		return
	}
	f.state = s
	fns := make([]func(State), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		go fn(s)
	}
}

func (f *file) current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *file) acquire() {
	f.mu.Lock()
	f.proxies++
	f.mu.Unlock()
}

func (f *file) release() {
	f.mu.Lock()
	f.proxies--
	f.mu.Unlock()
}

// reclaimable reports whether nothing references the file and its download
// has finished one way or the other.
func (f *file) reclaimable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proxies == 0 && f.state.Terminal()
}
