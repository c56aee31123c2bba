package segment

import "sync"

// Proxy is one consumer's handle on a shared segment file. It must be
// released exactly once; every method fails afterwards.
type Proxy struct {
	f *file

	mu       sync.Mutex
	released bool
	subs     map[uint64]struct{}
}

func newProxy(f *file) *Proxy {
	f.acquire()
	return &Proxy{f: f, subs: make(map[uint64]struct{})}
}

func (p *Proxy) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	return nil
}

// RemoteURL returns the upstream URL of the segment.
func (p *Proxy) RemoteURL() (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.f.remoteURL, nil
}

// State returns the current download state.
func (p *Proxy) State() (State, error) {
	if err := p.check(); err != nil {
		return DownloadPending, err
	}
	return p.f.current(), nil
}

// Path returns the local file path. It is only available once downloaded.
func (p *Proxy) Path() (string, error) {
	if err := p.available(); err != nil {
		return "", err
	}
	return p.f.out.Path, nil
}

// URL returns the public URL of the local copy. It is only available once
// downloaded.
func (p *Proxy) URL() (string, error) {
	if err := p.available(); err != nil {
		return "", err
	}
	return p.f.out.URL, nil
}

func (p *Proxy) available() error {
	if err := p.check(); err != nil {
		return err
	}
	if p.f.current() != Downloaded {
		return ErrNotDownloaded
	}
	return nil
}

// Subscribe registers fn for state changes. fn is called once straight away
// with the present state and then on every transition, each time on a new
// goroutine, so the same state may be seen twice. The returned func removes
// the subscription; Release removes any that are left.
func (p *Proxy) Subscribe(fn func(State)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrReleased
	}
	id := p.f.subscribe(fn)
	p.subs[id] = struct{}{}
	return func() { p.unsubscribe(id) }, nil
}

func (p *Proxy) unsubscribe(id uint64) {
	p.mu.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		p.f.unsubscribe(id)
	}
}

// Release drops the reference this proxy holds. A second call returns
// ErrReleased.
func (p *Proxy) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrReleased
	}
	p.released = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for id := range subs {
		p.f.unsubscribe(id)
	}
	p.f.release()
	return nil
}

// Released reports whether Release has been called.
func (p *Proxy) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
