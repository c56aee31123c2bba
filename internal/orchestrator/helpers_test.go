package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"dvr-bridge/internal/download"
	"dvr-bridge/internal/manifest"
	"dvr-bridge/internal/platform/files"
	"dvr-bridge/internal/platform/logger"
	"dvr-bridge/internal/segment"
)

// fakeParser serves canned manifests by URL.
type fakeParser struct {
	mu       sync.Mutex
	media    map[string]manifest.Media
	mediaErr map[string]error
	variants map[string]manifest.VariantSet
}

func newFakeParser() *fakeParser {
	return &fakeParser{
		media:    make(map[string]manifest.Media),
		mediaErr: make(map[string]error),
		variants: make(map[string]manifest.VariantSet),
	}
}

func (p *fakeParser) Media(ctx context.Context, u string) (*manifest.Media, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mediaErr[u]; err != nil {
		return nil, err
	}
	m, ok := p.media[u]
	if !ok {
		return nil, fmt.Errorf("%w: %s", manifest.ErrFetch, u)
	}
	m.Entries = append([]manifest.Entry(nil), m.Entries...)
	return &m, nil
}

func (p *fakeParser) Describe(ctx context.Context, u string) (manifest.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.variants[u]; ok {
		return v, nil
	}
	if _, ok := p.media[u]; ok {
		return manifest.Leaf{Rendition: manifest.Rendition{URL: u}}, nil
	}
	return nil, fmt.Errorf("%w: %s", manifest.ErrFetch, u)
}

// live publishes a two segment window for u.
func (p *fakeParser) live(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media[u] = manifest.Media{
		TargetDuration: 6,
		MediaSequence:  1,
		Entries: []manifest.Entry{
			{URI: "seg1.ts", Duration: 6},
			{URI: "seg2.ts", Duration: 6},
		},
	}
	delete(p.mediaErr, u)
}

func (p *fakeParser) fail(u string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mediaErr[u] = err
}

func (p *fakeParser) variant(u string, renditions ...manifest.Rendition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.variants[u] = manifest.VariantSet{URL: u, Renditions: renditions}
}

// instantDownloader completes every job successfully before returning.
type instantDownloader struct{}

func (instantDownloader) Submit(job download.Job) error {
	job.OnStart()
	err := os.WriteFile(job.Path, []byte("ts"), 0o644)
	job.OnComplete(err == nil)
	return nil
}

type fixture struct {
	parser *fakeParser
	web    *files.Generator
	deps   Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chunks, err := files.New(t.TempDir(), "http://localhost:8080/chunks")
	if err != nil {
		t.Fatal(err)
	}
	web, err := files.New(t.TempDir(), "http://localhost:8080/web/1")
	if err != nil {
		t.Fatal(err)
	}
	store := segment.NewStore(instantDownloader{}, chunks, 0, logger.Discard(), nil)
	t.Cleanup(store.Close)

	p := newFakeParser()
	return &fixture{
		parser: p,
		web:    web,
		deps: Deps{
			Parser:       p,
			Segments:     store,
			Outputs:      web,
			PollInterval: 10 * time.Millisecond,
			StallGrace:   time.Minute,
			Log:          logger.Discard(),
		},
	}
}

func (f *fixture) webFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.web.Dir())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

// removals records OnRemoved callbacks.
type removals struct {
	ch chan bool
}

func watchRemoval(c Capturer) *removals {
	r := &removals{ch: make(chan bool, 4)}
	c.OnRemoved(func(requested bool) { r.ch <- requested })
	return r
}

func (r *removals) wait(t *testing.T) bool {
	t.Helper()
	select {
	case requested := <-r.ch:
		return requested
	case <-time.After(2 * time.Second):
		t.Fatal("stream was never removed")
		return false
	}
}
