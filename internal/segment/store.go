package segment

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"dvr-bridge/internal/download"
	"dvr-bridge/internal/platform/files"
	"dvr-bridge/internal/platform/metrics"
)

// Downloader accepts segment transfers. *download.Pool implements it.
type Downloader interface {
	Submit(job download.Job) error
}

// PathGenerator allocates and removes local segment files.
// *files.Generator implements it.
type PathGenerator interface {
	Generate(ext string) (files.Servable, error)
	Remove(s files.Servable) error
}

// Store deduplicates segment downloads by remote URL and reclaims files once
// nothing references them.
type Store struct {
	downloader Downloader
	paths      PathGenerator
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	files  map[string]*file
	closed bool

	stop chan struct{}
	done chan struct{}
}

// NewStore returns a Store that sweeps every sweepInterval. A non-positive
// interval disables the background sweep; Sweep can still be called directly.
func NewStore(d Downloader, paths PathGenerator, sweepInterval time.Duration, log *slog.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		downloader: d,
		paths:      paths,
		log:        log.With("component", "segment_store"),
		metrics:    m,
		files:      make(map[string]*file),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Get returns a new proxy for remoteURL, starting a download only if the URL
// is not already tracked.
func (s *Store) Get(remoteURL string) (*Proxy, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if f, ok := s.files[remoteURL]; ok {
		p := newProxy(f)
		s.mu.Unlock()
		return p, nil
	}

	out, err := s.paths.Generate(extension(remoteURL))
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("allocate segment file: %w", err)
	}
	f := newFile(remoteURL, out)
	s.files[remoteURL] = f
	p := newProxy(f)
	tracked := len(s.files)
	s.mu.Unlock()

	s.metrics.SetSegmentFilesTracked(tracked)
	s.log.Debug("segment download queued", slog.String("remote_url", remoteURL), slog.String("path", out.Path))

	err = s.downloader.Submit(download.Job{
		URL:     remoteURL,
		Path:    out.Path,
		OnStart: func() { f.setState(Downloading) },
		OnComplete: func(ok bool) {
			s.metrics.ObserveDownload(ok)
			if ok {
				f.setState(Downloaded)
			} else {
				f.setState(DownloadFailed)
			}
		},
	})
	if err != nil {
		s.log.Warn("segment download not submitted", slog.String("remote_url", remoteURL), slog.String("error", err.Error()))
		f.setState(DownloadFailed)
	}
	return p, nil
}

// Len returns the number of tracked segment files.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Sweep removes every file that has finished downloading (successfully or
// not) and has no live proxies. It returns how many entries were removed.
//
// Reclaimable entries are unmapped under the lock, so no Get can reach them,
// and their files are deleted after it is released. An entry whose file
// cannot be deleted is tracked again for the next sweep unless its URL has
// been requested in the meantime.
func (s *Store) Sweep() int {
	type victim struct {
		remoteURL string
		f         *file
	}

	s.mu.Lock()
	var victims []victim
	for remoteURL, f := range s.files {
		if f.reclaimable() {
			victims = append(victims, victim{remoteURL, f})
			delete(s.files, remoteURL)
		}
	}
	s.mu.Unlock()

	removed := 0
	var failed []victim
	for _, v := range victims {
		if err := s.paths.Remove(v.f.out); err != nil {
			s.log.Warn("could not delete segment file",
				slog.String("remote_url", v.remoteURL),
				slog.String("path", v.f.out.Path),
				slog.String("error", err.Error()))
			failed = append(failed, v)
			continue
		}
		removed++
		s.metrics.IncSegmentFilesReclaimed()
	}

	s.mu.Lock()
	for _, v := range failed {
		if _, taken := s.files[v.remoteURL]; !taken {
			s.files[v.remoteURL] = v.f
		}
	}
	tracked := len(s.files)
	s.mu.Unlock()

	s.metrics.SetSegmentFilesTracked(tracked)
	if removed > 0 {
		s.log.Debug("segment files reclaimed", slog.Int("removed", removed), slog.Int("tracked", tracked))
	}
	return removed
}

// Close stops the background sweep and rejects further Get calls. Files still
// on disk are left for the next startup purge.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func extension(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return ""
	}
	return files.Extension(u.Path)
}
