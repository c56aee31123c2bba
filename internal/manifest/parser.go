package manifest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/grafov/m3u8"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"
)

const maxManifestBytes = 4 << 20

// HTTPParser fetches manifests over HTTP. Concurrent requests for the same
// URL share one upstream fetch, and all fetches share one rate limit.
type HTTPParser struct {
	client  *http.Client
	timeout time.Duration
	limiter ratelimit.Limiter
	group   singleflight.Group
	log     *slog.Logger
}

// NewHTTPParser returns a parser allowing at most requestsPerSecond upstream
// fetches (0 means unlimited), each bounded by timeout.
func NewHTTPParser(client *http.Client, timeout time.Duration, requestsPerSecond int, log *slog.Logger) *HTTPParser {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	limiter := ratelimit.NewUnlimited()
	if requestsPerSecond > 0 {
		limiter = ratelimit.New(requestsPerSecond)
	}
	return &HTTPParser{
		client:  client,
		timeout: timeout,
		limiter: limiter,
		log:     log.With("component", "manifest_parser"),
	}
}

type decoded struct {
	playlist m3u8.Playlist
	listType m3u8.ListType
}

// Media fetches a media manifest. A manifest with no segments is not an
// error; a master manifest is ErrUnexpectedType.
func (p *HTTPParser) Media(ctx context.Context, manifestURL string) (*Media, error) {
	d, err := p.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	mp, ok := d.playlist.(*m3u8.MediaPlaylist)
	if d.listType != m3u8.MEDIA || !ok {
		return nil, fmt.Errorf("%w: %s is not a media manifest", ErrUnexpectedType, manifestURL)
	}
	if mp.TargetDuration <= 0 {
		return nil, fmt.Errorf("%w: %s has no target duration", ErrParse, manifestURL)
	}

	m := &Media{
		TargetDuration: mp.TargetDuration,
		MediaSequence:  mp.SeqNo,
		Ended:          mp.Closed,
	}
	for _, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		m.Entries = append(m.Entries, Entry{
			URI:           seg.URI,
			Duration:      seg.Duration,
			Discontinuity: seg.Discontinuity,
		})
	}
	return m, nil
}

// Describe classifies a source manifest. Rendition URLs of a master manifest
// are resolved against it; I-frame only renditions are left out.
func (p *HTTPParser) Describe(ctx context.Context, manifestURL string) (Descriptor, error) {
	d, err := p.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	switch d.listType {
	case m3u8.MEDIA:
		return Leaf{Rendition{URL: manifestURL}}, nil
	case m3u8.MASTER:
		master, ok := d.playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, manifestURL)
		}
		set := VariantSet{URL: manifestURL}
		for _, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}
			u, err := Resolve(manifestURL, v.URI)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrParse, err)
			}
			set.Renditions = append(set.Renditions, Rendition{
				URL:        u,
				Bandwidth:  v.Bandwidth,
				Codecs:     v.Codecs,
				Resolution: v.Resolution,
			})
		}
		if len(set.Renditions) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoRenditions, manifestURL)
		}
		return set, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, manifestURL)
	}
}

func (p *HTTPParser) fetch(ctx context.Context, manifestURL string) (decoded, error) {
	ch := p.group.DoChan(manifestURL, func() (any, error) {
		return p.load(manifestURL)
	})
	select {
	case <-ctx.Done():
		return decoded{}, fmt.Errorf("%w: %v", ErrFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return decoded{}, res.Err
		}
		return res.Val.(decoded), nil
	}
}

// load runs detached from any single caller's context because its result
// may be shared by several callers.
func (p *HTTPParser) load(manifestURL string) (decoded, error) {
	p.limiter.Take()

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decoded{}, fmt.Errorf("%w: %s returned %s", ErrFetch, manifestURL, resp.Status)
	}

	pl, lt, err := m3u8.DecodeFrom(bufio.NewReader(io.LimitReader(resp.Body, maxManifestBytes)), false)
	if err != nil {
		p.log.Debug("manifest decode failed", slog.String("playlist_url", manifestURL), slog.String("error", err.Error()))
		return decoded{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return decoded{playlist: pl, listType: lt}, nil
}
