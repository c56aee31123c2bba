// Package manifest reads remote HLS manifests and writes local ones.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrFetch          = errors.New("manifest fetch failed")
	ErrParse          = errors.New("manifest parse failed")
	ErrUnexpectedType = errors.New("unexpected manifest type")
	ErrNoRenditions   = errors.New("variant manifest lists no renditions")
)

// Entry is one media segment line of a remote manifest. URI is as written
// upstream and may be relative.
type Entry struct {
	URI           string
	Duration      float64
	Discontinuity bool
}

// Media is the current window of a remote media manifest. MediaSequence is
// the sequence number of Entries[0].
type Media struct {
	TargetDuration float64
	MediaSequence  uint64
	Entries        []Entry
	Ended          bool
}

// Rendition is one playable media manifest and the attributes advertised for
// it by its master manifest, if any.
type Rendition struct {
	URL        string
	Bandwidth  uint32
	Codecs     string
	Resolution string
}

// Descriptor is either a Leaf or a VariantSet.
type Descriptor interface {
	descriptor()
}

// Leaf is a source that is itself a media manifest.
type Leaf struct {
	Rendition
}

// VariantSet is a master manifest and the renditions it lists, in manifest
// order.
type VariantSet struct {
	URL        string
	Renditions []Rendition
}

func (Leaf) descriptor()       {}
func (VariantSet) descriptor() {}

// Parser is the remote manifest collaborator used by captures and the
// stream manager.
type Parser interface {
	Media(ctx context.Context, manifestURL string) (*Media, error)
	Describe(ctx context.Context, manifestURL string) (Descriptor, error)
}

// Resolve returns ref resolved against base.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
