package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dvr-bridge/internal/capture"
	"dvr-bridge/internal/manifest"
	"dvr-bridge/internal/platform/files"
	"dvr-bridge/internal/platform/metrics"
)

// StreamID is the external identity a caller controls a capture by.
type StreamID string

var (
	ErrNoCapture           = errors.New("stream has no capture")
	ErrPlaylistUnavailable = errors.New("playlist not available")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrInvalidState        = errors.New("invalid stream state")
)

// Capturer is the control surface shared by Stream and VariantStream.
type Capturer interface {
	ID() StreamID
	StartCapture(ctx context.Context) error
	StopCapture() error
	RemoveCapture() error
	HasCapture() bool
	CaptureState() capture.State
	PlaylistURL() (string, error)
	RegisterActivity()
	// OnRemoved registers fn to run once the capture has been deleted.
	// requested is false when the removal was not asked for by the owner.
	OnRemoved(fn func(requested bool)) (cancel func())
}

// OutputGenerator allocates the manifest files streams publish.
// *files.Generator implements it.
type OutputGenerator interface {
	Generate(ext string) (files.Servable, error)
	Remove(s files.Servable) error
}

// Deps are the collaborators and timings shared by every stream.
type Deps struct {
	Parser   manifest.Parser
	Segments capture.SegmentSource
	Outputs  OutputGenerator

	PollInterval time.Duration
	StallGrace   time.Duration
	// InactivityTimeout of zero disables the inactivity check.
	InactivityTimeout       time.Duration
	InactivityCheckInterval time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}
