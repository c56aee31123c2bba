// Package segment tracks downloaded media segments shared between captures.
package segment

import "errors"

var (
	ErrReleased      = errors.New("segment proxy already released")
	ErrNotDownloaded = errors.New("segment file not downloaded")
	ErrStoreClosed   = errors.New("segment store closed")
)

// State is the download lifecycle of a segment file.
type State int

const (
	DownloadPending State = iota
	Downloading
	Downloaded
	DownloadFailed
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Downloaded || s == DownloadFailed
}

func (s State) String() string {
	switch s {
	case DownloadPending:
		return "download_pending"
	case Downloading:
		return "downloading"
	case Downloaded:
		return "downloaded"
	case DownloadFailed:
		return "download_failed"
	default:
		return "unknown"
	}
}
