package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const maxStreamIDLength = 100

// Controller is the part of Manager the HTTP handler depends on.
type Controller interface {
	Create(ctx context.Context, id StreamID, sourceURL string) (Capturer, error)
	Get(id StreamID) (Capturer, error)
}

type requestFunc func(r *http.Request, id StreamID) (any, error)

// requestError is reported to the caller verbatim.
type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *requestError) Unwrap() error { return e.err }

func fail(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}

// Handler exposes the control endpoint. Every request names an operation in
// the "type" parameter and a stream in "id".
type Handler struct {
	ctl      Controller
	log      *slog.Logger
	handlers map[string]requestFunc
}

// NewHandler returns a Handler that drives ctl.
func NewHandler(ctl Controller, log *slog.Logger) *Handler {
	h := &Handler{ctl: ctl, log: log}
	h.handlers = map[string]requestFunc{
		"START":   h.start,
		"STOP":    h.stop,
		"REMOVE":  h.remove,
		"PING":    h.ping,
		"GET_URL": h.getURL,
	}
	return h
}

// Control handles POST /dvrBridgeService?type=...&id=...
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	typ := strings.ToUpper(r.FormValue("type"))
	fn, ok := h.handlers[typ]
	if !ok {
		http.Error(w, "Unknown type.", http.StatusInternalServerError)
		return
	}
	id := r.FormValue("id")
	if id == "" || len(id) > maxStreamIDLength {
		http.Error(w, "Invalid id.", http.StatusInternalServerError)
		return
	}

	res, err := fn(r, StreamID(id))
	if err != nil {
		msg := "Request failed."
		var re *requestError
		if errors.As(err, &re) {
			msg = re.msg
		}
		h.log.Warn("control request failed",
			slog.String("type", typ),
			slog.String("stream_id", id),
			slog.String("error", err.Error()))
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}

	if res == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

type urlResponse struct {
	URL string `json:"url"`
}

func (h *Handler) start(r *http.Request, id StreamID) (any, error) {
	raw := r.FormValue("hlsPlaylistUrl")
	if raw == "" {
		return nil, fail(`"hlsPlaylistUrl" parameter is missing from the request url and is required.`, nil)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fail("The provided hls playlist url is invalid.", err)
	}

	s, err := h.ctl.Create(r.Context(), id, u.String())
	if err != nil {
		return nil, fail("Unable to start capture for some reason.", err)
	}
	playlistURL, err := s.PlaylistURL()
	if err != nil {
		return nil, fail("Unable to start capture for some reason.", err)
	}
	h.log.Info("capture start requested", slog.String("stream_id", string(id)), slog.String("url", playlistURL))
	return urlResponse{URL: playlistURL}, nil
}

func (h *Handler) stop(r *http.Request, id StreamID) (any, error) {
	s, err := h.ctl.Get(id)
	if err != nil {
		return nil, fail("Unable to stop the capture for some reason.", err)
	}
	if err := s.StopCapture(); err != nil {
		return nil, fail("Unable to stop the capture for some reason.", err)
	}
	return nil, nil
}

func (h *Handler) remove(r *http.Request, id StreamID) (any, error) {
	s, err := h.ctl.Get(id)
	if err != nil {
		return nil, fail("Unable to remove the capture for some reason.", err)
	}
	if err := s.RemoveCapture(); err != nil {
		return nil, fail("Unable to remove the capture for some reason.", err)
	}
	return nil, nil
}

func (h *Handler) ping(r *http.Request, id StreamID) (any, error) {
	s, err := h.ctl.Get(id)
	if err != nil || !s.HasCapture() {
		return nil, fail("Unable find stream or stream doesn't have capture.", err)
	}
	s.RegisterActivity()
	return nil, nil
}

func (h *Handler) getURL(r *http.Request, id StreamID) (any, error) {
	s, err := h.ctl.Get(id)
	if err != nil {
		return nil, fail("Unable to retrieve url for some reason.", err)
	}
	playlistURL, err := s.PlaylistURL()
	if err != nil {
		return nil, fail("Unable to retrieve url for some reason.", err)
	}
	return urlResponse{URL: playlistURL}, nil
}
