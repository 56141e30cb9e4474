package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/capture"
	"github.com/MrWong99/voicelink/pkg/client"
)

// maxRequestBody bounds control API request bodies.
const maxRequestBody = 1 << 16

type startRequest struct {
	Endpoint string `json:"endpoint"`
}

type statsResponse struct {
	CaptureBlocks  int64 `json:"capture_blocks"`
	FramesSent     int64 `json:"frames_sent"`
	FramesDropped  int64 `json:"frames_dropped"`
	FramesReceived int64 `json:"frames_received"`
	Reconnects     int64 `json:"reconnects"`
	Scheduled      int64 `json:"scheduled"`
	Discarded      int64 `json:"discarded"`
	GapResets      int64 `json:"gap_resets"`
	EncodeErrors   int64 `json:"encode_errors"`
	CodecErrors    int64 `json:"codec_errors"`
	EmptyPayloads  int64 `json:"empty_payloads"`
	DecodeErrors   int64 `json:"decode_errors"`
	OutputErrors   int64 `json:"output_errors"`
	Transcriptions int64 `json:"transcriptions"`
}

type statusResponse struct {
	Active      bool          `json:"active"`
	SessionID   string        `json:"session_id,omitempty"`
	Endpoint    string        `json:"endpoint,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	StartedBy   string        `json:"started_by,omitempty"`
	State       string        `json:"state"`
	Indicator   string        `json:"indicator"`
	Text        string        `json:"text"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	RetryInMS   int64         `json:"retry_in_ms,omitempty"`
	Error       string        `json:"error,omitempty"`
	LeadSeconds float64       `json:"lead_seconds"`
	Stats       statsResponse `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// registerAPI adds the session routes to mux.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/session/start", a.handleStart)
	mux.HandleFunc("POST /api/v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /api/v1/session/status", a.handleStatus)
}

// handleStart starts a session. The JSON body may name an endpoint; an
// empty body uses the configured one.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	err = a.sessions.Start(r.Context(), req.Endpoint, r.RemoteAddr)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, a.status())
	case errors.Is(err, client.ErrAlreadyStarted):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, capture.ErrDeviceAcquisition):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, client.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		observe.Logger(r.Context(), a.log).Debug("start rejected", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

// status snapshots the session for the API.
func (a *App) status() statusResponse {
	info := a.sessions.Info()
	st := a.sessions.Status()
	stats := a.sessions.Stats()

	res := statusResponse{
		Active:      a.sessions.IsActive(),
		SessionID:   info.SessionID,
		Endpoint:    info.Endpoint,
		StartedBy:   info.StartedBy,
		State:       st.State.String(),
		Indicator:   string(st.Indicator),
		Text:        st.Text,
		Attempt:     st.Attempt,
		MaxAttempts: st.MaxAttempts,
		RetryInMS:   st.Delay.Milliseconds(),
		LeadSeconds: a.sessions.Lead(),
		Stats: statsResponse{
			CaptureBlocks:  stats.Capture.Blocks,
			FramesSent:     stats.Transport.Sent,
			FramesDropped:  stats.Transport.Dropped,
			FramesReceived: stats.Transport.Received,
			Reconnects:     stats.Transport.Reconnects,
			Scheduled:      stats.Playback.Scheduled,
			Discarded:      stats.Playback.Discarded,
			GapResets:      stats.Playback.GapResets,
			EncodeErrors:   stats.Capture.EncodeErrors,
			CodecErrors:    stats.CodecErrors,
			EmptyPayloads:  stats.EmptyPayloads,
			DecodeErrors:   stats.Playback.DecodeErrors,
			OutputErrors:   stats.Playback.OutputErrors,
			Transcriptions: stats.Transcriptions,
		},
	}
	if !info.StartedAt.IsZero() {
		res.StartedAt = &info.StartedAt
	}
	if st.Err != nil {
		res.Error = st.Err.Error()
	}
	return res
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
