package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/duplexa/internal/duplex"
	"github.com/MrWong99/duplexa/internal/observe"
	"github.com/MrWong99/duplexa/internal/recording"
	"github.com/MrWong99/duplexa/pkg/provider/tts"
)

// maxSpeakBody bounds the POST /v1/speak request body.
const maxSpeakBody = 64 << 10

type sessionResponse struct {
	Active         bool      `json:"active"`
	SessionID      string    `json:"session_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	State          string    `json:"state"`
	GateOwner      string    `json:"gate_owner"`
	BufferedFrames int       `json:"buffered_frames"`
	PendingExports int       `json:"pending_exports"`
	LastTranscript string    `json:"last_transcript,omitempty"`
}

type speakRequest struct {
	Text string `json:"text"`
}

type recordingResponse struct {
	ID         string  `json:"id"`
	Key        string  `json:"key"`
	Backend    string  `json:"backend"`
	Duration   float64 `json:"duration_seconds"`
	Transcript string  `json:"transcript,omitempty"`
}

type retryResponse struct {
	Delivered []recordingResponse `json:"delivered"`
	Pending   int                 `json:"pending"`
	Error     string              `json:"error,omitempty"`
}

type voiceResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP control API, wrapped in the tracing and metrics
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", a.handleStartSession)
	mux.HandleFunc("DELETE /v1/session", a.handleStopSession)
	mux.HandleFunc("GET /v1/session", a.handleSessionStatus)
	mux.HandleFunc("POST /v1/speak", a.handleSpeak)
	mux.HandleFunc("POST /v1/recording", a.handleExport)
	mux.HandleFunc("POST /v1/recording/retry", a.handleRetry)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStartSession(w http.ResponseWriter, r *http.Request) {
	_, err := a.sessions.Start(r.Context())
	var dae *duplex.DeviceAcquisitionError
	switch {
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, err)
		return
	case errors.As(err, &dae):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		observe.Logger(r.Context()).Error("session start failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.sessionStatus())
}

func (a *App) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Stop(r.Context()); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessionStatus())
}

func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSpeakBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text must not be empty"))
		return
	}

	switch err := a.sessions.Speak(req.Text); {
	case errors.Is(err, ErrNoSession), errors.Is(err, duplex.ErrNotListening), errors.Is(err, duplex.ErrSessionClosed):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
	entry, err := a.exporter.Export(r.Context(), a.sessions.TakeRecording())
	switch {
	case errors.Is(err, recording.ErrNothingRecorded):
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		observe.Logger(r.Context()).Warn("recording export failed", "err", err, "pending", a.exporter.Pending())
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusAccepted, toRecordingResponse(entry))
	}
}

func (a *App) handleRetry(w http.ResponseWriter, r *http.Request) {
	entries, err := a.exporter.Retry(r.Context())
	res := retryResponse{Delivered: make([]recordingResponse, 0, len(entries)), Pending: a.exporter.Pending()}
	for _, e := range entries {
		res.Delivered = append(res.Delivered, toRecordingResponse(e))
	}
	status := http.StatusOK
	if err != nil {
		res.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	lister, ok := a.providers.TTS.(tts.VoiceLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("tts provider cannot list voices"))
		return
	}
	voices, err := lister.ListVoices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	out := make([]voiceResponse, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceResponse{ID: v.ID, Name: v.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) sessionStatus() sessionResponse {
	st := a.sessions.Status()
	return sessionResponse{
		Active:         st.Active,
		SessionID:      st.Info.SessionID,
		StartedAt:      st.Info.StartedAt,
		State:          st.State.String(),
		GateOwner:      st.GateOwner.String(),
		BufferedFrames: st.BufferedFrames,
		PendingExports: a.exporter.Pending(),
		LastTranscript: st.LastTranscript,
	}
}

func toRecordingResponse(e recording.Entry) recordingResponse {
	return recordingResponse{
		ID:         e.ID.String(),
		Key:        e.Key,
		Backend:    e.Backend,
		Duration:   e.Duration.Seconds(),
		Transcript: e.Transcript,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
