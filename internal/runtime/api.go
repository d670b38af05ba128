package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/voicereport/internal/capture"
	"github.com/loqalabs/voicereport/internal/coordinator"
	"github.com/loqalabs/voicereport/internal/eventstore"
	"github.com/loqalabs/voicereport/internal/interpreter"
)

// api exposes the coordinator and the report history over HTTP.
type api struct {
	coord      *coordinator.Coordinator
	store      *eventstore.Store
	dispatcher *interpreter.Dispatcher
	logger     *slog.Logger
}

func newAPI(coord *coordinator.Coordinator, store *eventstore.Store, dispatcher *interpreter.Dispatcher, logger *slog.Logger) *api {
	return &api{
		coord:      coord,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "http-api")),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/voice/start", a.handleStart)
	mux.HandleFunc("POST /api/voice/finish", a.handleFinish)
	mux.HandleFunc("POST /api/voice/cancel", a.handleCancel)
	mux.HandleFunc("POST /api/voice/reset", a.handleReset)
	mux.HandleFunc("POST /api/voice/command", a.handleCommand)
	mux.HandleFunc("GET /api/voice/status", a.handleStatus)
	mux.HandleFunc("GET /api/reports", a.handleListReports)
	mux.HandleFunc("GET /api/reports/{id}", a.handleGetReport)
	mux.HandleFunc("GET /api/interpreter/health", a.handleInterpreterHealth)
}

type errorBody struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

type interpreterHealth struct {
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

type commandBody struct {
	Command string `json:"command"`
}

// reportView is a history entry with its stored interpreter result inlined.
type reportView struct {
	eventstore.Report
	Result   json.RawMessage `json:"result,omitempty"`
	Timeline []timelineEntry `json:"timeline,omitempty"`
}

type timelineEntry struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Start(); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.coord.Snapshot())
}

func (a *api) handleFinish(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Finish(); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.coord.Snapshot())
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.coord.Cancel()
	writeJSON(w, http.StatusOK, a.coord.Snapshot())
}

func (a *api) handleReset(w http.ResponseWriter, r *http.Request) {
	a.coord.Reset()
	writeJSON(w, http.StatusOK, a.coord.Snapshot())
}

func (a *api) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if err := a.coord.Submit(body.Command); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.coord.Snapshot())
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Snapshot())
}

func (a *api) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer between 1 and 1000"})
			return
		}
		limit = parsed
	}
	reports, err := a.store.ListReports(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to list reports", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to list reports"})
		return
	}
	views := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		views = append(views, reportView{Report: rep, Result: rep.Result})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.store.GetReport(r.Context(), r.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		a.logger.Error("failed to load report", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load report"})
		return
	}
	view := reportView{Report: rep, Result: rep.Result}
	if rep.InteractionID != "" {
		events, err := a.store.ListInteractionEvents(r.Context(), rep.InteractionID, 100)
		if err != nil {
			a.logger.Warn("failed to load timeline", slogError(err))
		}
		for _, evt := range events {
			view.Timeline = append(view.Timeline, timelineEntry{Type: evt.Type, Payload: evt.Payload, CreatedAt: evt.CreatedAt})
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) handleInterpreterHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.dispatcher.Ping(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, interpreterHealth{Status: "ok", Busy: a.dispatcher.Busy()})
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrAlreadyActive), errors.Is(err, capture.ErrAlreadyActive), errors.Is(err, coordinator.ErrNotListening),
		errors.Is(err, coordinator.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, coordinator.ErrEmptyCommand):
		status = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		a.logger.Error("voice request failed", slogError(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), State: a.coord.State().String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
