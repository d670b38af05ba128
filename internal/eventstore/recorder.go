package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/voicereport/internal/coordinator"
)

// Recorder persists coordinator notifications: state changes become timeline
// events and published results become report history entries.
type Recorder struct {
	store   *Store
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		timeout: 5 * time.Second,
		log:     log.With(slog.String("component", "report-recorder")),
	}
}

type transitionPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason"`
	Transcript string `json:"transcript,omitempty"`
}

func (r *Recorder) OnTransition(t coordinator.Transition) {
	// Live transcript updates would flood the timeline.
	if t.From == t.To || t.InteractionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if t.From == coordinator.StateIdle || t.From == coordinator.StateDone || t.From == coordinator.StateErrored {
		if err := r.store.AppendInteraction(ctx, t.InteractionID, ""); err != nil {
			r.log.Warn("failed to record interaction", slogError(err))
			return
		}
	}
	payload, err := json.Marshal(transitionPayload{
		From:       t.From.String(),
		To:         t.To.String(),
		Reason:     t.Reason,
		Transcript: t.Transcript,
	})
	if err != nil {
		r.log.Warn("failed to encode transition", slogError(err))
		return
	}
	err = r.store.AppendEvent(ctx, Event{
		InteractionID: t.InteractionID,
		Type:          "transition",
		Payload:       payload,
		CreatedAt:     t.At,
	})
	if err != nil {
		r.log.Warn("failed to record transition", slogError(err))
	}
}

func (r *Recorder) OnResult(rep coordinator.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.AppendInteraction(ctx, rep.InteractionID, string(rep.Source)); err != nil {
		r.log.Warn("failed to record interaction", slogError(err))
	}
	result, err := json.Marshal(rep.Result)
	if err != nil {
		r.log.Warn("failed to encode result", slogError(err))
		return
	}
	saved, err := r.store.SaveReport(ctx, Report{
		InteractionID: rep.InteractionID,
		Source:        string(rep.Source),
		Command:       rep.Command,
		Success:       rep.Result.Success,
		Message:       rep.Result.Message,
		ReportURL:     rep.Result.ReportURL,
		DownloadURL:   rep.DownloadURL,
		RecordCount:   len(rep.Result.SalesRecords),
		Result:        result,
		CreatedAt:     rep.CompletedAt,
	})
	if err != nil {
		r.log.Warn("failed to save report", slogError(err))
		return
	}
	r.log.Info("report recorded", slog.String("report_id", saved.ID), slog.Bool("success", saved.Success))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
