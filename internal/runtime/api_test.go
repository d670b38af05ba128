package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/voicereport/internal/capture"
	"github.com/loqalabs/voicereport/internal/config"
	"github.com/loqalabs/voicereport/internal/coordinator"
	"github.com/loqalabs/voicereport/internal/eventstore"
	"github.com/loqalabs/voicereport/internal/interpreter"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type apiFixture struct {
	srv   *httptest.Server
	store *eventstore.Store
}

func newAPIFixture(t *testing.T, source capture.Source, client interpreter.Client) *apiFixture {
	t.Helper()
	logger := newTestLogger()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral", MaxReports: 100}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dispatcher := interpreter.NewDispatcher(client, time.Second, logger)
	coord := coordinator.New(source, dispatcher, nil, coordinator.Options{DownloadBase: "http://reports.local/files"}, logger, eventstore.NewRecorder(store, logger))
	t.Cleanup(coord.Close)

	mux := http.NewServeMux()
	newAPI(coord, store, dispatcher, logger).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (f *apiFixture) status(t *testing.T) coordinator.Snapshot {
	t.Helper()
	code, data := f.do(t, http.MethodGet, "/api/voice/status", "")
	if code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	var snap coordinator.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func (f *apiFixture) waitState(t *testing.T, want string) coordinator.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := f.status(t)
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("state %q never reached, last %q", want, snap.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *apiFixture) waitReports(t *testing.T, n int) []reportView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		code, data := f.do(t, http.MethodGet, "/api/reports", "")
		if code != http.StatusOK {
			t.Fatalf("list reports returned %d", code)
		}
		var views []reportView
		if err := json.Unmarshal(data, &views); err != nil {
			t.Fatalf("decode reports: %v", err)
		}
		if len(views) >= n {
			return views
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d reports, got %d", n, len(views))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVoiceRoundTripProducesStoredReport(t *testing.T) {
	f := newAPIFixture(t, capture.NewMockSource(0), interpreter.NewMockClient(0))

	if code, _ := f.do(t, http.MethodPost, "/api/voice/start", ""); code != http.StatusAccepted {
		t.Fatalf("start returned %d", code)
	}
	snap := f.waitState(t, "done")
	if snap.LastResult == nil || !snap.LastResult.Result.Success {
		t.Fatalf("expected successful result, got %+v", snap.LastResult)
	}
	if snap.Command != capture.DefaultMockUtterance {
		t.Fatalf("unexpected command %q", snap.Command)
	}
	if snap.LastResult.DownloadURL != "http://reports.local/files/mock-report.pdf" {
		t.Fatalf("unexpected download url %q", snap.LastResult.DownloadURL)
	}

	views := f.waitReports(t, 1)
	if views[0].Source != "voice" || views[0].RecordCount != 2 || len(views[0].Result) == 0 {
		t.Fatalf("unexpected stored report %+v", views[0])
	}

	// The timeline is written asynchronously alongside the report.
	deadline := time.Now().Add(3 * time.Second)
	for {
		code, data := f.do(t, http.MethodGet, "/api/reports/"+views[0].ID, "")
		if code != http.StatusOK {
			t.Fatalf("get report returned %d", code)
		}
		var view reportView
		if err := json.Unmarshal(data, &view); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		if len(view.Timeline) >= 3 {
			if view.Timeline[0].Type != "transition" {
				t.Fatalf("unexpected timeline entry %+v", view.Timeline[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected timeline entries, got %d", len(view.Timeline))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartWhileListeningConflicts(t *testing.T) {
	src := capture.NewMockSource(0, capture.Event{Kind: capture.EventPartial, Text: "show sales", Final: true})
	f := newAPIFixture(t, src, interpreter.NewMockClient(0))

	if code, _ := f.do(t, http.MethodPost, "/api/voice/start", ""); code != http.StatusAccepted {
		t.Fatalf("start returned %d", code)
	}
	code, data := f.do(t, http.MethodPost, "/api/voice/start", "")
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.State != "listening" {
		t.Fatalf("expected listening state in error, got %+v", body)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/voice/finish", ""); code != http.StatusAccepted {
		t.Fatalf("finish returned %d", code)
	}
	snap := f.waitState(t, "done")
	if snap.Command != "show sales" {
		t.Fatalf("unexpected command %q", snap.Command)
	}
}

func TestFinishWhenIdleConflicts(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(0))
	if code, _ := f.do(t, http.MethodPost, "/api/voice/finish", ""); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
}

func TestStartWithoutCaptureIsNotImplemented(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(0))
	if code, _ := f.do(t, http.MethodPost, "/api/voice/start", ""); code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", code)
	}
	if snap := f.status(t); snap.State != "idle" {
		t.Fatalf("expected idle after unsupported start, got %q", snap.State)
	}
}

func TestCancelListeningReturnsIdle(t *testing.T) {
	src := capture.NewMockSource(0, capture.Event{Kind: capture.EventPartial, Text: "show sales", Final: true})
	f := newAPIFixture(t, src, interpreter.NewMockClient(0))

	if code, _ := f.do(t, http.MethodPost, "/api/voice/start", ""); code != http.StatusAccepted {
		t.Fatalf("start returned %d", code)
	}
	code, data := f.do(t, http.MethodPost, "/api/voice/cancel", "")
	if code != http.StatusOK {
		t.Fatalf("cancel returned %d", code)
	}
	var snap coordinator.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != "idle" || snap.LastResult != nil {
		t.Fatalf("unexpected snapshot after cancel %+v", snap)
	}
}

func TestTypedCommand(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(0))

	if code, _ := f.do(t, http.MethodPost, "/api/voice/command", `{"command":"create report for electronics category"}`); code != http.StatusAccepted {
		t.Fatalf("command returned %d", code)
	}
	snap := f.waitState(t, "done")
	if snap.Source != coordinator.SourceTyped {
		t.Fatalf("expected typed source, got %q", snap.Source)
	}
	views := f.waitReports(t, 1)
	if views[0].Command != "create report for electronics category" {
		t.Fatalf("unexpected stored command %q", views[0].Command)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/voice/reset", ""); code != http.StatusOK {
		t.Fatalf("reset returned %d", code)
	}
	if snap := f.status(t); snap.State != "idle" || snap.LastResult != nil {
		t.Fatalf("unexpected snapshot after reset %+v", snap)
	}
}

func TestCommandValidation(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(0))

	if code, _ := f.do(t, http.MethodPost, "/api/voice/command", `{"command":`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/voice/command", `{"command":"   "}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank command, got %d", code)
	}
}

func TestCommandWhileSubmittingConflicts(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(500*time.Millisecond))

	if code, _ := f.do(t, http.MethodPost, "/api/voice/command", `{"command":"show sales"}`); code != http.StatusAccepted {
		t.Fatalf("command returned %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/voice/command", `{"command":"show sales again"}`); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	f.waitState(t, "done")
}

func TestReportLookups(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(0))

	if code, _ := f.do(t, http.MethodGet, "/api/reports?limit=abc", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/reports?limit=0", ""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero limit, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/reports/missing", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	code, data := f.do(t, http.MethodGet, "/api/reports?limit=5", "")
	if code != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("expected empty list, got %d %s", code, data)
	}
}

func TestInterpreterHealth(t *testing.T) {
	f := newAPIFixture(t, capture.Unsupported(), interpreter.NewMockClient(0))
	code, data := f.do(t, http.MethodGet, "/api/interpreter/health", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var health interpreterHealth
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Busy {
		t.Fatalf("unexpected health %+v", health)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	g := newAPIFixture(t, capture.Unsupported(), interpreter.NewHTTPClient(down.URL, down.Client()))
	if code, _ := g.do(t, http.MethodGet, "/api/interpreter/health", ""); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
}
