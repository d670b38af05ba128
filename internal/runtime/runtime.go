package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicereport/internal/bus"
	"github.com/loqalabs/voicereport/internal/config"
	"github.com/loqalabs/voicereport/internal/coordinator"
	"github.com/loqalabs/voicereport/internal/eventstore"
	"github.com/loqalabs/voicereport/internal/interpreter"
	"github.com/loqalabs/voicereport/internal/natsserver"
	"github.com/loqalabs/voicereport/internal/router"
	"github.com/loqalabs/voicereport/internal/speaker"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	dispatcher *interpreter.Dispatcher
	speaker    speaker.Speaker
	coord      *coordinator.Coordinator
	router     *router.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.assemble(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	newAPI(r.coord, r.store, r.dispatcher, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsSrv, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// assemble wires bus, storage, capture, interpreter, speaker, coordinator
// and router according to config.
func (r *Runtime) assemble(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	source, err := buildCaptureSource(r.cfg.Capture, r.bus, r.logger)
	if err != nil {
		return err
	}

	client, err := InterpreterClient(r.cfg.Interpreter)
	if err != nil {
		return err
	}
	r.dispatcher = interpreter.NewDispatcher(client, time.Duration(r.cfg.Interpreter.TimeoutMS)*time.Millisecond, r.logger)
	go r.checkInterpreter(ctx)

	spk, err := buildSpeaker(r.cfg.Speaker, r.bus, r.logger)
	if err != nil {
		return err
	}
	r.speaker = spk

	r.coord = coordinator.New(source, r.dispatcher, r.speaker, coordinator.Options{
		Capture:       captureOptions(r.cfg.Capture),
		SpeakFeedback: r.cfg.Coordinator.SpeakFeedback,
		DownloadBase:  r.cfg.Interpreter.DownloadBase,
	}, r.logger, eventstore.NewRecorder(store, r.logger))

	if r.bus != nil && r.cfg.Router.Enabled {
		r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.coord, r.logger)
		r.coord.AddObserver(r.router)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
	}
	return nil
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.router != nil {
		r.router.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) checkInterpreter(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.dispatcher.Ping(ctx); err != nil {
		r.logger.Warn("interpreter not reachable", slogError(err))
		return
	}
	r.logger.Info("interpreter reachable")
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) healthy(ctx context.Context) bool {
	if !r.ready.Load() {
		return false
	}
	if r.store == nil || !r.store.Healthy(ctx) {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.healthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
