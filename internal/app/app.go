// Package app wires the components together and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"choptso/internal/sweeper"
	"choptso/pkg/api"
	"choptso/pkg/chat"
	"choptso/pkg/config"
	"choptso/pkg/ingest"
	"choptso/pkg/logger"
	"choptso/pkg/sensor"
	"choptso/pkg/state"
	"choptso/pkg/store"
	"choptso/pkg/stream"
	"choptso/pkg/telemetry"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg    *config.Config
	addr   string
	dbPath string
	source string

	version   string
	commit    string
	buildDate string

	docs    *store.Store
	broker  *stream.Broker
	svc     *chat.Service
	queue   *ingest.Queue
	pool    *ingest.Pool
	httpAPI *api.Server
	sens    *sensor.Sensor
	sweep   *sweeper.Sweeper

	srv     *http.Server
	fastSrv *fasthttp.Server

	workCancel context.CancelFunc
}

// New initializes everything that does not need a running context: the
// state directory layout, the store, the broker, the adapter, and the
// ingest queue. Call Run to start serving.
func New(cfg *config.Config, addr, dbPath, source, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if addr == "" {
		addr = cfg.Addr()
	}
	if dbPath == "" {
		dbPath = cfg.Storage.DBPath
	}

	if err := state.EnsureStateDirs(dbPath); err != nil {
		return nil, fmt.Errorf("state dirs under %s: %w", dbPath, err)
	}

	docs, err := store.Open(state.StorePath(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	broker := stream.NewBroker(cfg.Sync.Window * 2)
	svc := chat.NewService(docs, broker, cfg.Sync, cfg.Security.AdminIdentities)
	queue := ingest.NewQueue(cfg.Ingest.Queue.Capacity, int(cfg.Ingest.Queue.MaxPooledBufferBytes.Int64()))

	a := &App{
		cfg:       cfg,
		addr:      addr,
		dbPath:    dbPath,
		source:    source,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		docs:      docs,
		broker:    broker,
		svc:       svc,
		queue:     queue,
		pool:      ingest.NewPool(queue, svc, cfg.Ingest.Workers),
		sens:      sensor.New(dbPath, 5*time.Second),
		sweep:     sweeper.New(docs, broker, cfg.Sweeper, cfg.Presence),
	}
	a.httpAPI = api.NewServer(svc, docs, broker, queue, cfg)

	telemetry.Register(queue, func() telemetry.StoreSnapshot {
		st := docs.GetStats()
		return telemetry.StoreSnapshot{
			DiskBytes:     st.DiskBytes,
			WALBytes:      st.WALBytes,
			MemtableBytes: st.MemtableBytes,
			Writes:        st.Writes,
		}
	}, broker, a.sens)

	return a, nil
}

// Run starts the workers, the sweeper, and the HTTP listeners, and blocks
// until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	a.sens.Start()
	defer a.sens.Stop()

	// workers outlive the signal context: on shutdown they drain the
	// acknowledged backlog before stopping
	workCtx, workCancel := context.WithCancel(context.Background())
	a.workCancel = workCancel
	a.pool.Start(workCtx)

	if err := a.sweep.Start(ctx); err != nil {
		return err
	}

	errCh := a.startHTTP(ctx)
	fastErrCh := a.startFastHTTP()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	case err = <-fastErrCh:
	}

	a.shutdown()
	return err
}

// shutdown stops the listeners, lets the workers apply the remaining queue,
// and closes the store. Ops acknowledged with 202 are never discarded here.
func (a *App) shutdown() {
	logger.Info("shutdown_started")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.srv != nil {
		_ = a.srv.Shutdown(sctx)
	}
	if a.fastSrv != nil {
		_ = a.fastSrv.ShutdownWithContext(sctx)
	}
	// producers are gone once listeners are down; close the queue and let
	// the workers finish the backlog before stopping them
	a.queue.Close()
	a.pool.Wait()
	if a.workCancel != nil {
		a.workCancel()
	}
	if err := a.docs.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}
