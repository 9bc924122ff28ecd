// Package app wires the configured destination, the buffer engine, and
// the HTTP API into a runnable server.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihttp "github.com/arkilian/buffertable/internal/api/http"
	"github.com/arkilian/buffertable/internal/buffer"
	"github.com/arkilian/buffertable/internal/config"
	"github.com/arkilian/buffertable/internal/destination"
	"github.com/arkilian/buffertable/internal/server"
	"github.com/arkilian/buffertable/internal/storage"
	"github.com/arkilian/buffertable/pkg/types"
)

// App holds the wired components of a buffertable server.
type App struct {
	cfg      config.Config
	registry *destination.Registry
	engine   *buffer.Engine
	httpSrv  *http.Server
	shutdown *server.ShutdownManager
}

// New builds an App from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	registry := destination.NewRegistry()
	sm := server.NewShutdownManager(server.ShutdownConfig{})

	destRef, err := buildDestination(ctx, cfg, registry, sm)
	if err != nil {
		return nil, err
	}

	bufRef := types.TableRef{Database: cfg.Buffer.Database, Table: cfg.Buffer.Table}
	engine, err := buffer.New(buffer.Config{
		Ref:         bufRef,
		Schema:      types.Schema{Columns: cfg.Buffer.Columns},
		Registry:    registry,
		Destination: destRef,
		NumShards:   cfg.Buffer.NumShards,
		MinThresholds: buffer.Thresholds{
			TimeSeconds: cfg.Buffer.MinTimeSeconds,
			Rows:        cfg.Buffer.MinRows,
			Bytes:       cfg.Buffer.MinBytes,
		},
		MaxThresholds: buffer.Thresholds{
			TimeSeconds: cfg.Buffer.MaxTimeSeconds,
			Rows:        cfg.Buffer.MaxRows,
			Bytes:       cfg.Buffer.MaxBytes,
		},
		AllowMaterialized: cfg.Buffer.AllowMaterialized,
	})
	if err != nil {
		return nil, err
	}
	registry.Register(engine)

	mux := http.NewServeMux()
	mux.Handle("/v1/insert", apihttp.NewInsertHandler(engine))
	mux.Handle("/v1/query", apihttp.NewQueryHandler(engine))
	mux.Handle("/v1/optimize", apihttp.NewOptimizeHandler(engine))
	mux.Handle("/v1/alter", apihttp.NewAlterHandler(engine))
	mux.Handle("/v1/stats", apihttp.NewStatsHandler(engine))
	mux.Handle("/metrics", promhttp.Handler())

	handler := apihttp.RequestIDMiddleware(
		apihttp.RecoveryMiddleware(
			apihttp.ContentTypeMiddleware(mux)))

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		httpSrv:  httpSrv,
		shutdown: sm,
	}, nil
}

// buildDestination constructs and registers the configured destination
// table, returning its ref (empty for none).
func buildDestination(ctx context.Context, cfg config.Config, registry *destination.Registry, sm *server.ShutdownManager) (types.TableRef, error) {
	dc := cfg.Destination
	if dc.Type == config.DestinationNone {
		return types.TableRef{}, nil
	}

	ref := types.TableRef{Database: dc.Database, Table: dc.Table}
	schema := types.Schema{Columns: cfg.Buffer.Columns}

	switch dc.Type {
	case config.DestinationMemory:
		registry.Register(destination.NewMemoryTable(ref, schema))

	case config.DestinationSQLite:
		table, err := destination.NewSQLiteTable(ctx, dc.Path, ref, schema)
		if err != nil {
			return types.TableRef{}, err
		}
		registry.Register(table)
		sm.RegisterCloser(table)

	case config.DestinationLocal:
		store, err := storage.NewLocalStorage(dc.Path)
		if err != nil {
			return types.TableRef{}, err
		}
		table, err := destination.NewObjectTable(ctx, store, ref, schema)
		if err != nil {
			return types.TableRef{}, err
		}
		registry.Register(table)

	case config.DestinationS3:
		store, err := storage.NewS3Storage(ctx, dc.Bucket, storage.S3Config{
			Region:       dc.Region,
			Endpoint:     dc.Endpoint,
			UsePathStyle: dc.UsePathStyle,
		})
		if err != nil {
			return types.TableRef{}, err
		}
		table, err := destination.NewObjectTable(ctx, store, ref, schema)
		if err != nil {
			return types.TableRef{}, err
		}
		registry.Register(table)

	default:
		return types.TableRef{}, fmt.Errorf("app: unknown destination type %q", dc.Type)
	}
	return ref, nil
}

// Run starts the engine and HTTP server and blocks until shutdown.
func (a *App) Run() error {
	a.engine.Startup(a.cfg.Buffer.Readonly)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.engine.Shutdown()
		return nil
	}))

	errCh := make(chan error, 1)
	go func() {
		log.Printf("app: buffertable listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	done := make(chan struct{})
	go func() {
		a.shutdown.WaitForSignal(a.httpSrv)
		close(done)
	}()

	select {
	case err := <-errCh:
		a.shutdown.Shutdown()
		<-done
		return err
	case <-done:
		return nil
	}
}

// Stop triggers a programmatic shutdown.
func (a *App) Stop() {
	a.shutdown.Shutdown()
}
