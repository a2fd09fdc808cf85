// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ManuGH/ingestbridge/internal/api"
	"github.com/ManuGH/ingestbridge/internal/config"
	"github.com/ManuGH/ingestbridge/internal/engine"
	"github.com/ManuGH/ingestbridge/internal/engine/sim"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/producer"
	"github.com/ManuGH/ingestbridge/internal/servicecall"
	"github.com/ManuGH/ingestbridge/internal/servicecall/httpapi"
	"github.com/ManuGH/ingestbridge/internal/sink"
	"github.com/ManuGH/ingestbridge/internal/telemetry"
	"github.com/ManuGH/ingestbridge/internal/version"
)

// app owns the long-lived components and their shutdown order.
type app struct {
	cfg    config.AppConfig
	logger zerolog.Logger

	tracing    *telemetry.Provider
	engine     *sim.Engine
	dispatcher *servicecall.Dispatcher
	client     *producer.Client
	server     *http.Server

	reloadSignal os.Signal
}

func newApp(ctx context.Context, cfg config.AppConfig) (*app, error) {
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Log.Service,
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	engLogger := xglog.WithComponent("engine")
	eng := sim.New(sim.Options{
		Logger:      &engLogger,
		MaxBuffer:   cfg.Engine.MaxBuffer,
		Provision:   cfg.Device.Provision,
		StaleAfter:  cfg.Engine.StaleAfter,
		CallTimeout: cfg.Service.Timeout,
	})

	callLogger := xglog.WithComponent("servicecall")
	limit := rate.Inf
	if cfg.Service.RateLimit > 0 {
		limit = rate.Limit(cfg.Service.RateLimit)
	}
	d, err := servicecall.New(servicecall.Options{
		Backend:          backend,
		Logger:           &callLogger,
		Tracer:           telemetry.Tracer("ingestbridge/servicecall"),
		Timeout:          cfg.Service.Timeout,
		RateLimit:        limit,
		Burst:            cfg.Service.Burst,
		MaxConcurrent:    int64(cfg.Service.MaxConcurrent),
		BreakerThreshold: cfg.Service.BreakerThreshold,
		BreakerReset:     cfg.Service.BreakerReset,
	})
	if err != nil {
		eng.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	client := producer.NewClient(engine.NewLibrary(eng.Opener()),
		producer.WithLogger(xglog.WithComponent("producer")),
		producer.WithDataChannelWait(cfg.Timeouts.DataChannelWait),
		producer.WithServiceCallbacks(d))

	srv := api.New(api.Config{
		Version:        version.Version,
		RateLimit:      cfg.API.RateLimit,
		TracingService: cfg.Log.Service,
	}, client, d)

	return &app{
		cfg:        cfg,
		logger:     xglog.WithComponent("ingestd"),
		tracing:    tp,
		engine:     eng,
		dispatcher: d,
		client:     client,
		server: &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		reloadSignal: syscall.SIGHUP,
	}, nil
}

func newBackend(cfg config.AppConfig) (servicecall.Backend, error) {
	switch cfg.Service.Backend {
	case config.BackendHTTP:
		c, err := httpapi.New(cfg.Service.BaseURL, nil)
		if err != nil {
			return nil, fmt.Errorf("http backend: %w", err)
		}
		return c, nil
	default:
		fs, err := sink.NewFileSink(cfg.Sink.Dir)
		if err != nil {
			return nil, fmt.Errorf("fragment sink: %w", err)
		}
		return servicecall.NewLoopback(fs, cfg.Service.TokenTTL), nil
	}
}

// Run starts the API server, brings the client and its streams up and feeds
// them until ctx is cancelled. Shutdown runs before Run returns.
func (a *app) Run(ctx context.Context, holder *config.Holder) error {
	g, gctx := errgroup.WithContext(ctx)

	if holder != nil {
		a.watchConfig(gctx, g, holder)
	}

	g.Go(func() error {
		a.logger.Info().
			Str(xglog.FieldEvent, "api.listen").
			Str("addr", a.server.Addr).
			Msg("admin API listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		streams, err := a.start(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		for i, st := range streams {
			f := newFeeder(st, a.cfg.Streams[i])
			g.Go(func() error { return f.run(gctx) })
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(holder)
	})

	return g.Wait()
}

// start creates the client and every configured stream, waiting for each to
// become ready.
func (a *app) start(ctx context.Context) ([]*producer.StreamSession, error) {
	dev := a.cfg.Device
	readyCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeouts.ClientReady)
	defer cancel()
	if err := a.client.CreateSync(readyCtx, engine.DeviceInfo{
		Name:        dev.Name,
		ClientID:    dev.ClientID,
		StorageSize: dev.StorageSize,
		StreamCount: len(a.cfg.Streams),
		Tags:        dev.Tags,
	}); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	a.logger.Info().
		Str(xglog.FieldEvent, "client.ready").
		Str(xglog.FieldDeviceName, dev.Name).
		Msg("client ready")

	streams := make([]*producer.StreamSession, 0, len(a.cfg.Streams))
	for _, sc := range a.cfg.Streams {
		streamCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeouts.StreamReady)
		st, err := a.client.CreateStreamSync(streamCtx, streamInfo(sc), newLogObserver(sc.Name))
		cancel()
		if err != nil {
			return streams, fmt.Errorf("create stream %q: %w", sc.Name, err)
		}
		a.logger.Info().
			Str(xglog.FieldEvent, "stream.ready").
			Str(xglog.FieldStreamName, sc.Name).
			Uint64(xglog.FieldStreamHandle, uint64(st.Handle())).
			Msg("stream ready")
		streams = append(streams, st)
	}
	return streams, nil
}

func streamInfo(sc config.StreamConfig) engine.StreamInfo {
	return engine.StreamInfo{
		Name:             sc.Name,
		ContentType:      sc.ContentType,
		Retention:        sc.Retention,
		FragmentDuration: sc.FragmentDuration,
		FrameRate:        sc.FrameRate,
		KeyFrameFragment: true,
		AckRequired:      sc.AckRequired,
		Tags:             sc.Tags,
		Tracks:           []engine.TrackInfo{{ID: feederTrackID, Name: "video", CodecID: sc.ContentType}},
	}
}

// watchConfig applies reloaded log levels and reloads on SIGHUP.
func (a *app) watchConfig(ctx context.Context, g *errgroup.Group, holder *config.Holder) {
	if err := holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
	}

	applyCh := make(chan config.AppConfig, 1)
	holder.RegisterListener(applyCh)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg := <-applyCh:
				xglog.SetLevel(cfg.Log.Level)
			}
		}
	})

	if a.reloadSignal == nil {
		return
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, a.reloadSignal)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				a.logger.Info().
					Str(xglog.FieldEvent, "config.reload_signal").
					Str("signal", a.reloadSignal.String()).
					Msg("received reload signal, reloading config")
				if err := holder.Reload(ctx); err != nil {
					a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("config reload failed")
				}
			}
		}
	})
}

// shutdown stops the streams so buffered media is flushed, frees the engine
// resources and then stops the outer components.
func (a *app) shutdown(holder *config.Holder) error {
	timeout := a.cfg.Timeouts.Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.logger.Info().
		Str(xglog.FieldEvent, "shutdown.start").
		Dur(xglog.FieldDuration, timeout).
		Msg("shutting down")

	var errs []error
	for _, st := range a.client.Streams() {
		stopCtx, stopCancel := context.WithTimeout(ctx, a.cfg.Timeouts.Stop)
		if err := st.StopStreamSync(stopCtx); err != nil {
			a.logger.Warn().
				Err(err).
				Str(xglog.FieldEvent, "shutdown.stream_stop_failed").
				Str(xglog.FieldStreamName, st.Name()).
				Msg("stream did not stop cleanly")
		}
		stopCancel()
	}
	if a.client.IsInitialized() {
		if err := a.client.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free client: %w", err))
		}
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	a.engine.Close()
	if holder != nil {
		holder.Stop()
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
