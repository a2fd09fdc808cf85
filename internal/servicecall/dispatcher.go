// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package servicecall executes the out-of-band service calls the engine asks
// for and reports their outcome back through the producer client.
package servicecall

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
	"github.com/ManuGH/ingestbridge/internal/producer"
	"github.com/ManuGH/ingestbridge/internal/resilience"
	"github.com/ManuGH/ingestbridge/internal/telemetry"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxConcurrent = 16
)

type Options struct {
	Backend Backend
	Logger  *zerolog.Logger
	Tracer  trace.Tracer

	// Timeout bounds a call whose context carries none.
	Timeout time.Duration
	// RateLimit caps outbound calls per second. Zero disables limiting.
	RateLimit     rate.Limit
	Burst         int
	MaxConcurrent int64

	BreakerThreshold int
	BreakerReset     time.Duration
}

// Dispatcher implements producer.ServiceCallbacks on top of a Backend. Each
// request is acknowledged immediately and executed on a tracked goroutine.
type Dispatcher struct {
	backend Backend
	logger  zerolog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	sem     *semaphore.Weighted
	tokens  singleflight.Group
	workers workerGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	host producer.ServiceHost

	nextUpload atomic.Int64
}

var _ producer.ServiceCallbacks = (*Dispatcher)(nil)

func New(opts Options) (*Dispatcher, error) {
	if opts.Backend == nil {
		return nil, errors.New("servicecall: backend is required")
	}
	logger := xglog.WithComponent("servicecall")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer("ingestbridge/servicecall")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		backend: opts.Backend,
		logger:  logger,
		tracer:  opts.Tracer,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: resilience.NewCircuitBreaker("servicecall_"+opts.Backend.Name(), opts.BreakerThreshold, opts.BreakerReset,
			resilience.WithFailureFilter(countsAsFailure),
			resilience.WithLogger(logger)),
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Bind attaches the client results are reported to.
func (d *Dispatcher) Bind(host producer.ServiceHost) {
	d.mu.Lock()
	d.host = host
	d.mu.Unlock()
}

func (d *Dispatcher) boundHost() producer.ServiceHost {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.host
}

// BreakerState exposes the backend breaker for health reporting.
func (d *Dispatcher) BreakerState() resilience.State { return d.breaker.State() }

// Close cancels in-flight calls and uploads and waits for their goroutines.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.cancel()
	return d.workers.CloseAndWait(ctx)
}

// runFunc executes a call and reports its result. callErr is the backend
// outcome, reportErr the error the host returned for the result.
type runFunc func(ctx context.Context, host producer.ServiceHost) (callErr, reportErr error)

func (d *Dispatcher) spawn(call string, sc engine.ServiceCallContext, attrs []attribute.KeyValue, run runFunc) error {
	host := d.boundHost()
	if host == nil {
		return ErrNotBound
	}
	requestID := uuid.NewString()
	started := time.Now()
	metrics.ServiceCallStarted()

	ok := d.workers.Go(func() {
		d.execute(call, requestID, started, sc, attrs, host, run)
	})
	if !ok {
		metrics.ServiceCallFinished(call, int(engine.ServiceStatusServiceUnavailable), time.Since(started))
		return ErrClosed
	}
	return nil
}

func (d *Dispatcher) execute(call, requestID string, started time.Time, sc engine.ServiceCallContext,
	attrs []attribute.KeyValue, host producer.ServiceHost, run runFunc) {
	ctx := xglog.ContextWithRequestID(d.ctx, requestID)
	ctx, span := d.tracer.Start(ctx, "servicecall."+call,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.ServiceCallAttributes(call, d.backend.Name(), requestID, uint64(sc.Custom))...),
		trace.WithAttributes(attrs...))

	logger := xglog.WithContext(ctx, d.logger).With().
		Str(xglog.FieldServiceCall, call).
		Uint64(xglog.FieldStreamHandle, uint64(sc.Custom)).
		Logger()

	if err := sleepUntil(ctx, sc.CallAfter); err != nil {
		logger.Debug().Err(err).Msg("service call canceled before its start time")
	}

	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callErr, reportErr := run(callCtx, host)
	status := StatusOf(callErr)
	telemetry.EndSpan(span, int(status), callErr)
	metrics.ServiceCallFinished(call, int(status), time.Since(started))

	ev := logger.Debug()
	if callErr != nil {
		ev = logger.Warn().Err(callErr)
	}
	ev.Str(xglog.FieldEvent, "servicecall.finished").
		Int(xglog.FieldStatus, int(status)).
		Dur(xglog.FieldDuration, time.Since(started)).
		Msg("service call finished")

	if reportErr != nil {
		logger.Warn().Err(reportErr).
			Str(xglog.FieldEvent, "servicecall.report_failed").
			Msg("engine rejected service call result")
	}
}

// sleepUntil returns once t has passed or ctx ends.
func sleepUntil(ctx context.Context, t time.Time) error {
	wait := time.Until(t)
	if t.IsZero() || wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit applies the rate limit and refuses calls while the breaker is open.
func (d *Dispatcher) admit(ctx context.Context) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if d.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// invoke runs one backend request under the concurrency cap, the rate limit
// and the breaker.
func (d *Dispatcher) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.breaker.Execute(func() error { return fn(ctx) })
}

func (d *Dispatcher) CreateStream(call engine.CreateStreamCall) error {
	return d.spawn("create_stream", call.Ctx, telemetry.StreamAttributes(call.StreamName, call.DeviceName),
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			var arn string
			err := d.invoke(ctx, func(ctx context.Context) (err error) {
				arn, err = d.backend.CreateStream(ctx, CreateStreamRequest{
					DeviceName:  call.DeviceName,
					StreamName:  call.StreamName,
					ContentType: call.ContentType,
					KMSKeyID:    call.KMSKeyID,
					Retention:   call.Retention,
				})
				return err
			})
			return err, host.CreateStreamResult(call.Ctx.Custom, StatusOf(err), arn)
		})
}

func (d *Dispatcher) DescribeStream(call engine.DescribeStreamCall) error {
	return d.spawn("describe_stream", call.Ctx, telemetry.StreamAttributes(call.StreamName, ""),
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			var desc *engine.StreamDescription
			err := d.invoke(ctx, func(ctx context.Context) (err error) {
				desc, err = d.backend.DescribeStream(ctx, call.StreamName)
				return err
			})
			return err, host.DescribeStreamResult(call.Ctx.Custom, StatusOf(err), desc)
		})
}

func (d *Dispatcher) GetStreamingEndpoint(call engine.GetStreamingEndpointCall) error {
	return d.spawn("get_streaming_endpoint", call.Ctx, telemetry.StreamAttributes(call.StreamName, ""),
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			var endpoint string
			err := d.invoke(ctx, func(ctx context.Context) (err error) {
				endpoint, err = d.backend.GetStreamingEndpoint(ctx, call.StreamName, call.APIName)
				return err
			})
			return err, host.GetStreamingEndpointResult(call.Ctx.Custom, StatusOf(err), endpoint)
		})
}

// GetStreamingToken collapses concurrent token requests for the same stream
// into one backend call.
func (d *Dispatcher) GetStreamingToken(call engine.GetStreamingTokenCall) error {
	return d.spawn("get_streaming_token", call.Ctx, telemetry.StreamAttributes(call.StreamName, ""),
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			cred, err := d.sharedCredential(ctx, "stream/"+call.StreamName, func(ctx context.Context) (engine.Credential, error) {
				return d.backend.GetStreamingToken(ctx, call.StreamName)
			})
			return err, host.GetStreamingTokenResult(call.Ctx.Custom, StatusOf(err), cred)
		})
}

func (d *Dispatcher) TagResource(call engine.TagResourceCall) error {
	attrs := []attribute.KeyValue{attribute.String(telemetry.ResourceARNKey, call.ResourceARN)}
	return d.spawn("tag_resource", call.Ctx, attrs,
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			err := d.invoke(ctx, func(ctx context.Context) error {
				return d.backend.TagResource(ctx, call.ResourceARN, call.Tags)
			})
			return err, host.TagResourceResult(call.Ctx.Custom, StatusOf(err))
		})
}

func (d *Dispatcher) CreateDevice(call engine.CreateDeviceCall) error {
	return d.spawn("create_device", call.Ctx, telemetry.StreamAttributes("", call.DeviceName),
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			var arn string
			err := d.invoke(ctx, func(ctx context.Context) (err error) {
				arn, err = d.backend.CreateDevice(ctx, call.DeviceName)
				return err
			})
			return err, host.CreateDeviceResult(call.Ctx.Custom, StatusOf(err), arn)
		})
}

func (d *Dispatcher) DeviceCertToToken(call engine.DeviceCertToTokenCall) error {
	return d.spawn("device_cert_to_token", call.Ctx, telemetry.StreamAttributes("", call.DeviceName),
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			cred, err := d.sharedCredential(ctx, "device/"+call.DeviceName, func(ctx context.Context) (engine.Credential, error) {
				return d.backend.DeviceCertToToken(ctx, call.DeviceName)
			})
			return err, host.DeviceCertToTokenResult(call.Ctx.Custom, StatusOf(err), cred)
		})
}

func (d *Dispatcher) sharedCredential(ctx context.Context, key string, fetch func(context.Context) (engine.Credential, error)) (engine.Credential, error) {
	v, err, shared := d.tokens.Do(key, func() (any, error) {
		var cred engine.Credential
		err := d.invoke(ctx, func(ctx context.Context) (err error) {
			cred, err = fetch(ctx)
			return err
		})
		return cred, err
	})
	if shared {
		d.logger.Debug().Str("key", key).Msg("credential request shared")
	}
	cred, _ := v.(engine.Credential)
	return cred, err
}

// PutStream opens a new upload: the result is reported first so the engine
// knows the upload handle, then the stream's data channel is piped into the
// backend on a separate tracked goroutine.
func (d *Dispatcher) PutStream(call engine.PutStreamCall) error {
	attrs := append(telemetry.StreamAttributes(call.StreamName, ""),
		attribute.String(telemetry.ContainerTypeKey, call.ContainerType))
	return d.spawn("put_stream", call.Ctx, attrs,
		func(ctx context.Context, host producer.ServiceHost) (error, error) {
			if err := d.admit(ctx); err != nil {
				return err, host.PutStreamResult(call.Ctx.Custom, StatusOf(err), engine.InvalidUploadHandle)
			}

			upload := engine.UploadHandle(d.nextUpload.Add(1) - 1)
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int64(telemetry.UploadHandleKey, int64(upload)))
			if err := host.PutStreamResult(call.Ctx.Custom, engine.ServiceStatusOK, upload); err != nil {
				return nil, err
			}

			session, err := host.StreamByHandle(call.Ctx.Custom)
			if err != nil {
				return err, nil
			}
			ch, err := session.GetDataStream(upload)
			if err != nil {
				_ = session.StreamTerminated(upload, StatusOf(err))
				return err, nil
			}
			if ch.Closed() {
				d.logger.Debug().
					Str(xglog.FieldStreamName, call.StreamName).
					Int64(xglog.FieldUploadHandle, int64(upload)).
					Msg("upload ended before its media pump started")
				return nil, nil
			}

			req := PutMediaRequest{
				StreamName:     call.StreamName,
				ContainerType:  call.ContainerType,
				Endpoint:       call.Endpoint,
				StartTimestamp: call.StartTimestamp,
				AbsoluteTimes:  call.AbsoluteTimes,
				AckRequired:    call.AckRequired,
			}
			// The upload outlives the call timeout but stays a child of its trace.
			pumpCtx := trace.ContextWithSpanContext(d.ctx, trace.SpanContextFromContext(ctx))
			pumpCtx = xglog.ContextWithStream(xglog.ContextWithRequestID(pumpCtx, xglog.RequestIDFromContext(ctx)), call.StreamName)
			if !d.workers.Go(func() { d.pump(pumpCtx, session, ch, req) }) {
				_ = ch.Close()
				_ = session.StreamTerminated(upload, engine.ServiceStatusServiceUnavailable)
				return ErrClosed, nil
			}
			return nil, nil
		})
}

func (d *Dispatcher) pump(ctx context.Context, s *producer.StreamSession, ch *producer.DataChannel, req PutMediaRequest) {
	defer func() { _ = ch.Close() }()

	upload := ch.Upload()
	logger := d.logger.With().
		Str(xglog.FieldStreamName, req.StreamName).
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Logger()
	ctx, span := d.tracer.Start(ctx, "servicecall.put_media",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.StreamAttributes(req.StreamName, "")...),
		trace.WithAttributes(attribute.Int64(telemetry.UploadHandleKey, int64(upload))))

	media := &countingReader{r: ch, stream: req.StreamName}
	acks := 0
	err := d.backend.PutMedia(ctx, req, media, func(ack string) {
		acks++
		if perr := s.ParseFragmentAck(upload, ack); perr != nil {
			logger.Warn().Err(perr).Str(xglog.FieldEvent, "servicecall.ack_rejected").Msg("fragment ack rejected")
		}
	})

	span.SetAttributes(
		attribute.Int64(telemetry.UploadedBytesKey, media.n),
		attribute.Int(telemetry.AcknowledgedKey, acks))
	status := StatusOf(err)
	telemetry.EndSpan(span, int(status), err)

	if err == nil {
		logger.Info().
			Str(xglog.FieldEvent, "servicecall.upload_finished").
			Int64(xglog.FieldBytes, media.n).
			Int("acks", acks).
			Msg("upload finished")
		return
	}
	if d.ctx.Err() != nil {
		logger.Debug().Err(err).Msg("upload interrupted by shutdown")
		return
	}
	logger.Warn().Err(err).
		Str(xglog.FieldEvent, "servicecall.upload_failed").
		Int(xglog.FieldStatus, int(status)).
		Msg("upload failed, terminating connection")
	if terr := s.StreamTerminated(upload, status); terr != nil {
		logger.Debug().Err(terr).Msg("stream terminated not accepted")
	}
}

type countingReader struct {
	r      io.Reader
	stream string
	n      int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	metrics.AddUploadBytes(c.stream, n)
	return n, err
}
