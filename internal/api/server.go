// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api serves the admin HTTP surface: health, metrics and stream control.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/api/middleware"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/producer"
	"github.com/ManuGH/ingestbridge/internal/resilience"
)

// Producer is the part of the producer client the API reads and controls.
type Producer interface {
	IsReady() bool
	Streams() []*producer.StreamSession
}

// BreakerReporter exposes the state of the service call breaker.
type BreakerReporter interface {
	BreakerState() resilience.State
}

type Config struct {
	Version        string
	RateLimit      int
	TracingService string
}

type Server struct {
	cfg      Config
	producer Producer
	breaker  BreakerReporter
	logger   zerolog.Logger
	router   chi.Router
}

// New builds the router. breaker may be nil.
func New(cfg Config, p Producer, breaker BreakerReporter) *Server {
	s := &Server{
		cfg:      cfg,
		producer: p,
		breaker:  breaker,
		logger:   xglog.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:  true,
		EnableLogging:  true,
		TracingService: s.cfg.TracingService,
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(middleware.RateLimitConfig{RequestLimit: s.cfg.RateLimit, WindowSize: time.Minute}))
		}
		r.Get("/streams", s.handleListStreams)
		r.Get("/streams/{name}", s.handleGetStream)
		r.Post("/streams/{name}/stop", s.handleStopStream)
		r.Post("/streams/{name}/reset", s.handleResetStream)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind string, err error) {
	body := map[string]string{"error": kind}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, code, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

type readiness struct {
	Ready   bool   `json:"ready"`
	Client  bool   `json:"client"`
	Breaker string `json:"breaker,omitempty"`
	Streams int    `json:"streams"`
}

// handleReady reports ready once the client is ready and the backend breaker
// is not open.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	rd := readiness{Client: s.producer.IsReady(), Streams: len(s.producer.Streams())}
	rd.Ready = rd.Client
	if s.breaker != nil {
		state := s.breaker.BreakerState()
		rd.Breaker = string(state)
		if state == resilience.StateOpen {
			rd.Ready = false
		}
	}
	code := http.StatusOK
	if !rd.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rd)
}

type streamMetricsView struct {
	CurrentViewDurationMs int64   `json:"currentViewDurationMs"`
	OverallViewDurationMs int64   `json:"overallViewDurationMs"`
	CurrentViewSize       uint64  `json:"currentViewSize"`
	OverallViewSize       uint64  `json:"overallViewSize"`
	CurrentFrameRate      float64 `json:"currentFrameRate"`
	CurrentTransferRate   uint64  `json:"currentTransferRate"`
}

type streamView struct {
	Name         string            `json:"name"`
	Handle       uint64            `json:"handle"`
	State        string            `json:"state"`
	ContentType  string            `json:"contentType"`
	OpenChannels int               `json:"openChannels"`
	Metrics      streamMetricsView `json:"metrics"`
}

func viewOf(st *producer.StreamSession) streamView {
	m := st.Metrics()
	return streamView{
		Name:         st.Name(),
		Handle:       uint64(st.Handle()),
		State:        string(st.State()),
		ContentType:  st.Info().ContentType,
		OpenChannels: st.OpenChannels(),
		Metrics: streamMetricsView{
			CurrentViewDurationMs: m.CurrentViewDuration.Milliseconds(),
			OverallViewDurationMs: m.OverallViewDuration.Milliseconds(),
			CurrentViewSize:       m.CurrentViewSize,
			OverallViewSize:       m.OverallViewSize,
			CurrentFrameRate:      m.CurrentFrameRate,
			CurrentTransferRate:   m.CurrentTransferRate,
		},
	}
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.producer.Streams()
	out := make([]streamView, 0, len(streams))
	for _, st := range streams {
		out = append(out, viewOf(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": out})
}

func (s *Server) findStream(name string) *producer.StreamSession {
	for _, st := range s.producer.Streams() {
		if st.Name() == name {
			return st
		}
	}
	return nil
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st := s.findStream(chi.URLParam(r, "name"))
	if st == nil {
		writeError(w, http.StatusNotFound, "stream_not_found", nil)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop", (*producer.StreamSession).StopStream)
}

func (s *Server) handleResetStream(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "reset", (*producer.StreamSession).ResetConnection)
}

// control runs op against the named stream. Stopping and resetting are
// asynchronous; the response only confirms the engine accepted the request.
func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, op func(*producer.StreamSession) error) {
	name := chi.URLParam(r, "name")
	st := s.findStream(name)
	if st == nil {
		writeError(w, http.StatusNotFound, "stream_not_found", nil)
		return
	}

	logger := xglog.WithContext(r.Context(), s.logger)
	if err := op(st); err != nil {
		code, kind := http.StatusInternalServerError, "engine_error"
		switch {
		case errors.Is(err, producer.ErrInvalidState):
			code, kind = http.StatusConflict, "invalid_state"
		case errors.Is(err, producer.ErrPrecondition):
			code, kind = http.StatusConflict, "precondition_failed"
		}
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "api.stream_"+action+"_failed").
			Str(xglog.FieldStreamName, name).
			Msg("stream control request failed")
		writeError(w, code, kind, err)
		return
	}

	logger.Info().
		Str(xglog.FieldEvent, "api.stream_"+action).
		Str(xglog.FieldStreamName, name).
		Msg("stream control request accepted")
	writeJSON(w, http.StatusAccepted, viewOf(st))
}
