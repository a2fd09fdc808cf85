// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sim

import (
	"time"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
)

type phase int

const (
	phaseDescribe phase = iota
	phaseCreate
	phaseEndpoint
	phaseToken
	phaseReady
	phaseStopping
	phaseStopped
)

var phaseNames = [...]string{"describe", "create", "endpoint", "token", "ready", "stopping", "stopped"}

func (p phase) String() string { return phaseNames[p] }

type simUpload struct {
	buf []byte
	eos bool
}

type simStream struct {
	handle    engine.Handle
	client    engine.Handle
	device    string
	info      engine.StreamInfo
	callbacks engine.Callbacks

	phase      phase
	arn        string
	endpoint   string
	token      engine.Credential
	putPending bool

	// pending holds frames produced while no upload is open.
	pending []byte
	upload  engine.UploadHandle
	uploads map[engine.UploadHandle]*simUpload
	ended   map[engine.UploadHandle]bool

	metadata map[string]string
	formats  map[uint64][]byte

	lastPTS       time.Duration
	lastPersisted time.Duration
	lastAck       time.Time
	staleReported bool
	underflow     bool

	totalBytes uint64
	sentBytes  uint64
	frames     uint64
	dropped    uint64
}

func (st *simStream) buffered() int {
	n := len(st.pending)
	for _, u := range st.uploads {
		n += len(u.buf)
	}
	return n
}

func (e *Engine) CreateStream(client engine.Handle, info engine.StreamInfo) (engine.Handle, error) {
	if err := info.Validate(); err != nil {
		return engine.InvalidHandle, engine.NewStatusError("create stream", engine.StatusInvalidArg)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[client]
	if !ok {
		return engine.InvalidHandle, engine.NewStatusError("create stream", engine.StatusInvalidHandle)
	}
	e.next++
	h := engine.Handle(e.next)
	st := &simStream{
		handle:    h,
		client:    client,
		device:    c.device.Name,
		info:      info,
		callbacks: c.callbacks,
		upload:    engine.InvalidUploadHandle,
		uploads:   make(map[engine.UploadHandle]*simUpload),
		ended:     make(map[engine.UploadHandle]bool),
		metadata:  make(map[string]string),
		formats:   make(map[uint64][]byte),
	}
	e.streams[h] = st
	e.request(st, "describe_stream", func(cb engine.Callbacks) error {
		return cb.DescribeStream(engine.DescribeStreamCall{Ctx: e.callContext(h), StreamName: info.Name})
	})
	return h, nil
}

// request queues a service request. A request the application refuses is
// reported as a stream error.
func (e *Engine) request(st *simStream, name string, fn func(engine.Callbacks) error) {
	h := st.handle
	e.deliver(func() {
		if err := fn(st.callbacks); err != nil {
			e.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "sim.request_refused").
				Str(xglog.FieldServiceCall, name).
				Stringer(xglog.FieldStreamHandle, h).
				Msg("service request refused")
			_ = st.callbacks.StreamErrorReport(h, engine.InvalidUploadHandle, 0, engine.StatusServiceCallFailed)
		}
	})
}

func (e *Engine) lookup(op string, h engine.Handle) (*simStream, error) {
	st, ok := e.streams[h]
	if !ok {
		return nil, engine.NewStatusError(op, engine.StatusInvalidHandle)
	}
	return st, nil
}

func (e *Engine) expectPhase(op string, st *simStream, want phase) error {
	if st.phase != want {
		e.logger.Debug().
			Str(xglog.FieldEvent, "sim.unexpected_result").
			Str(xglog.FieldServiceCall, op).
			Stringer(xglog.FieldStreamHandle, st.handle).
			Str("phase", st.phase.String()).
			Msg("result does not match stream phase")
		return engine.NewStatusError(op, engine.StatusInvalidState)
	}
	return nil
}

// serviceFailed reports a failed control-plane step; the stream stays where it
// is until the application resets or frees it.
func (e *Engine) serviceFailed(st *simStream, op string, status engine.ServiceStatus) {
	e.logger.Warn().
		Str(xglog.FieldEvent, "sim.service_failed").
		Str(xglog.FieldServiceCall, op).
		Stringer(xglog.FieldStreamHandle, st.handle).
		Int(xglog.FieldStatus, int(status)).
		Msg("service call failed")
	h := st.handle
	e.emit("stream_error_report", st.callbacks, func(cb engine.Callbacks) error {
		return cb.StreamErrorReport(h, engine.InvalidUploadHandle, 0, engine.StatusServiceCallFailed)
	})
}

func (e *Engine) DescribeStreamResult(h engine.Handle, status engine.ServiceStatus, desc *engine.StreamDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("describe stream result", h)
	if err != nil {
		return err
	}
	if err := e.expectPhase("describe stream result", st, phaseDescribe); err != nil {
		return err
	}
	switch {
	case status.OK():
		if desc != nil {
			st.arn = desc.StreamARN
		}
		e.requestEndpointLocked(st)
	case status == engine.ServiceStatusNotFound:
		st.phase = phaseCreate
		info := st.info
		device := st.device
		e.request(st, "create_stream", func(cb engine.Callbacks) error {
			return cb.CreateStream(engine.CreateStreamCall{
				Ctx:         e.callContext(h),
				DeviceName:  device,
				StreamName:  info.Name,
				ContentType: info.ContentType,
				KMSKeyID:    info.KMSKeyID,
				Retention:   info.Retention,
			})
		})
	default:
		e.serviceFailed(st, "describe_stream", status)
	}
	return nil
}

func (e *Engine) CreateStreamResult(h engine.Handle, status engine.ServiceStatus, streamARN string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("create stream result", h)
	if err != nil {
		return err
	}
	if err := e.expectPhase("create stream result", st, phaseCreate); err != nil {
		return err
	}
	if !status.OK() && status != engine.ServiceStatusResourceInUse {
		e.serviceFailed(st, "create_stream", status)
		return nil
	}
	st.arn = streamARN
	if len(st.info.Tags) > 0 {
		tags := make([]engine.Tag, 0, len(st.info.Tags))
		for k, v := range st.info.Tags {
			tags = append(tags, engine.Tag{Key: k, Value: v})
		}
		arn := st.arn
		e.request(st, "tag_resource", func(cb engine.Callbacks) error {
			return cb.TagResource(engine.TagResourceCall{Ctx: e.callContext(h), ResourceARN: arn, Tags: tags})
		})
	}
	e.requestEndpointLocked(st)
	return nil
}

func (e *Engine) requestEndpointLocked(st *simStream) {
	st.phase = phaseEndpoint
	h, name := st.handle, st.info.Name
	e.request(st, "get_streaming_endpoint", func(cb engine.Callbacks) error {
		return cb.GetStreamingEndpoint(engine.GetStreamingEndpointCall{
			Ctx:        e.callContext(h),
			StreamName: name,
			APIName:    "PUT_MEDIA",
		})
	})
}

func (e *Engine) GetStreamingEndpointResult(h engine.Handle, status engine.ServiceStatus, endpoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("get streaming endpoint result", h)
	if err != nil {
		return err
	}
	if err := e.expectPhase("get streaming endpoint result", st, phaseEndpoint); err != nil {
		return err
	}
	if !status.OK() {
		e.serviceFailed(st, "get_streaming_endpoint", status)
		return nil
	}
	st.endpoint = endpoint
	st.phase = phaseToken
	name := st.info.Name
	e.request(st, "get_streaming_token", func(cb engine.Callbacks) error {
		return cb.GetStreamingToken(engine.GetStreamingTokenCall{
			Ctx:        e.callContext(h),
			StreamName: name,
			AccessMode: "WRITE",
		})
	})
	return nil
}

func (e *Engine) GetStreamingTokenResult(h engine.Handle, status engine.ServiceStatus, token engine.Credential) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("get streaming token result", h)
	if err != nil {
		return err
	}
	if err := e.expectPhase("get streaming token result", st, phaseToken); err != nil {
		return err
	}
	if !status.OK() {
		e.serviceFailed(st, "get_streaming_token", status)
		return nil
	}
	st.token = token
	st.phase = phaseReady
	e.emit("stream_ready", st.callbacks, func(cb engine.Callbacks) error { return cb.StreamReady(h) })
	if len(st.pending) > 0 {
		e.requestUploadLocked(st)
	}
	return nil
}

// requestUploadLocked asks the application to open an upload connection.
func (e *Engine) requestUploadLocked(st *simStream) {
	if st.putPending || st.upload != engine.InvalidUploadHandle {
		return
	}
	if st.phase != phaseReady && st.phase != phaseStopping {
		return
	}
	st.putPending = true
	h := st.handle
	call := engine.PutStreamCall{
		Ctx:            e.callContext(h),
		StreamName:     st.info.Name,
		ContainerType:  ContainerType,
		StartTimestamp: st.lastPTS,
		AbsoluteTimes:  st.info.AbsoluteTimes,
		AckRequired:    st.info.AckRequired,
		Endpoint:       st.endpoint,
	}
	call.Ctx.AuthData = st.token.Data
	e.request(st, "put_stream", func(cb engine.Callbacks) error { return cb.PutStream(call) })
}

func (e *Engine) PutStreamResult(h engine.Handle, status engine.ServiceStatus, upload engine.UploadHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("put stream result", h)
	if err != nil {
		return err
	}
	if !st.putPending {
		return engine.NewStatusError("put stream result", engine.StatusInvalidState)
	}
	st.putPending = false
	if !status.OK() {
		e.serviceFailed(st, "put_stream", status)
		return nil
	}
	if upload < 0 || st.uploads[upload] != nil || st.ended[upload] {
		return engine.NewStatusError("put stream result", engine.StatusInvalidArg)
	}
	u := &simUpload{buf: st.pending, eos: st.phase == phaseStopping}
	st.pending = nil
	st.upload = upload
	st.uploads[upload] = u
	st.lastAck = time.Now()
	st.staleReported = false
	e.logger.Debug().
		Str(xglog.FieldEvent, "sim.upload_opened").
		Stringer(xglog.FieldStreamHandle, h).
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Int(xglog.FieldBytes, len(u.buf)).
		Msg("upload opened")
	if len(u.buf) > 0 || u.eos {
		e.dataAvailableLocked(st, upload, u)
	}
	return nil
}

func (e *Engine) dataAvailableLocked(st *simStream, upload engine.UploadHandle, u *simUpload) {
	h := st.handle
	size := uint64(len(u.buf))
	dur := st.lastPTS - st.lastPersisted
	e.emit("stream_data_available", st.callbacks, func(cb engine.Callbacks) error {
		return cb.StreamDataAvailable(h, upload, dur, size)
	})
}

func (e *Engine) PutFrame(h engine.Handle, frame engine.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("put frame", h)
	if err != nil {
		return err
	}
	if st.phase == phaseStopped {
		return engine.NewStatusError("put frame", engine.StatusInvalidState)
	}
	if st.phase == phaseStopping && st.upload != engine.InvalidUploadHandle && st.uploads[st.upload].eos {
		return engine.NewStatusError("put frame", engine.StatusInvalidState)
	}

	size := headerSize + len(frame.Data)
	if st.buffered()+size > e.opts.MaxBuffer {
		st.dropped++
		pts := frame.PresentationTimestamp
		e.emit("dropped_frame_report", st.callbacks, func(cb engine.Callbacks) error {
			return cb.DroppedFrameReport(h, pts)
		})
		return nil
	}

	st.frames++
	st.totalBytes += uint64(size)
	st.lastPTS = frame.PresentationTimestamp
	st.underflow = false

	if st.upload != engine.InvalidUploadHandle {
		u := st.uploads[st.upload]
		u.buf = EncodeFrame(u.buf, frame)
		e.dataAvailableLocked(st, st.upload, u)
	} else {
		st.pending = EncodeFrame(st.pending, frame)
		e.requestUploadLocked(st)
	}

	if st.buffered() > e.opts.MaxBuffer*3/4 {
		dur := st.lastPTS - st.lastPersisted
		e.emit("stream_latency_pressure", st.callbacks, func(cb engine.Callbacks) error {
			return cb.StreamLatencyPressure(h, dur)
		})
	}
	e.checkStaleLocked(st)
	return nil
}

func (e *Engine) checkStaleLocked(st *simStream) {
	if e.opts.StaleAfter <= 0 || !st.info.AckRequired || st.staleReported {
		return
	}
	if st.upload == engine.InvalidUploadHandle {
		return
	}
	since := time.Since(st.lastAck)
	if since < e.opts.StaleAfter {
		return
	}
	st.staleReported = true
	h := st.handle
	e.emit("stream_connection_stale", st.callbacks, func(cb engine.Callbacks) error {
		return cb.StreamConnectionStale(h, since)
	})
}

func (e *Engine) GetStreamData(h engine.Handle, upload engine.UploadHandle, buf []byte) (int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("get stream data", h)
	if err != nil {
		return 0, false, err
	}
	u, ok := st.uploads[upload]
	if !ok {
		if st.ended[upload] {
			return 0, true, nil
		}
		return 0, false, engine.NewStatusError("get stream data", engine.StatusInvalidArg)
	}
	n := copy(buf, u.buf)
	u.buf = u.buf[n:]
	st.sentBytes += uint64(n)

	if n == 0 && !u.eos && !st.underflow && st.phase == phaseReady {
		st.underflow = true
		e.emit("stream_underflow_report", st.callbacks, func(cb engine.Callbacks) error {
			return cb.StreamUnderflowReport(h)
		})
	}

	eos := u.eos && len(u.buf) == 0
	if eos {
		e.endUploadLocked(st, upload)
	}
	return n, eos, nil
}

// endUploadLocked retires upload and reports it closed. A stopping stream
// without uploads is stopped.
func (e *Engine) endUploadLocked(st *simStream, upload engine.UploadHandle) {
	delete(st.uploads, upload)
	st.ended[upload] = true
	if st.upload == upload {
		st.upload = engine.InvalidUploadHandle
	}
	h := st.handle
	e.emit("stream_closed", st.callbacks, func(cb engine.Callbacks) error {
		return cb.StreamClosed(h, upload)
	})
	if st.phase == phaseStopping && len(st.uploads) == 0 && !st.putPending {
		e.stoppedLocked(st)
	}
}

func (e *Engine) stoppedLocked(st *simStream) {
	st.phase = phaseStopped
	st.pending = nil
	h := st.handle
	e.emit("stream_closed", st.callbacks, func(cb engine.Callbacks) error {
		return cb.StreamClosed(h, engine.InvalidUploadHandle)
	})
}

func (e *Engine) StopStream(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("stop stream", h)
	if err != nil {
		return err
	}
	e.stopLocked(st)
	return nil
}

func (e *Engine) stopLocked(st *simStream) {
	switch {
	case st.phase == phaseStopped:
		return
	case st.phase < phaseReady:
		e.stoppedLocked(st)
		return
	}
	st.phase = phaseStopping
	if st.upload != engine.InvalidUploadHandle {
		u := st.uploads[st.upload]
		u.eos = true
		e.dataAvailableLocked(st, st.upload, u)
		return
	}
	if st.putPending {
		// The upload opens already at end-of-stream.
		return
	}
	if len(st.pending) > 0 {
		e.requestUploadLocked(st)
		return
	}
	e.stoppedLocked(st)
}

// StreamTerminated drops an upload connection. Undelivered bytes go back to
// the stream and a new upload is requested while the stream is running.
func (e *Engine) StreamTerminated(h engine.Handle, upload engine.UploadHandle, status engine.ServiceStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("stream terminated", h)
	if err != nil {
		return err
	}
	target := upload
	if target == engine.InvalidUploadHandle {
		target = st.upload
	}
	if u, ok := st.uploads[target]; ok {
		st.pending = append(u.buf, st.pending...)
		u.buf = nil
		e.endUploadLocked(st, target)
	}
	if !status.OK() {
		ts := st.lastPersisted
		e.emit("stream_error_report", st.callbacks, func(cb engine.Callbacks) error {
			return cb.StreamErrorReport(h, target, ts, engine.StatusServiceCallFailed)
		})
	}
	switch st.phase {
	case phaseReady:
		e.requestUploadLocked(st)
	case phaseStopping:
		if len(st.pending) > 0 {
			e.requestUploadLocked(st)
		} else if len(st.uploads) == 0 && !st.putPending {
			e.stoppedLocked(st)
		}
	}
	return nil
}

func (e *Engine) FragmentAck(h engine.Handle, upload engine.UploadHandle, ack engine.FragmentAck) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("fragment ack", h)
	if err != nil {
		return err
	}
	if ack.Type == engine.AckUndefined {
		return engine.NewStatusError("fragment ack", engine.StatusInvalidArg)
	}
	st.lastAck = time.Now()
	st.staleReported = false
	if ack.Type == engine.AckPersisted && ack.Timecode > st.lastPersisted {
		st.lastPersisted = ack.Timecode
	}
	e.emit("fragment_ack_received", st.callbacks, func(cb engine.Callbacks) error {
		return cb.FragmentAckReceived(h, upload, ack)
	})
	if ack.Type == engine.AckError {
		result := ack.Result
		if result == engine.StatusSuccess {
			result = engine.StatusServiceCallFailed
		}
		e.emit("stream_error_report", st.callbacks, func(cb engine.Callbacks) error {
			return cb.StreamErrorReport(h, upload, ack.Timecode, result)
		})
	}
	return nil
}

func (e *Engine) ParseFragmentAck(h engine.Handle, upload engine.UploadHandle, s string) error {
	ack, err := engine.ParseAck(s)
	if err != nil {
		return err
	}
	return e.FragmentAck(h, upload, ack)
}

func (e *Engine) PutFragmentMetadata(h engine.Handle, name, value string, persistent bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("put fragment metadata", h)
	if err != nil {
		return err
	}
	if name == "" {
		return engine.NewStatusError("put fragment metadata", engine.StatusInvalidArg)
	}
	if persistent {
		st.metadata[name] = value
	}
	return nil
}

func (e *Engine) StreamFormatChanged(h engine.Handle, codecPrivateData []byte, trackID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("stream format changed", h)
	if err != nil {
		return err
	}
	if len(st.info.Tracks) > 0 {
		known := false
		for _, t := range st.info.Tracks {
			known = known || t.ID == trackID
		}
		if !known {
			return engine.NewStatusError("stream format changed", engine.StatusInvalidArg)
		}
	}
	st.formats[trackID] = append([]byte(nil), codecPrivateData...)
	return nil
}

func (e *Engine) StreamMetrics(h engine.Handle) (engine.StreamMetrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.lookup("stream metrics", h)
	if err != nil {
		return engine.StreamMetrics{}, err
	}
	return engine.StreamMetrics{
		CurrentViewDuration: st.lastPTS - st.lastPersisted,
		OverallViewDuration: st.lastPTS,
		CurrentViewSize:     uint64(st.buffered()),
		OverallViewSize:     st.totalBytes,
		CurrentFrameRate:    float64(st.info.FrameRate),
		CurrentTransferRate: st.sentBytes,
	}, nil
}

func (e *Engine) FreeStream(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.streams[h]; !ok {
		return engine.NewStatusError("free stream", engine.StatusInvalidHandle)
	}
	delete(e.streams, h)
	return nil
}
