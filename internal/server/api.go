package server

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/engine"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/streaming"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// defaultEventLimit is the page size of GET /api/events without a limit parameter.
const defaultEventLimit = 50

var (
	errUnauthorized   = errors.New("unauthorized")
	errStreamFailed   = errors.New("stream failed to start")
	errFFmpegMissing  = errors.New("ffmpeg not available")
	errInvalidLimit   = errors.New("limit must be a positive integer")
	errInvalidOffset  = errors.New("offset must be a non-negative integer")
	errInvalidFilter  = errors.New("type must be one of: session, stream, silence, storage")
	errDeviceEnumFail = errors.New("device enumeration failed")
)

// devicesResponse is the body of GET /api/devices.
type devicesResponse struct {
	Backend string        `json:"backend"`
	Devices []device.Info `json:"devices"`
}

// eventsResponse is the body of GET /api/events.
type eventsResponse struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// monitorResponse is the body of POST /api/monitor.
type monitorResponse struct {
	Enabled      bool    `json:"enabled"`
	Volume       float64 `json:"volume"`
	IsMonitoring bool    `json:"is_monitoring"`
}

// buildStatus returns the combined session, stream and version status.
func (s *Server) buildStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:            "status",
		FFmpegAvailable: s.streams.FFmpegAvailable(),
		Session:         s.recorder.Status(),
		Streams:         s.streams.Statuses(),
		Version:         s.version(),
	}
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStatus())
}

// handleDevices handles GET /api/devices.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.devices.Enumerate()
	if err != nil {
		slog.Error("failed to enumerate devices", "backend", s.devices.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: %w", errDeviceEnumFail, err))
		return
	}
	if devices == nil {
		devices = []device.Info{}
	}
	writeJSON(w, http.StatusOK, devicesResponse{Backend: s.devices.Name(), Devices: devices})
}

// handleRecordingStart handles POST /api/recording/start.
func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	var req RecordingStartRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	monitor := s.config.Snapshot().MonitorOn
	if req.Monitor != nil {
		monitor = *req.Monitor
	}

	if err := s.recorder.Start(monitor); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.recorder.Status())
}

// handleRecordingStop handles POST /api/recording/stop.
func (s *Server) handleRecordingStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.recorder.Stop(); err != nil {
		slog.Error("error stopping recording", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleMonitor handles POST /api/monitor. The setting is saved even when no
// session is running; it applies to the next session.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var req MonitorRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	enabled := s.config.Snapshot().MonitorOn
	if req.Volume != nil {
		s.recorder.SetMonitorVolume(*req.Volume)
	}
	if req.Enabled != nil {
		enabled = *req.Enabled
		if err := s.recorder.SetMonitoring(enabled); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}

	volume := s.recorder.MonitorVolume()
	if err := s.config.SetMonitor(enabled, volume); err != nil {
		slog.Warn("failed to save monitor settings", "error", err)
	}

	writeJSON(w, http.StatusOK, monitorResponse{
		Enabled:      enabled,
		Volume:       volume,
		IsMonitoring: s.recorder.Status().IsMonitoring,
	})
}

// handleStreamStart handles POST /api/streams/{kind}/start. Without a body the
// configured destination is used and the sink is marked enabled in the config.
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := sinkKind(w, r)
	if !ok {
		return
	}

	var req StreamStartRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	p := s.configuredParams(kind)
	persist := req.empty()
	if !persist {
		p = mergeParams(p, &req)
	}
	p = p.WithDefaults(kind)

	if err := p.Validate(kind); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.streams.FFmpegAvailable() {
		writeError(w, http.StatusServiceUnavailable, errFFmpegMissing)
		return
	}
	if s.streams.Active(kind) {
		writeError(w, http.StatusConflict, fmt.Errorf("%s: %w", kind, streaming.ErrSinkActive))
		return
	}

	if !s.streams.Start(kind, p) {
		err := errStreamFailed
		if msg := s.streams.Statuses()[kind].Error; msg != "" {
			err = fmt.Errorf("%w: %s", errStreamFailed, msg)
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}

	if persist {
		if err := s.config.SetStreamEnabled(kind, true); err != nil {
			slog.Warn("failed to save stream setting", "kind", kind, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, s.streams.Statuses()[kind])
}

// handleStreamStop handles POST /api/streams/{kind}/stop.
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	kind, ok := sinkKind(w, r)
	if !ok {
		return
	}

	if err := s.streams.Stop(kind); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.config.SetStreamEnabled(kind, false); err != nil {
		slog.Warn("failed to save stream setting", "kind", kind, "error", err)
	}
	writeJSON(w, http.StatusOK, s.streams.Statuses()[kind])
}

// handleEvents handles GET /api/events?limit=N&offset=N&type=FILTER.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errInvalidLimit)
			return
		}
		limit = min(n, eventlog.MaxReadLimit)
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errInvalidOffset)
			return
		}
		offset = n
	}

	filter := eventlog.TypeFilter(q.Get("type"))
	if !filter.Valid() {
		writeError(w, http.StatusBadRequest, errInvalidFilter)
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.config.Snapshot().EventLog, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, HasMore: hasMore})
}

// handleNotificationTest handles POST /api/notifications/test.
func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var req NotificationTestRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.notifier.Test(notify.Channel(req.Channel)); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, notify.ErrNotConfigured) || errors.Is(err, notify.ErrUnknownChannel) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "channel": req.Channel})
}

// sinkKind returns the {kind} path value, writing a 404 when it is unknown.
func sinkKind(w http.ResponseWriter, r *http.Request) (types.SinkKind, bool) {
	kind := types.SinkKind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", streaming.ErrUnknownKind, kind))
		return "", false
	}
	return kind, true
}

func (s *Server) configuredParams(kind types.SinkKind) streaming.Params {
	snap := s.config.Snapshot()
	if kind == types.SinkIcecast {
		return snap.Icecast
	}
	return snap.RTMP
}

// mergeParams overrides the configured destination with the fields set in req.
func mergeParams(p streaming.Params, req *StreamStartRequest) streaming.Params {
	return streaming.Params{
		URL:      cmp.Or(req.URL, p.URL),
		Host:     cmp.Or(req.Host, p.Host),
		Port:     cmp.Or(req.Port, p.Port),
		Mount:    cmp.Or(req.Mount, p.Mount),
		Password: cmp.Or(req.Password, p.Password),
		Bitrate:  cmp.Or(req.Bitrate, p.Bitrate),
	}
}
