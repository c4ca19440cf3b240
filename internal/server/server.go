// Package server provides the HTTP control API and the WebSocket status push.
package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/streaming"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// Recorder is the capture session as seen by the API.
type Recorder interface {
	Start(monitor bool) error
	Stop() error
	Status() types.SessionStatus
	Level() (level, levelDB float64)
	SetMonitoring(on bool) error
	SetMonitorVolume(v float64)
	MonitorVolume() float64
}

// Streams controls the live streaming sinks.
type Streams interface {
	Start(kind types.SinkKind, p streaming.Params) bool
	Stop(kind types.SinkKind) error
	Active(kind types.SinkKind) bool
	Statuses() map[types.SinkKind]types.StreamStatus
	FFmpegAvailable() bool
}

// DeviceLister enumerates audio devices.
type DeviceLister interface {
	Name() string
	Enumerate() ([]device.Info, error)
}

// Notifier sends test notifications.
type Notifier interface {
	Test(ch notify.Channel) error
}

// Deps are the collaborators the server exposes.
type Deps struct {
	Config   *config.Config
	Recorder Recorder
	Streams  Streams
	Devices  DeviceLister
	Notifier Notifier
	Version  func() types.VersionInfo // optional
}

// Server serves the control API.
type Server struct {
	config   *config.Config
	recorder Recorder
	streams  Streams
	devices  DeviceLister
	notifier Notifier
	version  func() types.VersionInfo
}

// New returns a Server for deps.
func New(deps Deps) *Server {
	version := deps.Version
	if version == nil {
		version = func() types.VersionInfo { return types.VersionInfo{} }
	}
	return &Server{
		config:   deps.Config,
		recorder: deps.Recorder,
		streams:  deps.Streams,
		devices:  deps.Devices,
		notifier: deps.Notifier,
		version:  version,
	}
}

// Handler returns an [http.Handler] with all application routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("POST /api/monitor", s.handleMonitor)
	mux.HandleFunc("POST /api/streams/{kind}/start", s.handleStreamStart)
	mux.HandleFunc("POST /api/streams/{kind}/stop", s.handleStreamStop)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/notifications/test", s.handleNotificationTest)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return securityHeaders(s.apiKeyAuth(mux))
}

// Start begins serving on the configured port.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth requires the X-API-Key header when an API key is configured.
// Browsers cannot set headers on a WebSocket handshake, so /ws also accepts
// the key as the api_key query parameter.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.Snapshot().APIKey
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-API-Key")
		if provided == "" && r.URL.Path == "/ws" {
			provided = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
