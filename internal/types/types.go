// Package types provides shared type definitions used across the recorder.
package types

import (
	"time"
)

// SessionState represents the current state of a capture session.
type SessionState string

const (
	// StateStopped indicates no capture session is active.
	StateStopped SessionState = "stopped"
	// StateOpening indicates the input device is being opened.
	StateOpening SessionState = "opening"
	// StateRecording indicates audio is being written to segments.
	StateRecording SessionState = "recording"
	// StateRotating indicates the current segment is being closed and the next opened.
	StateRotating SessionState = "rotating"
	// StateStalling indicates the input device stopped delivering data.
	StateStalling SessionState = "stalling"
	// StatePaused indicates the daily segment cap was reached.
	StatePaused SessionState = "paused"
	// StateStopping indicates the session is shutting down.
	StateStopping SessionState = "stopping"
)

// SinkKind identifies a live streaming destination type.
type SinkKind string

// Supported sink kinds.
const (
	SinkRTMP    SinkKind = "rtmp"
	SinkIcecast SinkKind = "icecast"
)

// SinkKinds lists all supported sink kinds in a stable order.
var SinkKinds = []SinkKind{SinkRTMP, SinkIcecast}

// Valid reports whether k is a known sink kind.
func (k SinkKind) Valid() bool {
	switch k {
	case SinkRTMP, SinkIcecast:
		return true
	}
	return false
}

// Engine timing defaults.
const (
	// WatchdogInterval is the interval between last-arrival checks.
	WatchdogInterval = 2 * time.Second
	// StallThreshold is the age of the last buffer after which capture is considered stalled.
	StallThreshold = 10 * time.Second
	// PopTimeout is the maximum time the recording loop waits for one buffer.
	PopTimeout = 2 * time.Second
	// OpenTimeout bounds a single device open call.
	OpenTimeout = 15 * time.Second
	// MaxRestartAttempts is the number of failed reopens after which a session stops.
	MaxRestartAttempts = 5
	// LoopJoinTimeout is how long Stop waits for the recording loop.
	LoopJoinTimeout = 10 * time.Second
	// WatchdogJoinTimeout is how long Stop waits for the watchdog.
	WatchdogJoinTimeout = 5 * time.Second
	// DailyCapPoll is the poll interval while the daily segment cap is reached.
	DailyCapPoll = 60 * time.Second
)

// Queue capacities.
const (
	// CaptureQueueSize is the capacity of the capture buffer in buffers.
	CaptureQueueSize = 2000
	// SinkQueueSize is the capacity of each sink queue in buffers.
	SinkQueueSize = 2000
)

const (
	// SinkStopTimeout is the time a sink process gets to exit after stdin is closed.
	SinkStopTimeout = 5 * time.Second
	// SinkKillTimeout is the time to wait after a forced kill.
	SinkKillTimeout = 2 * time.Second
	// MaxStderrExcerpt is the number of stderr characters included in exit reports.
	MaxStderrExcerpt = 300
)

// Audio defaults.
const (
	// DefaultSampleRate is the capture sample rate in Hz.
	DefaultSampleRate = 44100
	// DefaultChannels is the capture channel count.
	DefaultChannels = 1
	// DefaultFramesPerBuffer is the number of frames per device callback.
	DefaultFramesPerBuffer = 1024
	// BytesPerSample is the width of one S16LE sample.
	BytesPerSample = 2
	// MaxMonitorVolume is the upper bound of the monitor gain.
	MaxMonitorVolume = 1.5
)

// Recording defaults.
const (
	// DefaultSegmentMinutes is the segment length.
	DefaultSegmentMinutes = 15
	// DefaultMaxSegmentsPerDay is the daily segment cap.
	DefaultMaxSegmentsPerDay = 96
)

// SessionStatus is a point-in-time snapshot of a capture session.
type SessionStatus struct {
	SessionID       string       `json:"session_id,omitempty"`
	State           SessionState `json:"state"`
	Backend         string       `json:"backend"`
	IsRecording     bool         `json:"is_recording"`
	IsMonitoring    bool         `json:"is_monitoring"`
	MonitorVolume   float64      `json:"monitor_volume"`
	SegmentIndex    int          `json:"segment_index"`
	SegmentStart    *time.Time   `json:"segment_start,omitempty"`
	SegmentPath     string       `json:"segment_path,omitempty"`
	SegmentFrames   int64        `json:"segment_frames"`
	StallCount      int64        `json:"stall_count"`
	RestartAttempts int64        `json:"restart_attempts"`
	TotalFrames     int64        `json:"total_frames"`
	TotalBytes      int64        `json:"total_bytes"`
	DroppedBuffers  uint64       `json:"dropped_buffers"`
	Level           float64      `json:"level"`
	LevelDB         float64      `json:"level_db"`
	LastDataAge     float64      `json:"last_data_age_seconds"`
	Uptime          string       `json:"uptime,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// StreamStatus contains runtime status for one streaming sink.
type StreamStatus struct {
	Kind      SinkKind   `json:"kind"`
	Active    bool       `json:"active"`
	Target    string     `json:"target,omitempty"`
	Bitrate   int        `json:"bitrate,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Dropped   uint64     `json:"dropped"`
	Error     string     `json:"error,omitempty"`
}

// SegmentInfo describes a closed recording segment.
type SegmentInfo struct {
	Path   string    `json:"path"`
	Index  int       `json:"index"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Frames int64     `json:"frames"`
	Bytes  int64     `json:"bytes"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string   `json:"current"`
	Latest      string   `json:"latest,omitempty"`
	UpdateAvail bool     `json:"update_available"`
	Commit      string   `json:"commit,omitempty"`
	BuildTime   string   `json:"build_time,omitempty"`
	Backends    []string `json:"backends"` // audio backends compiled into this build
}

// GraphConfig holds Microsoft Graph credentials for e-mail notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	FromAddress  string `json:"from_address"`
	Recipients   string `json:"recipients"` // comma-separated
}

// ZabbixConfig holds the Zabbix trapper target for notifications.
type ZabbixConfig struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
	Host   string `json:"host"`
	Key    string `json:"key"`
}
