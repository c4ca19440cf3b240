// Package config provides application configuration management.
package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/recording"
	"github.com/oszuidwest/zwfm-recorder/internal/streaming"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultStationName       = "ZuidWest FM"
	DefaultLogLevel          = "info"
	DefaultEventLog          = "events.jsonl"
	DefaultWebPort           = 8080
	DefaultDirectory         = "recordings"
	DefaultPrefix            = "radio"
	DefaultMonitorVolume     = 1.0
	DefaultSilenceThreshold  = -40.0
	DefaultSilenceDurationMs = 15000
	DefaultSilenceRecoveryMs = 5000
)

// SystemConfig holds process-level settings that require a restart.
type SystemConfig struct {
	StationName string `json:"station_name" validate:"required,max=64"`
	FFmpegPath  string `json:"ffmpeg_path"` // empty searches PATH
	Backend     string `json:"backend" validate:"omitempty,oneof=auto native portaudio command"`
	LogLevel    string `json:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFile     string `json:"log_file"`
	EventLog    string `json:"event_log"`
}

// WebConfig holds the HTTP server settings.
type WebConfig struct {
	Port   int    `json:"port" validate:"gte=1,lte=65535"`
	APIKey string `json:"api_key"` // empty disables authentication
}

// AudioConfig holds the capture format.
type AudioConfig struct {
	DeviceIndex     *int `json:"device_index"` // null selects the default input
	Channels        int  `json:"channels" validate:"gte=1,lte=2"`
	SampleRate      int  `json:"sample_rate" validate:"gte=8000,lte=192000"`
	FramesPerBuffer int  `json:"frames_per_buffer" validate:"gte=64,lte=16384"`
}

// MonitorConfig holds the local playback settings.
type MonitorConfig struct {
	Enabled     bool    `json:"enabled"`
	DeviceIndex *int    `json:"device_index"`
	Volume      float64 `json:"volume" validate:"gte=0,lte=1.5"`
}

// RecordingConfig holds the segment and retention settings.
type RecordingConfig struct {
	Directory         string             `json:"directory" validate:"required"`
	Prefix            string             `json:"prefix" validate:"required,excludesall=/\\"`
	SegmentMinutes    int                `json:"segment_minutes" validate:"gte=1,lte=1440"`
	MaxSegmentsPerDay int                `json:"max_segments_per_day" validate:"gte=0"`
	RetentionDays     int                `json:"retention_days" validate:"gte=0"`
	S3                recording.S3Config `json:"s3"`
}

// RTMPConfig holds the RTMP sink settings.
type RTMPConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Bitrate int    `json:"bitrate"`
}

// IcecastConfig holds the Icecast sink settings.
type IcecastConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Mount    string `json:"mount"`
	Password string `json:"password"`
	Bitrate  int    `json:"bitrate"`
}

// StreamingConfig holds the sinks started with the daemon.
type StreamingConfig struct {
	RTMP    RTMPConfig    `json:"rtmp"`
	Icecast IcecastConfig `json:"icecast"`
}

// SilenceConfig holds silence detection thresholds and timing parameters.
type SilenceConfig struct {
	Enabled     bool    `json:"enabled"`
	ThresholdDB float64 `json:"threshold_db" validate:"lte=0,gte=-60"`
	DurationMs  int64   `json:"duration_ms" validate:"gte=0"`
	RecoveryMs  int64   `json:"recovery_ms" validate:"gte=0"`
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	WebhookURL string             `json:"webhook_url" validate:"omitempty,url"`
	Graph      types.GraphConfig  `json:"graph"`
	Zabbix     types.ZabbixConfig `json:"zabbix"`
	LogPath    string             `json:"log_path"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Web           WebConfig           `json:"web"`
	Audio         AudioConfig         `json:"audio"`
	Monitor       MonitorConfig       `json:"monitor"`
	Recording     RecordingConfig     `json:"recording"`
	Streaming     StreamingConfig     `json:"streaming"`
	Silence       SilenceConfig       `json:"silence"`
	Notifications NotificationsConfig `json:"notifications"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			StationName: DefaultStationName,
			Backend:     device.Auto,
			LogLevel:    DefaultLogLevel,
			EventLog:    DefaultEventLog,
		},
		Web: WebConfig{Port: DefaultWebPort},
		Audio: AudioConfig{
			Channels:        types.DefaultChannels,
			SampleRate:      types.DefaultSampleRate,
			FramesPerBuffer: types.DefaultFramesPerBuffer,
		},
		Monitor: MonitorConfig{Volume: DefaultMonitorVolume},
		Recording: RecordingConfig{
			Directory:         DefaultDirectory,
			Prefix:            DefaultPrefix,
			SegmentMinutes:    types.DefaultSegmentMinutes,
			MaxSegmentsPerDay: types.DefaultMaxSegmentsPerDay,
		},
		Streaming: StreamingConfig{
			RTMP: RTMPConfig{Bitrate: streaming.DefaultBitrate},
			Icecast: IcecastConfig{
				Host:    streaming.DefaultIcecastHost,
				Port:    streaming.DefaultIcecastPort,
				Mount:   streaming.DefaultIcecastMount,
				Bitrate: streaming.DefaultBitrate,
			},
		},
		Silence: SilenceConfig{
			Enabled:     true,
			ThresholdDB: DefaultSilenceThreshold,
			DurationMs:  DefaultSilenceDurationMs,
			RecoveryMs:  DefaultSilenceRecoveryMs,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()
	return c.validateLocked()
}

// Validate checks all configuration fields.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if err := util.NewValidator().Struct(c); err != nil {
		return util.ToValidationError(err, "")
	}

	if c.Streaming.RTMP.Enabled {
		if err := c.rtmpParams().Validate(types.SinkRTMP); err != nil {
			return fmt.Errorf("streaming: %w", err)
		}
	}
	if c.Streaming.Icecast.Enabled {
		if err := c.icecastParams().Validate(types.SinkIcecast); err != nil {
			return fmt.Errorf("streaming: %w", err)
		}
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.StationName = cmp.Or(c.System.StationName, DefaultStationName)
	c.System.Backend = cmp.Or(c.System.Backend, device.Auto)
	c.System.LogLevel = cmp.Or(c.System.LogLevel, DefaultLogLevel)
	c.System.EventLog = cmp.Or(c.System.EventLog, DefaultEventLog)

	c.Web.Port = cmp.Or(c.Web.Port, DefaultWebPort)

	c.Audio.Channels = cmp.Or(c.Audio.Channels, types.DefaultChannels)
	c.Audio.SampleRate = cmp.Or(c.Audio.SampleRate, types.DefaultSampleRate)
	c.Audio.FramesPerBuffer = cmp.Or(c.Audio.FramesPerBuffer, types.DefaultFramesPerBuffer)

	c.Recording.Directory = cmp.Or(c.Recording.Directory, DefaultDirectory)
	c.Recording.Prefix = cmp.Or(c.Recording.Prefix, DefaultPrefix)
	c.Recording.SegmentMinutes = cmp.Or(c.Recording.SegmentMinutes, types.DefaultSegmentMinutes)

	c.Streaming.RTMP.Bitrate = cmp.Or(c.Streaming.RTMP.Bitrate, streaming.DefaultBitrate)
	ic := &c.Streaming.Icecast
	ic.Host = cmp.Or(ic.Host, streaming.DefaultIcecastHost)
	ic.Port = cmp.Or(ic.Port, streaming.DefaultIcecastPort)
	ic.Mount = cmp.Or(ic.Mount, streaming.DefaultIcecastMount)
	ic.Bitrate = cmp.Or(ic.Bitrate, streaming.DefaultBitrate)

	c.Silence.ThresholdDB = cmp.Or(c.Silence.ThresholdDB, DefaultSilenceThreshold)
	c.Silence.DurationMs = cmp.Or(c.Silence.DurationMs, DefaultSilenceDurationMs)
	c.Silence.RecoveryMs = cmp.Or(c.Silence.RecoveryMs, DefaultSilenceRecoveryMs)
}

// Save persists the configuration.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	if dir := filepath.Dir(c.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return util.WrapError("create config directory", err)
		}
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}
	return nil
}

// Path returns the configuration file path.
func (c *Config) Path() string {
	return c.filePath
}

// --- Setters for runtime changes ---

// SetMonitor updates the monitor settings and saves the configuration.
func (c *Config) SetMonitor(enabled bool, volume float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Monitor.Enabled = enabled
	c.Monitor.Volume = min(max(volume, 0), types.MaxMonitorVolume)
	return c.saveLocked()
}

// SetStreamEnabled records whether kind starts with the daemon and saves the configuration.
func (c *Config) SetStreamEnabled(kind types.SinkKind, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case types.SinkRTMP:
		c.Streaming.RTMP.Enabled = enabled
	case types.SinkIcecast:
		c.Streaming.Icecast.Enabled = enabled
	default:
		return streaming.ErrUnknownKind
	}
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values, converted to the
// settings types of the packages that consume them.
type Snapshot struct {
	StationName string
	FFmpegPath  string
	Backend     string
	LogLevel    string
	LogFile     string
	EventLog    string

	WebPort int
	APIKey  string

	Audio         device.StreamConfig
	MonitorOn     bool
	MonitorDevice *int
	MonitorVolume float64

	Directory         string
	Prefix            string
	SegmentDuration   time.Duration
	MaxSegmentsPerDay int
	RetentionDays     int
	S3                recording.S3Config

	RTMPEnabled    bool
	RTMP           streaming.Params
	IcecastEnabled bool
	Icecast        streaming.Params

	Silence audio.SilenceConfig
	Notify  notify.Config
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	silence := audio.SilenceConfig{}
	if c.Silence.Enabled {
		silence = audio.SilenceConfig{
			ThresholdDB: c.Silence.ThresholdDB,
			Duration:    time.Duration(c.Silence.DurationMs) * time.Millisecond,
			Recovery:    time.Duration(c.Silence.RecoveryMs) * time.Millisecond,
		}
	}

	return Snapshot{
		StationName: c.System.StationName,
		FFmpegPath:  c.System.FFmpegPath,
		Backend:     c.System.Backend,
		LogLevel:    c.System.LogLevel,
		LogFile:     c.System.LogFile,
		EventLog:    c.System.EventLog,

		WebPort: c.Web.Port,
		APIKey:  c.Web.APIKey,

		Audio: device.StreamConfig{
			DeviceIndex:     cloneIndex(c.Audio.DeviceIndex),
			SampleRate:      c.Audio.SampleRate,
			Channels:        c.Audio.Channels,
			FramesPerBuffer: c.Audio.FramesPerBuffer,
		},
		MonitorOn:     c.Monitor.Enabled,
		MonitorDevice: cloneIndex(c.Monitor.DeviceIndex),
		MonitorVolume: c.Monitor.Volume,

		Directory:         c.Recording.Directory,
		Prefix:            c.Recording.Prefix,
		SegmentDuration:   time.Duration(c.Recording.SegmentMinutes) * time.Minute,
		MaxSegmentsPerDay: c.Recording.MaxSegmentsPerDay,
		RetentionDays:     c.Recording.RetentionDays,
		S3:                c.Recording.S3,

		RTMPEnabled:    c.Streaming.RTMP.Enabled,
		RTMP:           c.rtmpParams(),
		IcecastEnabled: c.Streaming.Icecast.Enabled,
		Icecast:        c.icecastParams(),

		Silence: silence,
		Notify: notify.Config{
			StationName: c.System.StationName,
			WebhookURL:  c.Notifications.WebhookURL,
			Graph:       c.Notifications.Graph,
			Zabbix:      c.Notifications.Zabbix,
			LogPath:     c.Notifications.LogPath,
		},
	}
}

func (c *Config) rtmpParams() streaming.Params {
	return streaming.Params{URL: c.Streaming.RTMP.URL, Bitrate: c.Streaming.RTMP.Bitrate}
}

func (c *Config) icecastParams() streaming.Params {
	ic := c.Streaming.Icecast
	return streaming.Params{
		Host:     ic.Host,
		Port:     ic.Port,
		Mount:    ic.Mount,
		Password: ic.Password,
		Bitrate:  ic.Bitrate,
	}
}

func cloneIndex(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
