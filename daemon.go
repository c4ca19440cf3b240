package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/engine"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/recording"
	"github.com/oszuidwest/zwfm-recorder/internal/server"
	"github.com/oszuidwest/zwfm-recorder/internal/streaming"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const httpShutdownTimeout = 30 * time.Second

// runDaemon starts the recorder and blocks until a shutdown signal arrives.
// A nil monitor uses the configured monitor setting.
func runDaemon(configPath, backendName string, monitor *bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	snap := cfg.Snapshot()

	logFile, err := util.SetupLogger(snap.LogLevel, snap.LogFile)
	if err != nil {
		return err
	}
	defer logFile.Close() //nolint:errcheck // Nothing to report at exit

	slog.Info("starting recorder", "version", Version, "config", cfg.Path())

	ffmpegPath := util.ResolveFFmpegPath(snap.FFmpegPath)
	if ffmpegPath == "" {
		slog.Warn("FFmpeg not found - streaming disabled", "configured_path", snap.FFmpegPath)
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	}

	backend, err := device.Select(cmp.Or(backendName, snap.Backend), device.Options{FFmpegPath: ffmpegPath})
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("failed to close audio backend", "error", err)
		}
	}()
	slog.Info("audio backend selected", "backend", backend.Name())

	notifier := notify.New(snap.Notify)
	if channels := notifier.Configured(); len(channels) > 0 {
		slog.Info("notifications enabled", "channels", channels)
	}

	events, err := eventlog.NewLogger(snap.EventLog)
	if err != nil {
		// A nil logger discards events; recording continues.
		slog.Error("failed to open event log", "path", snap.EventLog, "error", err)
	}

	uploader := startUploader(snap.S3, events, notifier)

	cleaner := recording.NewCleaner(snap.Directory, snap.RetentionDays, &snap.S3, events)
	cleaner.Start()

	streams := streaming.NewManager(ffmpegPath, snap.Audio.SampleRate, snap.Audio.Channels)
	eng := engine.New(engineConfig(&snap), backend, streams, engineCallbacks(notifier, uploader), engine.Options{
		Events: events,
	})

	monitorOn := snap.MonitorOn
	if monitor != nil {
		monitorOn = *monitor
	}
	if err := eng.Start(monitorOn); err != nil {
		slog.Error("failed to start recording", "error", err)
	}
	startConfiguredStreams(streams, &snap)

	version := startUpdateChecker(events, notifier)
	srv := server.New(server.Deps{
		Config:   cfg,
		Recorder: eng,
		Streams:  streams,
		Devices:  backend,
		Notifier: notifier,
		Version:  version.Info,
	})
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig.String())

	version.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	var errs []error
	if err := eng.Stop(); err != nil {
		slog.Error("error stopping recording", "error", err)
		errs = append(errs, err)
	}
	if uploader != nil {
		uploader.Stop()
	}
	cleaner.Stop()
	notifier.Wait()
	if err := events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}

	slog.Info("shutdown complete")
	return errors.Join(errs...)
}

func engineConfig(snap *config.Snapshot) engine.Config {
	return engine.Config{
		Audio:             snap.Audio,
		MonitorDevice:     snap.MonitorDevice,
		MonitorVolume:     snap.MonitorVolume,
		Directory:         snap.Directory,
		Prefix:            snap.Prefix,
		SegmentDuration:   snap.SegmentDuration,
		MaxSegmentsPerDay: snap.MaxSegmentsPerDay,
		Silence:           snap.Silence,
	}
}

// startUploader starts the S3 uploader, or returns nil when S3 is not configured.
func startUploader(cfg recording.S3Config, events *eventlog.Logger, notifier *notify.Notifier) *recording.Uploader {
	if !cfg.IsConfigured() {
		return nil
	}
	uploader, err := recording.NewUploader(cfg, events)
	if err != nil {
		slog.Error("failed to create S3 uploader", "error", err)
		return nil
	}
	uploader.OnAbandon(func(name, lastErr string) {
		notifier.Alert(notify.KindUploadAbandoned, fmt.Sprintf("upload of %s abandoned after 24h: %s", name, lastErr))
	})
	uploader.Start()
	slog.Info("S3 upload enabled", "bucket", cfg.Bucket)
	return uploader
}

// startConfiguredStreams starts every sink enabled in the config. Failures are
// reported through the stream status callback.
func startConfiguredStreams(streams *streaming.Manager, snap *config.Snapshot) {
	if snap.RTMPEnabled {
		streams.Start(types.SinkRTMP, snap.RTMP)
	}
	if snap.IcecastEnabled {
		streams.Start(types.SinkIcecast, snap.Icecast)
	}
}

// engineCallbacks routes engine events to the notifier and the uploader.
func engineCallbacks(notifier *notify.Notifier, uploader *recording.Uploader) engine.Callbacks {
	return engine.Callbacks{
		OnAlert: func(msg string) {
			kind := notify.KindStall
			if strings.HasPrefix(msg, "critical") {
				kind = notify.KindCritical
			}
			notifier.Alert(kind, msg)
		},
		OnRecordingFailed: func(msg string) {
			notifier.Alert(notify.KindRecordingFailed, msg)
		},
		OnStreamStatus: func(kind types.SinkKind, msg string) {
			if streamFailure(msg) {
				notifier.Alert(notify.KindStreamError, fmt.Sprintf("%s stream: %s", kind, msg))
			}
		},
		OnSegmentClosed: func(info types.SegmentInfo) {
			if uploader == nil {
				return
			}
			if err := uploader.Enqueue(info); err != nil {
				slog.Warn("failed to queue segment upload", "path", info.Path, "error", err)
			}
		},
		OnSilence: func(ev audio.SilenceEvent) {
			switch {
			case ev.JustEntered:
				notifier.Alert(notify.KindSilence, fmt.Sprintf("silence detected: level %.1f dB for %s",
					ev.LevelDB, util.FormatDuration(ev.Duration)))
			case ev.JustRecovered:
				notifier.Alert(notify.KindRecovery, fmt.Sprintf("audio recovered after %s of silence",
					util.FormatDuration(ev.Duration)))
			}
		},
	}
}

// streamFailure reports whether a sink status message describes a failure.
func streamFailure(msg string) bool {
	for _, prefix := range []string{"exited unexpectedly", "failed to start", "invalid parameters", "ffmpeg not available"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
