package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/recording"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// run is the session goroutine: open the devices, record until stopped, release everything.
func (e *Engine) run(s *session, monitor bool) {
	defer close(s.loopDone)

	if err := e.openDevices(s, monitor); err != nil {
		close(s.watchdogDone)
		e.closeHandles(s)
		s.setState(types.StateStopped)

		if errors.Is(context.Cause(s.ctx), errStopRequested) {
			slog.Info("recording session cancelled during open", "session_id", s.id)
			return
		}

		s.setErr(err)
		slog.Error("failed to open audio input", "session_id", s.id, "error", err)
		e.events.Emit(eventlog.SessionFailed, "", err.Error(), nil)
		e.recordingFailed(fmt.Sprintf("could not open audio input device: %v", err))
		return
	}

	s.recording.Store(true)
	s.setState(types.StateRecording)
	e.events.Emit(eventlog.SessionStarted, "", s.id, nil)

	go e.watchdog(s)

	err := e.record(s)
	e.finish(s, err)
}

// openDevices opens the input and, when requested, the monitor output.
// A monitor failure is logged and recording continues without it.
func (e *Engine) openDevices(s *session, monitor bool) error {
	s.buffer.Touch(time.Now())

	in, err := device.OpenInputTimeout(s.ctx, e.backend, e.cfg.Audio, s.push, e.timings.OpenTimeout)
	if err != nil {
		return err
	}

	s.streamMu.Lock()
	s.input = in
	s.streamMu.Unlock()
	s.buffer.Touch(time.Now())

	if !monitor {
		return nil
	}

	out, err := device.OpenOutputTimeout(s.ctx, e.backend, e.monitorConfig(), e.timings.OpenTimeout)
	if err != nil {
		slog.Warn("failed to open monitor output, continuing without monitoring", "session_id", s.id, "error", err)
		return nil
	}
	s.streamMu.Lock()
	s.monitor = out
	s.streamMu.Unlock()
	return nil
}

// push is the device callback. It must not block or log.
func (s *session) push(b []byte) {
	s.buffer.Push(b)
}

// record is the recording loop. It returns nil when stopped and an error on a
// fatal segment failure.
func (e *Engine) record(s *session) error {
	frameBytes := e.cfg.Audio.FrameBytes()
	budget := int64(math.Round(float64(e.cfg.Audio.SampleRate) * e.cfg.SegmentDuration.Seconds()))

	var (
		seg          *recording.Segment
		paused       bool
		nextCapCheck time.Time
		waited       time.Duration
	)

	defer func() {
		if seg != nil {
			e.closeSegment(s, seg)
		}
	}()

	for {
		if s.ctx.Err() != nil {
			return nil
		}

		if seg == nil && (!paused || !e.now().Before(nextCapCheck)) {
			next, err := e.openSegment(s)
			switch {
			case err != nil:
				return e.fatal(s, "segment create failed", err)
			case next == nil:
				if !paused {
					paused = true
					s.setState(types.StatePaused)
					slog.Warn("daily segment cap reached, recording paused", "session_id", s.id, "max_segments", e.cfg.MaxSegmentsPerDay)
				}
				nextCapCheck = e.now().Add(e.timings.DailyCapPoll)
			default:
				if paused {
					slog.Info("new day, recording resumed", "session_id", s.id)
				}
				paused = false
				seg = next
				s.setState(types.StateRecording)
			}
		}

		b, ok := s.buffer.Pop(e.timings.PopTimeout)
		if !ok {
			waited += e.timings.PopTimeout
			if waited >= e.timings.StallThreshold {
				e.handleStall(s)
				waited = 0
			}
			continue
		}
		waited = 0

		if seg != nil {
			if err := seg.Write(b); err != nil {
				return e.fatal(s, "segment write failed", err)
			}
			s.segFrames.Store(seg.FramesWritten())
		}
		s.totalFrames.Add(int64(len(b) / frameBytes))
		s.totalBytes.Add(int64(len(b)))

		level := audio.Level(b)
		s.level.Store(math.Float64bits(level))
		e.detectSilence(s, level)

		e.writeMonitor(s, b)
		e.streams.Feed(b)

		if seg != nil && seg.FramesWritten() >= budget {
			s.setState(types.StateRotating)
			e.closeSegment(s, seg)
			seg = nil
		}
	}
}

// openSegment creates the next segment, or returns nil when the daily cap is reached.
func (e *Engine) openSegment(s *session) (*recording.Segment, error) {
	now := e.now()
	index, ok := s.daily.Next(now)
	if !ok {
		return nil, nil
	}

	path := recording.SegmentPath(e.cfg.Directory, e.cfg.Prefix, now)
	seg, err := recording.CreateSegment(path, e.cfg.Audio.SampleRate, e.cfg.Audio.Channels, index, now)
	if err != nil {
		return nil, err
	}

	s.segFrames.Store(0)
	s.setSegment(seg)
	slog.Info("segment opened", "session_id", s.id, "path", seg.Path(), "index", index)
	return seg, nil
}

// closeSegment finalizes seg and reports it.
func (e *Engine) closeSegment(s *session, seg *recording.Segment) {
	if err := seg.Close(); err != nil {
		slog.Error("failed to close segment", "session_id", s.id, "path", seg.Path(), "error", err)
	}
	info := seg.Info(e.now())
	s.setSegment(nil)
	s.segFrames.Store(0)

	e.events.Emit(eventlog.SegmentClosed, "", info.Path, &eventlog.SegmentDetails{
		Path:   info.Path,
		Index:  info.Index,
		Frames: info.Frames,
		SizeMB: float64(info.Bytes) / (1024 * 1024),
	})
	e.segmentClosed(info)
}

// fatal reports an unrecoverable segment error and returns it.
func (e *Engine) fatal(s *session, what string, err error) error {
	msg := fmt.Sprintf("critical: %s: %v", what, err)
	slog.Error("recording failed", "session_id", s.id, "error", err, "stage", what)
	e.events.Emit(eventlog.Critical, "", msg, nil)
	e.alert(msg)
	return fmt.Errorf("%s: %w", what, err)
}

// finish releases the session's devices and sinks after the loop exits.
func (e *Engine) finish(s *session, err error) {
	s.setState(types.StateStopping)
	s.recording.Store(false)
	if err != nil {
		s.fail(err)
	} else if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, errStopRequested) {
		err = cause
		s.setErr(cause)
	}

	e.closeHandles(s)
	if stopErr := e.streams.StopAll(); stopErr != nil {
		slog.Error("failed to stop streams", "session_id", s.id, "error", stopErr)
	}

	s.setState(types.StateStopped)
	if err != nil {
		slog.Error("recording session ended", "session_id", s.id, "error", err)
		e.events.Emit(eventlog.SessionStopped, "", err.Error(), nil)
		return
	}
	slog.Info("recording session stopped", "session_id", s.id, "frames", s.totalFrames.Load())
	e.events.Emit(eventlog.SessionStopped, "", s.id, nil)
}

// writeMonitor plays b on the monitor output at the current volume.
func (e *Engine) writeMonitor(s *session, b []byte) {
	s.streamMu.Lock()
	out := s.monitor
	s.streamMu.Unlock()
	if out == nil {
		return
	}

	if err := out.Write(audio.ScaleS16(b, e.MonitorVolume())); err != nil {
		slog.Debug("monitor write failed", "session_id", s.id, "error", err)
	}
}

// detectSilence feeds the silence detector and reports transitions.
func (e *Engine) detectSilence(s *session, level float64) {
	cfg := e.cfg.Silence
	if !cfg.Enabled() {
		return
	}

	ev := s.silence.Update(audio.LevelDB(level), cfg, e.now())
	switch {
	case ev.JustEntered:
		slog.Warn("silence detected", "session_id", s.id, "level_db", ev.LevelDB, "duration", ev.Duration)
		e.events.Emit(eventlog.SilenceStart, "", "silence detected", &eventlog.SilenceDetails{
			LevelDB:     ev.LevelDB,
			ThresholdDB: cfg.ThresholdDB,
			DurationMs:  ev.Duration.Milliseconds(),
		})
		e.silenceChanged(ev)
	case ev.JustRecovered:
		slog.Info("silence recovered", "session_id", s.id, "level_db", ev.LevelDB, "duration", ev.Duration)
		e.events.Emit(eventlog.SilenceEnd, "", "audio recovered", &eventlog.SilenceDetails{
			LevelDB:     ev.LevelDB,
			ThresholdDB: cfg.ThresholdDB,
			DurationMs:  ev.Duration.Milliseconds(),
		})
		e.silenceChanged(ev)
	}
}
