package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// watchdog checks the age of the last captured buffer every WatchdogInterval.
func (e *Engine) watchdog(s *session) {
	defer close(s.watchdogDone)

	ticker := time.NewTicker(e.timings.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.buffer.LastArrival()) > e.timings.StallThreshold {
				e.handleStall(s)
			}
		}
	}
}

// handleStall is called by the watchdog and by the recording loop. Concurrent
// calls share one execution, and the age is checked again inside it so that a
// stall already resolved by the other caller is not counted twice.
func (e *Engine) handleStall(s *session) {
	_, _, _ = e.stallFlight.Do(s.id, func() (any, error) {
		if s.ctx.Err() != nil {
			return nil, nil
		}

		age := time.Since(s.buffer.LastArrival())
		if age < e.timings.StallThreshold {
			return nil, nil
		}

		n := s.stallCount.Add(1)
		msg := fmt.Sprintf("stall: no audio data for %.1fs (stall #%d)", age.Seconds(), n)
		slog.Warn("capture stalled", "session_id", s.id, "age", age.Round(time.Millisecond), "stall_count", n)
		e.events.Emit(eventlog.Stall, "", msg, nil)
		e.alert(msg)

		prev := s.getState()
		if prev == types.StateStalling {
			prev = types.StateRecording
		}
		s.setState(types.StateStalling)
		e.restartInput(s, prev)
		return nil, nil
	})
}

// restartInput closes the input, drops buffered audio and reopens the device.
// After MaxRestartAttempts consecutive failures the session is stopped.
func (e *Engine) restartInput(s *session, prev types.SessionState) {
	s.streamMu.Lock()
	old := s.input
	s.input = nil
	s.streamMu.Unlock()
	if old != nil {
		closeQuietly("input stop", old.Stop)
		closeQuietly("input", old.Close)
	}

	if n := s.buffer.Drain(); n > 0 {
		slog.Debug("dropped buffered audio before restart", "session_id", s.id, "buffers", n)
	}

	attempt := s.restartAttempts.Load() + 1
	slog.Warn("restarting audio input", "session_id", s.id, "attempt", attempt, "max_attempts", e.timings.MaxRestartAttempts)

	in, err := device.OpenInputTimeout(s.ctx, e.backend, e.cfg.Audio, s.push, e.timings.OpenTimeout)
	if err == nil {
		s.streamMu.Lock()
		if s.closed {
			s.streamMu.Unlock()
			closeQuietly("input", in.Close)
			return
		}
		s.input = in
		s.streamMu.Unlock()

		s.restartAttempts.Store(0)
		s.buffer.Touch(time.Now())
		s.restoreState(prev)

		slog.Info("audio input restarted", "session_id", s.id)
		e.events.Emit(eventlog.Restart, "", "audio input restarted", nil)
		return
	}

	if s.ctx.Err() != nil {
		return
	}

	failed := s.restartAttempts.Add(1)
	slog.Error("audio input restart failed", "session_id", s.id, "attempt", failed, "error", err)
	e.events.Emit(eventlog.RestartFailed, "", err.Error(), nil)

	if failed < int64(e.timings.MaxRestartAttempts) {
		return
	}

	msg := fmt.Sprintf("critical: restart limit of %d attempts reached, stopping recording", e.timings.MaxRestartAttempts)
	slog.Error("restart limit reached, stopping recording", "session_id", s.id, "attempts", failed)
	e.events.Emit(eventlog.Critical, "", msg, nil)
	e.alert(msg)
	s.fail(fmt.Errorf("%w after %d attempts: %w", ErrRestartLimit, failed, err))
}
