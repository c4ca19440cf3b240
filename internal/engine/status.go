package engine

import (
	"errors"
	"math"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Status returns a snapshot of the current or last session.
func (e *Engine) Status() types.SessionStatus {
	st := types.SessionStatus{
		State:         types.StateStopped,
		Backend:       e.backend.Name(),
		MonitorVolume: e.MonitorVolume(),
		LevelDB:       audio.LevelDB(0),
	}

	s := e.session()
	if s == nil {
		return st
	}

	s.stateMu.RLock()
	st.State = s.state
	st.SegmentIndex = s.segIndex
	st.SegmentPath = s.segPath
	if !s.segStart.IsZero() {
		start := s.segStart
		st.SegmentStart = &start
	}
	if s.err != nil && !errors.Is(s.err, errStopRequested) {
		st.Error = s.err.Error()
	}
	s.stateMu.RUnlock()

	s.streamMu.Lock()
	st.IsMonitoring = s.monitor != nil
	s.streamMu.Unlock()

	st.SessionID = s.id
	st.IsRecording = s.recording.Load()
	st.SegmentFrames = s.segFrames.Load()
	st.StallCount = s.stallCount.Load()
	st.RestartAttempts = s.restartAttempts.Load()
	st.TotalFrames = s.totalFrames.Load()
	st.TotalBytes = s.totalBytes.Load()
	st.DroppedBuffers = s.buffer.Dropped()

	if st.IsRecording {
		st.Level = math.Float64frombits(s.level.Load())
		st.LevelDB = audio.LevelDB(st.Level)
		st.LastDataAge = time.Since(s.buffer.LastArrival()).Seconds()
		st.Uptime = util.FormatDuration(time.Since(s.started))
	}
	return st
}

// Level returns the normalized RMS level of the last buffer and its dB value.
func (e *Engine) Level() (level, levelDB float64) {
	s := e.session()
	if s == nil || !s.recording.Load() {
		return 0, audio.LevelDB(0)
	}
	level = math.Float64frombits(s.level.Load())
	return level, audio.LevelDB(level)
}
