package audio

import (
	"sync"
	"time"
)

// SilenceConfig holds the configurable thresholds for silence detection.
type SilenceConfig struct {
	ThresholdDB float64       // level below which audio is considered silent
	Duration    time.Duration // silence required before the alarm is raised
	Recovery    time.Duration // sustained audio required before the alarm clears
}

// Enabled reports whether detection is configured.
func (c SilenceConfig) Enabled() bool {
	return c.Duration > 0
}

// SilenceEvent is the result of one detector update.
type SilenceEvent struct {
	InSilence     bool
	Duration      time.Duration // current silence length, or total length on recovery
	LevelDB       float64
	JustEntered   bool // silence was confirmed on this update
	JustRecovered bool // audio returned and stayed for the recovery period
}

// SilenceDetector tracks dead air on a single level stream.
// It is safe for concurrent use.
type SilenceDetector struct {
	mu            sync.Mutex
	silenceStart  time.Time
	recoveryStart time.Time
	inSilence     bool
	lastDuration  time.Duration
}

// NewSilenceDetector creates a new silence detector.
func NewSilenceDetector() *SilenceDetector {
	return &SilenceDetector{}
}

// Update feeds one level measurement and returns the resulting state.
func (d *SilenceDetector) Update(levelDB float64, cfg SilenceConfig, now time.Time) SilenceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := SilenceEvent{LevelDB: levelDB}

	if levelDB < cfg.ThresholdDB {
		d.recoveryStart = time.Time{}
		if d.silenceStart.IsZero() {
			d.silenceStart = now
		}
		d.lastDuration = now.Sub(d.silenceStart)

		if !d.inSilence && d.lastDuration >= cfg.Duration {
			d.inSilence = true
			ev.JustEntered = true
		}
		if d.inSilence {
			ev.InSilence = true
			ev.Duration = d.lastDuration
		}
		return ev
	}

	if !d.inSilence {
		d.silenceStart = time.Time{}
		return ev
	}

	// Audio is back; hold the silence state until recovery is sustained.
	if d.recoveryStart.IsZero() {
		d.recoveryStart = now
	}
	if now.Sub(d.recoveryStart) < cfg.Recovery {
		ev.InSilence = true
		ev.Duration = d.lastDuration
		return ev
	}

	ev.JustRecovered = true
	ev.Duration = d.lastDuration
	d.inSilence = false
	d.silenceStart = time.Time{}
	d.recoveryStart = time.Time{}
	d.lastDuration = 0
	return ev
}

// Reset clears the detection state.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silenceStart = time.Time{}
	d.recoveryStart = time.Time{}
	d.inSilence = false
	d.lastDuration = 0
}
