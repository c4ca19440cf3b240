package engine

import (
	"log/slog"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// Callbacks are the engine's outward notifications. Any field may be nil.
// Every call is isolated: a panicking callback is logged and ignored.
type Callbacks struct {
	// OnAlert receives stall and critical messages.
	OnAlert func(message string)
	// OnRecordingFailed is called once when the input device cannot be opened.
	OnRecordingFailed func(message string)
	// OnStreamStatus receives sink lifecycle messages.
	OnStreamStatus func(kind types.SinkKind, message string)
	// OnSegmentClosed is called after a segment file is finalized.
	OnSegmentClosed func(info types.SegmentInfo)
	// OnSilence is called when silence is confirmed and when audio recovers.
	OnSilence func(ev audio.SilenceEvent)
}

// safeCall runs fn, recovering and logging a panic.
func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in callback", "callback", name, "panic", r)
		}
	}()
	fn()
}

func (e *Engine) alert(msg string) {
	if e.cb.OnAlert != nil {
		safeCall("OnAlert", func() { e.cb.OnAlert(msg) })
	}
}

func (e *Engine) recordingFailed(msg string) {
	if e.cb.OnRecordingFailed != nil {
		safeCall("OnRecordingFailed", func() { e.cb.OnRecordingFailed(msg) })
	}
}

func (e *Engine) segmentClosed(info types.SegmentInfo) {
	if e.cb.OnSegmentClosed != nil {
		safeCall("OnSegmentClosed", func() { e.cb.OnSegmentClosed(info) })
	}
}

func (e *Engine) silenceChanged(ev audio.SilenceEvent) {
	if e.cb.OnSilence != nil {
		safeCall("OnSilence", func() { e.cb.OnSilence(ev) })
	}
}
