// Package device abstracts the platform audio subsystem behind interchangeable backends.
//
// A backend enumerates devices, opens push-style input streams that deliver S16LE
// buffers to a callback, and opens blocking output streams for monitor playback.
// The engine depends only on the Backend interface; one implementation is selected
// at startup by Select.
package device

import (
	"errors"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

var (
	// ErrNoDevice is returned when the requested device does not exist or has no suitable channels.
	ErrNoDevice = errors.New("audio device not found")
	// ErrOpenTimeout is returned when a stream did not open within the allowed time.
	ErrOpenTimeout = errors.New("timed out opening audio device")
	// ErrUnknownBackend is returned by Select for a backend name that is not compiled in.
	ErrUnknownBackend = errors.New("unknown audio backend")
	// ErrClosed is returned when writing to a closed output stream.
	ErrClosed = errors.New("audio stream closed")
)

// Info describes one audio device as reported by a backend.
type Info struct {
	Index             int     `json:"index"`
	ID                string  `json:"id,omitempty"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	IsDefault         bool    `json:"is_default,omitempty"`
}

// StreamConfig is the fixed audio format of one input or output stream.
// Samples are always signed 16-bit little-endian, interleaved.
type StreamConfig struct {
	DeviceIndex     *int // nil selects the backend default
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// FrameBytes returns the size of one interleaved frame in bytes.
func (c StreamConfig) FrameBytes() int {
	return c.Channels * types.BytesPerSample
}

// BufferBytes returns the size of one callback buffer in bytes.
func (c StreamConfig) BufferBytes() int {
	return c.FramesPerBuffer * c.FrameBytes()
}

// BufferDuration returns the playback time of one callback buffer.
func (c StreamConfig) BufferDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FramesPerBuffer) * time.Second / time.Duration(c.SampleRate)
}

// Callback receives one buffer of captured samples. The slice is owned by the callee.
// Implementations run it on the backend's own goroutine or audio thread, so it must not block.
type Callback func(buf []byte)

// InputStream is an open capture stream. Stop and Close are idempotent.
type InputStream interface {
	Stop() error
	Close() error
}

// OutputStream is an open playback stream.
// Write may block for up to one buffer duration.
type OutputStream interface {
	Write(buf []byte) error
	Stop() error
	Close() error
}

// Backend is one implementation of the device capability interface.
type Backend interface {
	Name() string
	// Enumerate lists devices. Devices that cannot be queried are skipped.
	Enumerate() ([]Info, error)
	OpenInput(cfg StreamConfig, cb Callback) (InputStream, error)
	OpenOutput(cfg StreamConfig) (OutputStream, error)
	// Close releases backend-wide resources.
	Close() error
}

// Lookup returns the device at index from list, requiring input or output channels.
func Lookup(list []Info, index int, input bool) (Info, error) {
	for _, d := range list {
		if d.Index != index {
			continue
		}
		if input && d.MaxInputChannels == 0 || !input && d.MaxOutputChannels == 0 {
			return Info{}, ErrNoDevice
		}
		return d, nil
	}
	return Info{}, ErrNoDevice
}
