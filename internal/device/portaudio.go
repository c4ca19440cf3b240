//go:build cgo && portaudio

package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

func init() {
	register("portaudio", 1, newPortAudio)
}

type portAudio struct{}

func newPortAudio(Options) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return portAudio{}, nil
}

func (portAudio) Name() string { return "portaudio" }

func (portAudio) Enumerate() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	list := make([]Info, 0, len(devices))
	for _, d := range devices {
		if d == nil {
			continue
		}
		list = append(list, Info{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         defIn != nil && defIn.Index == d.Index,
		})
	}
	return list, nil
}

func (portAudio) device(index *int, input bool) (*portaudio.DeviceInfo, error) {
	if index == nil {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d != nil && d.Index == *index {
			if input && d.MaxInputChannels == 0 || !input && d.MaxOutputChannels == 0 {
				break
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: index %d", ErrNoDevice, *index)
}

func (p portAudio) OpenInput(cfg StreamConfig, cb Callback) (InputStream, error) {
	dev, err := p.device(cfg.DeviceIndex, true)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		buf := make([]byte, len(in)*2)
		for i, s := range in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		cb(buf)
	})
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &paStream{stream: stream}, nil
}

func (p portAudio) OpenOutput(cfg StreamConfig) (OutputStream, error) {
	dev, err := p.device(cfg.DeviceIndex, false)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	s := &paStream{buf: make([]int16, cfg.FramesPerBuffer*cfg.Channels)}
	stream, err := portaudio.OpenStream(params, &s.buf)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (portAudio) Close() error {
	return portaudio.Terminate()
}

type paStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16 // blocking output buffer
	closed bool
}

// Write plays buf through the blocking stream, one stream buffer at a time.
func (s *paStream) Write(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	samples := len(buf) / 2
	for off := 0; off < samples; off += len(s.buf) {
		n := min(len(s.buf), samples-off)
		for i := range n {
			s.buf[i] = int16(binary.LittleEndian.Uint16(buf[(off+i)*2:]))
		}
		clear(s.buf[n:])
		if err := s.stream.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (s *paStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.stream.Stop()
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	return s.stream.Close()
}
