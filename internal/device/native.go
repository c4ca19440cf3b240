//go:build cgo

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

func init() {
	register("native", 0, newNative)
}

// native is the low-latency backend built on miniaudio.
type native struct {
	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	devices map[int]nativeDevice // index -> device id, refreshed by Enumerate
}

type nativeDevice struct {
	id   malgo.DeviceID
	kind malgo.DeviceType
}

func newNative(Options) (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init miniaudio context: %w", err)
	}
	return &native{ctx: ctx, devices: make(map[int]nativeDevice)}, nil
}

func (n *native) Name() string { return "native" }

// Enumerate lists capture devices followed by playback devices.
func (n *native) Enumerate() ([]Info, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var list []Info
	devices := make(map[int]nativeDevice)
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := n.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range infos {
			full, err := n.ctx.DeviceInfo(kind, d.ID, malgo.Shared)
			if err != nil {
				continue
			}
			info := Info{
				Index:     len(list),
				ID:        full.ID.String(),
				Name:      full.Name(),
				IsDefault: full.IsDefault != 0,
			}
			channels, rate := nativeCaps(full.Formats)
			if kind == malgo.Capture {
				info.MaxInputChannels = channels
			} else {
				info.MaxOutputChannels = channels
			}
			info.DefaultSampleRate = rate
			devices[info.Index] = nativeDevice{id: full.ID, kind: kind}
			list = append(list, info)
		}
	}
	n.devices = devices
	return list, nil
}

func nativeCaps(formats []malgo.DataFormat) (channels int, rate float64) {
	for _, f := range formats {
		channels = max(channels, int(f.Channels))
		if rate == 0 && f.SampleRate > 0 {
			rate = float64(f.SampleRate)
		}
	}
	// Devices that report no native formats accept any via conversion.
	if channels == 0 {
		channels = 2
	}
	if rate == 0 {
		rate = 48000
	}
	return channels, rate
}

func (n *native) deviceID(index *int, kind malgo.DeviceType) (*malgo.DeviceID, error) {
	if index == nil {
		return nil, nil
	}
	n.mu.Lock()
	d, ok := n.devices[*index]
	n.mu.Unlock()
	if !ok {
		if _, err := n.Enumerate(); err != nil {
			return nil, err
		}
		n.mu.Lock()
		d, ok = n.devices[*index]
		n.mu.Unlock()
	}
	if !ok || d.kind != kind {
		return nil, fmt.Errorf("%w: index %d", ErrNoDevice, *index)
	}
	return &d.id, nil
}

func (n *native) OpenInput(cfg StreamConfig, cb Callback) (InputStream, error) {
	id, err := n.deviceID(cfg.DeviceIndex, malgo.Capture)
	if err != nil {
		return nil, err
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	dc.Alsa.NoMMap = 1
	if id != nil {
		dc.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			// miniaudio reuses the input memory after the callback returns.
			buf := make([]byte, len(in))
			copy(buf, in)
			cb(buf)
		},
	}

	dev, err := malgo.InitDevice(n.ctx.Context, dc, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return &nativeInput{dev: dev}, nil
}

func (n *native) OpenOutput(cfg StreamConfig) (OutputStream, error) {
	id, err := n.deviceID(cfg.DeviceIndex, malgo.Playback)
	if err != nil {
		return nil, err
	}

	out := &nativeOutput{
		pending: make(chan []byte, 8),
		wait:    cfg.BufferDuration(),
		closed:  make(chan struct{}),
	}

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	dc.Alsa.NoMMap = 1
	if id != nil {
		dc.Playback.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(n.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(outSamples, _ []byte, _ uint32) { out.fill(outSamples) },
	})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	out.dev = dev
	return out, nil
}

func (n *native) Close() error {
	if err := n.ctx.Uninit(); err != nil {
		return err
	}
	n.ctx.Free()
	return nil
}

type nativeInput struct {
	dev      *malgo.Device
	stopOnce sync.Once
	once     sync.Once
}

func (s *nativeInput) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.dev.Stop() })
	return err
}

func (s *nativeInput) Close() error {
	err := s.Stop()
	s.once.Do(s.dev.Uninit)
	return err
}

// nativeOutput feeds the playback callback from a small queue of written buffers.
type nativeOutput struct {
	dev     *malgo.Device
	pending chan []byte
	wait    time.Duration
	rest    []byte // only touched by the audio callback

	closeOnce sync.Once
	closed    chan struct{}
}

func (o *nativeOutput) fill(dst []byte) {
	for len(dst) > 0 {
		if len(o.rest) == 0 {
			select {
			case b := <-o.pending:
				o.rest = b
			default:
				clear(dst)
				return
			}
		}
		n := copy(dst, o.rest)
		dst = dst[n:]
		o.rest = o.rest[n:]
	}
}

func (o *nativeOutput) Write(buf []byte) error {
	t := time.NewTimer(max(o.wait, time.Millisecond))
	defer t.Stop()
	select {
	case <-o.closed:
		return ErrClosed
	case o.pending <- buf:
		return nil
	case <-t.C:
		// Playback is behind; drop rather than stall the caller.
		return nil
	}
}

func (o *nativeOutput) Stop() error {
	select {
	case <-o.closed:
		return nil
	default:
		return o.dev.Stop()
	}
}

func (o *nativeOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.closed)
		err = o.dev.Stop()
		o.dev.Uninit()
	})
	return err
}
