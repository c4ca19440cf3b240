package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

func init() {
	register("command", 2, newCommand)
}

// processWaitDelay bounds how long a capture helper may linger after cancellation.
const processWaitDelay = 2 * time.Second

// listSpec describes how to extract devices from a listing command's output.
type listSpec struct {
	command      []string // nil lists only the fallback device
	startMarker  string // section start, empty means the whole output
	stopMarker   string
	pattern      *regexp.Regexp
	input        bool // matched devices are capture devices, otherwise playback
	parse        func(m []string) (id, name string, ok bool)
	fallbackName string
	fallbackID   string
}

// commandPlatform holds the per-OS helper commands of the command backend.
type commandPlatform struct {
	lists         []listSpec
	defaultInput  string
	defaultOutput string
	inputArgs     func(device string, cfg StreamConfig) []string
	outputArgs    func(device string, cfg StreamConfig) []string
	inputBinary   string
	outputBinary  string
	usesFFmpeg    bool
}

// command is the portable fallback backend. It runs the platform's capture and
// playback tools as subprocesses exchanging raw S16LE over pipes.
type command struct {
	platform commandPlatform
	capture  string
	playback string
}

func newCommand(opts Options) (Backend, error) {
	p, ok := platformCommands()
	if !ok {
		return nil, errors.New("no capture tools known for this platform")
	}
	capture := util.ResolveBinary("", p.inputBinary)
	if p.usesFFmpeg && opts.FFmpegPath != "" {
		capture = opts.FFmpegPath
	}
	if capture == "" {
		return nil, fmt.Errorf("%s not found in PATH", p.inputBinary)
	}
	return &command{
		platform: p,
		capture:  capture,
		playback: util.ResolveBinary("", p.outputBinary),
	}, nil
}

func (c *command) Name() string { return "command" }

func (c *command) Enumerate() ([]Info, error) {
	var list []Info
	for _, spec := range c.platform.lists {
		if len(spec.command) == 0 {
			list = appendDevice(list, spec, spec.fallbackID, spec.fallbackName)
			continue
		}
		args := spec.command
		if c.platform.usesFFmpeg && args[0] == "ffmpeg" {
			args = append([]string{c.capture}, args[1:]...)
		}
		out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		if err != nil && len(out) == 0 {
			// The listing tool is optional; fall back to the platform default.
			if spec.fallbackID != "" {
				list = appendDevice(list, spec, spec.fallbackID, spec.fallbackName)
			}
			continue
		}
		found := parseDeviceList(string(out), spec)
		if len(found) == 0 && spec.fallbackID != "" {
			list = appendDevice(list, spec, spec.fallbackID, spec.fallbackName)
			continue
		}
		for _, d := range found {
			list = appendDevice(list, spec, d[0], d[1])
		}
	}
	return list, nil
}

func appendDevice(list []Info, spec listSpec, id, name string) []Info {
	info := Info{Index: len(list), ID: id, Name: name, DefaultSampleRate: 48000}
	if spec.input {
		info.MaxInputChannels = 2
	} else {
		info.MaxOutputChannels = 2
	}
	return append(list, info)
}

// parseDeviceList returns [id, name] pairs matched in output.
func parseDeviceList(output string, spec listSpec) [][2]string {
	var devices [][2]string
	inSection := spec.startMarker == ""
	for line := range strings.SplitSeq(output, "\n") {
		if spec.startMarker != "" && strings.Contains(line, spec.startMarker) {
			inSection = true
			continue
		}
		if spec.stopMarker != "" && strings.Contains(line, spec.stopMarker) {
			inSection = false
			continue
		}
		if !inSection || strings.Contains(line, "Alternative name") {
			continue
		}
		m := spec.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if id, name, ok := spec.parse(m); ok {
			devices = append(devices, [2]string{id, name})
		}
	}
	return devices
}

func (c *command) resolve(index *int, input bool) (string, error) {
	if index == nil {
		def := c.platform.defaultOutput
		if input {
			def = c.platform.defaultInput
		}
		if def != "" {
			return def, nil
		}
		list, err := c.Enumerate()
		if err != nil {
			return "", err
		}
		for _, d := range list {
			if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
				return d.ID, nil
			}
		}
		return "", ErrNoDevice
	}
	list, err := c.Enumerate()
	if err != nil {
		return "", err
	}
	d, err := Lookup(list, *index, input)
	if err != nil {
		return "", fmt.Errorf("%w: index %d", err, *index)
	}
	return d.ID, nil
}

// startHelper prepares a helper process that is interrupted gracefully on cancel.
func startHelper(ctx context.Context, binary string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Cancel = func() error { return util.GracefulSignal(cmd.Process) }
	cmd.WaitDelay = processWaitDelay
	return cmd
}

func (c *command) OpenInput(cfg StreamConfig, cb Callback) (InputStream, error) {
	dev, err := c.resolve(cfg.DeviceIndex, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := startHelper(ctx, c.capture, c.platform.inputArgs(dev, cfg))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start capture helper", err)
	}

	s := &commandInput{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go s.read(stdout, cfg.BufferBytes(), cb)
	return s, nil
}

func (c *command) OpenOutput(cfg StreamConfig) (OutputStream, error) {
	if c.playback == "" {
		return nil, fmt.Errorf("%s not found in PATH", c.platform.outputBinary)
	}
	dev, err := c.resolve(cfg.DeviceIndex, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := startHelper(ctx, c.playback, c.platform.outputArgs(dev, cfg))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create stdin pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start playback helper", err)
	}
	return newCommandOutput(cmd, cancel, stdin, cfg.BufferDuration()), nil
}

func (c *command) Close() error { return nil }

type commandInput struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
}

func (s *commandInput) read(r io.Reader, size int, cb Callback) {
	defer close(s.done)
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		cb(buf)
	}
}

func (s *commandInput) Stop() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		// The helper exits by signal here; its status carries no information.
		_ = s.cmd.Wait()
	})
	return nil
}

func (s *commandInput) Close() error { return s.Stop() }

// commandOutput feeds a playback helper through a small queue drained by one
// writer goroutine, so a helper that stops reading never blocks the caller.
type commandOutput struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser

	pending chan []byte
	wait    time.Duration
	closed  chan struct{}
	done    chan struct{}
	err     atomic.Value // error from the writer goroutine

	closeOnce sync.Once
}

// newCommandOutput takes ownership of a started helper and its stdin pipe.
func newCommandOutput(cmd *exec.Cmd, cancel context.CancelFunc, stdin io.WriteCloser, wait time.Duration) *commandOutput {
	o := &commandOutput{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		pending: make(chan []byte, 8),
		wait:    wait,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.writer()
	return o
}

func (o *commandOutput) writer() {
	defer close(o.done)
	for {
		select {
		case <-o.closed:
			return
		case b := <-o.pending:
			if _, err := o.stdin.Write(b); err != nil {
				o.err.Store(err)
				return
			}
		}
	}
}

// Write queues buf for the helper. It blocks for at most one buffer duration
// and drops buf when the helper is not keeping up.
func (o *commandOutput) Write(buf []byte) error {
	select {
	case <-o.closed:
		return ErrClosed
	default:
	}
	if err, ok := o.err.Load().(error); ok {
		return err
	}

	t := time.NewTimer(max(o.wait, time.Millisecond))
	defer t.Stop()
	select {
	case <-o.closed:
		return ErrClosed
	case <-o.done:
		if err, ok := o.err.Load().(error); ok {
			return err
		}
		return ErrClosed
	case o.pending <- buf:
		return nil
	case <-t.C:
		// Playback is behind; drop rather than stall the caller.
		return nil
	}
}

func (o *commandOutput) Stop() error { return o.Close() }

// Close closes the pipe, which unblocks a writer stuck on a helper that does
// not read, then stops the helper.
func (o *commandOutput) Close() error {
	o.closeOnce.Do(func() {
		close(o.closed)
		_ = o.stdin.Close()
		o.cancel()
		<-o.done
		// The helper exits by signal here; its status carries no information.
		_ = o.cmd.Wait()
	})
	return nil
}
