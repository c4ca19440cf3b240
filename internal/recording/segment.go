package recording

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// wavFormatPCM is the WAVE format tag for integer PCM.
const wavFormatPCM = 1

// bitDepth is the sample width written to segment files.
const bitDepth = 16

// Segment is one open WAV recording file.
type Segment struct {
	mu sync.Mutex

	path     string
	index    int
	start    time.Time
	channels int

	file *os.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer

	frames int64
	bytes  int64
	closed bool
}

// CreateSegment creates the directory tree and a WAV file at path, or at a
// suffixed variant of path when a file of that name already exists. The RIFF
// header is written immediately so that an empty segment is still a valid file.
func CreateSegment(path string, sampleRate, channels, index int, start time.Time) (*Segment, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid segment format: %d Hz, %d channels", sampleRate, channels)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, util.WrapError("create segment directory", err)
	}

	f, path, err := createUnique(path)
	if err != nil {
		return nil, util.WrapError("create segment file", err)
	}

	s := &Segment{
		path:     path,
		index:    index,
		start:    start,
		channels: channels,
		file:     f,
		enc:      wav.NewEncoder(f, sampleRate, bitDepth, channels, wavFormatPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}

	if err := s.enc.Write(s.buf); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, util.WrapError("write segment header", err)
	}

	return s, nil
}

// maxNameSuffix bounds the search for a free segment name within one second.
const maxNameSuffix = 99

// createUnique creates path without truncating an existing file. When path is
// taken, a numeric suffix is added before the extension: name_1.wav, name_2.wav.
// It returns the path actually created.
func createUnique(path string) (*os.File, string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for n := 1; ; n++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) || n > maxNameSuffix {
			return nil, "", err
		}
		candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

// Write appends interleaved S16LE samples. Trailing bytes that do not form a
// whole frame are ignored.
func (s *Segment) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	frameBytes := s.channels * types.BytesPerSample
	frames := len(pcm) / frameBytes
	if frames == 0 {
		return nil
	}

	samples := frames * s.channels
	if cap(s.buf.Data) < samples {
		s.buf.Data = make([]int, samples)
	}
	s.buf.Data = s.buf.Data[:samples]
	for i := range samples {
		s.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	if err := s.enc.Write(s.buf); err != nil {
		return util.WrapError("write segment", err)
	}

	s.frames += int64(frames)
	s.bytes += int64(frames * frameBytes)
	return nil
}

// Close patches the RIFF header sizes and closes the file. It is safe to call more than once.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	encErr := s.enc.Close()
	fileErr := s.file.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return util.WrapError("close segment", err)
	}

	slog.Info("segment closed",
		"path", s.path,
		"index", s.index,
		"frames", s.frames,
		"size_mb", fmt.Sprintf("%.2f", s.sizeMBLocked()))
	return nil
}

// Path returns the segment file path.
func (s *Segment) Path() string {
	return s.path
}

// Index returns the daily index of the segment.
func (s *Segment) Index() int {
	return s.index
}

// Start returns the segment start time.
func (s *Segment) Start() time.Time {
	return s.start
}

// FramesWritten returns the number of frames written so far.
func (s *Segment) FramesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// BytesWritten returns the number of PCM bytes written so far.
func (s *Segment) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *Segment) sizeMBLocked() float64 {
	return float64(s.bytes) / (1024 * 1024)
}

// Info describes the segment, ending at end.
func (s *Segment) Info(end time.Time) types.SegmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SegmentInfo{
		Path:   s.path,
		Index:  s.index,
		Start:  s.start,
		End:    end,
		Frames: s.frames,
		Bytes:  s.bytes,
	}
}
