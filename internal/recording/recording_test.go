package recording

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

func TestSegmentPath(t *testing.T) {
	start := time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC)
	got := SegmentPath("/data", "radio", start)
	want := filepath.Join("/data", "2025", "03-07", "radio_20250307_140509.wav")
	if got != want {
		t.Errorf("SegmentPath() = %q, want %q", got, want)
	}
}

func TestParseSegmentTime(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   time.Time
		wantOK bool
	}{
		{"plain", "radio_20250307_140509.wav", time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC), true},
		{"prefix with underscore", "zuid_west_20241231_235959.wav", time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), true},
		{"same-second suffix", "radio_20250307_140509_2.wav", time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC), true},
		{"object key", "archive/2025/03-07/radio_20250307_000000.wav", time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC), true},
		{"wrong extension", "radio_20250307_140509.mp3", time.Time{}, false},
		{"no timestamp", "radio.wav", time.Time{}, false},
		{"invalid month", "radio_20251307_140509.wav", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSegmentTime(tt.input, time.UTC)
			if ok != tt.wantOK {
				t.Fatalf("ParseSegmentTime(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ParseSegmentTime(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	path := "/rec/2025/01-02/radio_20250102_030405.wav"

	tests := []struct {
		prefix string
		want   string
	}{
		{"", "2025/01-02/radio_20250102_030405.wav"},
		{"studio", "studio/2025/01-02/radio_20250102_030405.wav"},
		{"/studio/", "studio/2025/01-02/radio_20250102_030405.wav"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, path, start); got != tt.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func pcmFrames(channels, frames int, value int16) []byte {
	b := make([]byte, channels*frames*2)
	for i := 0; i < channels*frames; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(value))
	}
	return b
}

func TestCreateSegmentKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)
	path := SegmentPath(dir, "radio", start)

	first, err := CreateSegment(path, 8000, 1, 1, start)
	if err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if err := first.Write(pcmFrames(1, 2000, 100)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	size := info.Size()

	// A restart within the same second asks for the same name twice more.
	for i, want := range []string{"radio_20250307_140000_1.wav", "radio_20250307_140000_2.wav"} {
		seg, err := CreateSegment(path, 8000, 1, 1, start)
		if err != nil {
			t.Fatalf("CreateSegment() #%d error = %v", i+2, err)
		}
		if got := filepath.Base(seg.Path()); got != want {
			t.Errorf("segment #%d path = %q, want %q", i+2, got, want)
		}
		if err := seg.Close(); err != nil {
			t.Fatal(err)
		}
	}

	info, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != size {
		t.Errorf("existing segment changed size: %d -> %d", size, info.Size())
	}
}

func TestSegmentWriteAndClose(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)
	path := SegmentPath(dir, "radio", start)

	seg, err := CreateSegment(path, 8000, 2, 1, start)
	if err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}

	for range 10 {
		if err := seg.Write(pcmFrames(2, 100, -1234)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	// A trailing partial frame is ignored.
	if err := seg.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write(partial) error = %v", err)
	}

	if got := seg.FramesWritten(); got != 1000 {
		t.Errorf("FramesWritten() = %d, want 1000", got)
	}
	if got := seg.BytesWritten(); got != 4000 {
		t.Errorf("BytesWritten() = %d, want 4000", got)
	}

	if err := seg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := seg.Write(pcmFrames(2, 1, 0)); err != ErrSegmentClosed {
		t.Errorf("Write after Close error = %v, want ErrSegmentClosed", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		t.Fatalf("ReadInfo() error = %v", err)
	}
	if dec.SampleRate != 8000 || dec.NumChans != 2 || dec.BitDepth != 16 {
		t.Errorf("format = %d Hz/%d ch/%d bit, want 8000/2/16", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer() error = %v", err)
	}
	if len(buf.Data) != 2000 {
		t.Fatalf("decoded %d samples, want 2000", len(buf.Data))
	}
	if buf.Data[0] != -1234 || buf.Data[1999] != -1234 {
		t.Errorf("decoded samples = %d..%d, want -1234", buf.Data[0], buf.Data[1999])
	}

	info := seg.Info(start.Add(time.Minute))
	if info.Index != 1 || info.Frames != 1000 || info.Path != path {
		t.Errorf("Info() = %+v", info)
	}
}

func TestEmptySegmentHasHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "radio_20250101_000000.wav")
	seg, err := CreateSegment(path, 44100, 1, 1, time.Now())
	if err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 44 {
		t.Fatalf("empty segment size = %d, want 44", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Errorf("unexpected header %q", data[:44])
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != 0 {
		t.Errorf("data chunk size = %d, want 0", size)
	}
}

func TestCreateSegmentInvalidFormat(t *testing.T) {
	if _, err := CreateSegment(filepath.Join(t.TempDir(), "x.wav"), 0, 1, 1, time.Now()); err == nil {
		t.Error("CreateSegment() with zero sample rate should fail")
	}
}

func TestDailyCounter(t *testing.T) {
	day1 := time.Date(2025, 5, 1, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 5, 2, 0, 0, 1, 0, time.UTC)

	c := NewDailyCounter(2)

	for want := 1; want <= 2; want++ {
		idx, ok := c.Next(day1)
		if !ok || idx != want {
			t.Fatalf("Next() = %d, %v; want %d, true", idx, ok, want)
		}
	}
	if _, ok := c.Next(day1.Add(time.Minute)); ok {
		t.Fatal("Next() beyond cap should be refused")
	}
	if !c.Reached(day1) {
		t.Error("Reached() = false at cap")
	}
	if c.Reached(day2) {
		t.Error("Reached() = true on a new day")
	}

	idx, ok := c.Next(day2)
	if !ok || idx != 1 {
		t.Fatalf("Next() after date change = %d, %v; want 1, true", idx, ok)
	}
	if c.Count() != 1 {
		t.Errorf("Count() = %d, want 1", c.Count())
	}
}

func TestDailyCounterUnlimited(t *testing.T) {
	c := NewDailyCounter(0)
	now := time.Now()
	for i := 1; i <= 500; i++ {
		if idx, ok := c.Next(now); !ok || idx != i {
			t.Fatalf("Next() = %d, %v; want %d, true", idx, ok, i)
		}
	}
}
