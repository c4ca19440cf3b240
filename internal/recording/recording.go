// Package recording provides WAV segment files, the daily segment counter,
// S3 upload of closed segments and retention cleanup.
package recording

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors for recording operations.
var (
	// ErrSegmentClosed is returned when writing to a closed segment.
	ErrSegmentClosed = errors.New("segment is closed")

	// ErrS3NotConfigured is returned when an S3 operation is requested without credentials.
	ErrS3NotConfigured = errors.New("S3 is not configured")

	// ErrUploaderStopped is returned when a segment is queued after Stop.
	ErrUploaderStopped = errors.New("uploader is stopped")
)

const (
	// segmentTimeLayout is the timestamp embedded in segment file names.
	segmentTimeLayout = "20060102_150405"
	// dayDirLayout is the per-day directory name below the year directory.
	dayDirLayout = "01-02"
	// segmentExt is the segment file extension.
	segmentExt = ".wav"
)

// segmentNamePattern matches {prefix}_{YYYYMMDD_HHMMSS}[_N].wav.
var segmentNamePattern = regexp.MustCompile(`_(\d{8}_\d{6})(?:_\d+)?\.wav$`)

// SegmentDir returns the directory holding segments started at t: {root}/{YYYY}/{MM-DD}.
func SegmentDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format("2006"), t.Format(dayDirLayout))
}

// SegmentName returns the file name for a segment started at t.
func SegmentName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s%s", prefix, t.Format(segmentTimeLayout), segmentExt)
}

// SegmentPath returns {root}/{YYYY}/{MM-DD}/{prefix}_{YYYYMMDD_HHMMSS}.wav.
func SegmentPath(root, prefix string, t time.Time) string {
	return filepath.Join(SegmentDir(root, t), SegmentName(prefix, t))
}

// ParseSegmentTime extracts the start time from a segment file name in loc.
func ParseSegmentTime(name string, loc *time.Location) (time.Time, bool) {
	m := segmentNamePattern.FindStringSubmatch(filepath.Base(name))
	if len(m) < 2 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(segmentTimeLayout, m[1], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ObjectKey returns the S3 key for a segment file: [{prefix}/]{YYYY}/{MM-DD}/{file}.
func ObjectKey(prefix, path string, start time.Time) string {
	key := start.Format("2006") + "/" + start.Format(dayDirLayout) + "/" + filepath.Base(path)
	if prefix = strings.Trim(prefix, "/"); prefix == "" {
		return key
	}
	return prefix + "/" + key
}
