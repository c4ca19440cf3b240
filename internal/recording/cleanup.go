package recording

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
)

const (
	// cleanupHour is the local hour at which the daily cleanup runs.
	cleanupHour = 3
	// s3CleanupTimeout bounds one S3 cleanup pass.
	s3CleanupTimeout = 5 * time.Minute
)

// Cleaner removes segments older than the retention period, locally and on S3.
type Cleaner struct {
	root          string
	retentionDays int
	bucket        string
	prefix        string
	client        s3API
	events        *eventlog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleaner creates a cleaner for the segment tree at root. s3cfg may be nil
// to skip remote cleanup. A retentionDays of zero keeps everything.
func NewCleaner(root string, retentionDays int, s3cfg *S3Config, events *eventlog.Logger) *Cleaner {
	c := &Cleaner{
		root:          root,
		retentionDays: retentionDays,
		events:        events,
		stopCh:        make(chan struct{}),
	}
	if s3cfg.IsConfigured() {
		c.bucket = s3cfg.Bucket
		c.prefix = strings.Trim(s3cfg.Prefix, "/")
		c.client = newS3Client(s3cfg)
	}
	return c
}

// Start starts the daily cleanup scheduler.
func (c *Cleaner) Start() {
	if c.retentionDays <= 0 {
		slog.Info("cleanup disabled, retention is 0")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			now := time.Now()
			next := nextCleanup(now)
			slog.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

			timer := time.NewTimer(next.Sub(now))
			select {
			case <-timer.C:
				c.Run(time.Now())
			case <-c.stopCh:
				timer.Stop()
				slog.Info("cleanup scheduler stopped")
				return
			}
		}
	}()
}

// Stop stops the scheduler and waits for a running pass to finish.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// nextCleanup returns the next 03:00 after now.
func nextCleanup(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run performs one cleanup pass relative to now and returns the number of
// local files and S3 objects deleted.
func (c *Cleaner) Run(now time.Time) (local, remote int) {
	if c.retentionDays <= 0 {
		return 0, 0
	}

	slog.Info("cleanup: starting", "retention_days", c.retentionDays)

	local = c.cleanupLocal(now)
	if local > 0 {
		c.events.Emit(eventlog.CleanupCompleted, "", "local segments removed", &eventlog.StorageDetails{
			FilesDeleted: local,
			StorageType:  "local",
		})
	}

	if c.client != nil {
		remote = c.cleanupS3(now)
		if remote > 0 {
			c.events.Emit(eventlog.CleanupCompleted, "", "S3 segments removed", &eventlog.StorageDetails{
				FilesDeleted: remote,
				StorageType:  "s3",
			})
		}
	}

	slog.Info("cleanup: completed", "local", local, "s3", remote)
	return local, remote
}

// expired reports whether a segment dated day is older than the retention period.
func (c *Cleaner) expired(day, now time.Time) bool {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())
	days := int(math.Round(today.Sub(day).Hours() / 24))
	return days > c.retentionDays
}

// cleanupLocal removes WAV files in expired {root}/YYYY/MM-DD directories,
// then the directories themselves when they are empty.
func (c *Cleaner) cleanupLocal(now time.Time) int {
	years, err := os.ReadDir(c.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("cleanup: failed to read recording directory", "path", c.root, "error", err)
		}
		return 0
	}

	var deleted int
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		year, err := strconv.Atoi(y.Name())
		if err != nil || len(y.Name()) != 4 {
			continue
		}
		yearPath := filepath.Join(c.root, y.Name())

		days, err := os.ReadDir(yearPath)
		if err != nil {
			slog.Warn("cleanup: failed to read year directory", "path", yearPath, "error", err)
			continue
		}

		for _, d := range days {
			if !d.IsDir() {
				continue
			}
			md, err := time.ParseInLocation(dayDirLayout, d.Name(), now.Location())
			if err != nil {
				continue
			}
			day := time.Date(year, md.Month(), md.Day(), 0, 0, 0, 0, now.Location())
			if !c.expired(day, now) {
				continue
			}
			deleted += removeSegments(filepath.Join(yearPath, d.Name()))
		}

		removeIfEmpty(yearPath)
	}
	return deleted
}

// removeSegments deletes the WAV files in dir and removes dir if it is empty afterwards.
func removeSegments(dir string) int {
	files, err := filepath.Glob(filepath.Join(dir, "*"+segmentExt))
	if err != nil {
		return 0
	}

	var deleted int
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			slog.Error("cleanup: failed to delete local file", "path", f, "error", err)
			continue
		}
		deleted++
		slog.Debug("cleanup: deleted local file", "path", f)
	}

	removeIfEmpty(dir)
	return deleted
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		slog.Warn("cleanup: failed to remove empty directory", "path", dir, "error", err)
	}
}

// cleanupS3 removes S3 objects whose segment date is older than the retention period.
func (c *Cleaner) cleanupS3(now time.Time) int {
	ctx, cancel := context.WithTimeoutCause(
		context.Background(),
		s3CleanupTimeout,
		errors.New("s3 cleanup timeout"),
	)
	defer cancel()

	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix + "/")
	}

	var deleted int
	for {
		output, err := c.client.ListObjectsV2(ctx, input)
		if err != nil {
			slog.Warn("cleanup: failed to list S3 objects", "bucket", c.bucket, "error", err)
			return deleted
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			start, ok := ParseSegmentTime(key, now.Location())
			if !ok || !c.expired(start, now) {
				continue
			}

			if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.bucket),
				Key:    obj.Key,
			}); err != nil {
				slog.Warn("cleanup: failed to delete S3 object", "key", key, "error", err)
				continue
			}
			deleted++
			slog.Debug("cleanup: deleted S3 object", "key", key)
		}

		if !aws.ToBool(output.IsTruncated) {
			return deleted
		}
		input.ContinuationToken = output.NextContinuationToken
	}
}
