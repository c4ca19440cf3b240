package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const (
	// uploadQueueSize is the capacity of the upload queue.
	uploadQueueSize = 64
	// uploadTimeout bounds a single PutObject call.
	uploadTimeout = 5 * time.Minute
	// MaxUploadRetryAge is the maximum age for retrying uploads.
	MaxUploadRetryAge = 24 * time.Hour
	// retryInitialDelay and retryMaxDelay bound the retry backoff.
	retryInitialDelay = time.Minute
	retryMaxDelay     = 30 * time.Minute
)

// wavContentType is the content type of uploaded segments.
const wavContentType = "audio/wav"

// uploadRequest represents a file to be uploaded to S3.
type uploadRequest struct {
	localPath string
	s3Key     string
}

// pendingUpload tracks a failed upload for retry.
type pendingUpload struct {
	request      uploadRequest
	firstAttempt time.Time
	retryCount   int
	lastError    string
}

// Uploader copies closed segments to S3 on a single worker goroutine.
// Failed uploads are retried with exponential backoff for up to 24 hours.
type Uploader struct {
	cfg     S3Config
	client  s3API
	events  *eventlog.Logger
	backoff *util.Backoff
	now     func() time.Time

	// onAbandon is called with the file name and last error of an upload given up on.
	onAbandon func(name, lastErr string)

	queue    chan uploadRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	retryQueue []pendingUpload
	stopped    bool
}

// NewUploader creates an uploader for cfg. Call Start to launch the worker.
func NewUploader(cfg S3Config, events *eventlog.Logger) (*Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, ErrS3NotConfigured
	}
	return newUploader(cfg, newS3Client(&cfg), events), nil
}

func newUploader(cfg S3Config, client s3API, events *eventlog.Logger) *Uploader {
	return &Uploader{
		cfg:     cfg,
		client:  client,
		events:  events,
		backoff: util.NewBackoff(retryInitialDelay, retryMaxDelay),
		now:     time.Now,
		queue:   make(chan uploadRequest, uploadQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// OnAbandon sets the function called when an upload is given up on. It must be set before Start.
func (u *Uploader) OnAbandon(fn func(name, lastErr string)) {
	u.onAbandon = fn
}

// Start launches the upload worker.
func (u *Uploader) Start() {
	u.wg.Add(1)
	go u.worker()
}

// Enqueue queues a closed segment for upload. When the queue is full the
// segment goes straight to the retry list.
func (u *Uploader) Enqueue(seg types.SegmentInfo) error {
	u.mu.Lock()
	stopped := u.stopped
	u.mu.Unlock()
	if stopped {
		return ErrUploaderStopped
	}

	req := uploadRequest{
		localPath: seg.Path,
		s3Key:     ObjectKey(u.cfg.Prefix, seg.Path, seg.Start),
	}

	select {
	case u.queue <- req:
		slog.Info("queued segment for upload", "file", filepath.Base(req.localPath))
	default:
		slog.Warn("upload queue full, deferring to retry", "file", filepath.Base(req.localPath))
		u.addToRetryQueue(req, "upload queue full")
	}
	return nil
}

// Pending returns the number of uploads waiting for a retry.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.retryQueue)
}

// TestConnection checks that the configured bucket is reachable.
func (u *Uploader) TestConnection() error {
	return headBucket(u.client, u.cfg.Bucket)
}

// Stop stops accepting segments, uploads what is still queued and waits for the worker.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopped = true
		u.mu.Unlock()
		close(u.stopCh)
	})
	u.wg.Wait()
}

// worker processes the upload queue, draining remaining items on shutdown.
func (u *Uploader) worker() {
	defer u.wg.Done()

	timer := time.NewTimer(u.backoff.Next())
	defer timer.Stop()

	for {
		select {
		case <-u.stopCh:
			for {
				select {
				case req := <-u.queue:
					if err := u.upload(req); err != nil {
						u.addToRetryQueue(req, err.Error())
					}
				default:
					if n := u.Pending(); n > 0 {
						slog.Warn("uploader stopped with pending retries", "count", n)
					}
					return
				}
			}
		case req := <-u.queue:
			if err := u.upload(req); err != nil {
				u.addToRetryQueue(req, err.Error())
			}
		case <-timer.C:
			if u.processRetryQueue() {
				u.backoff.Reset()
			}
			timer.Reset(u.backoff.Next())
		}
	}
}

// upload performs one PutObject for req.
func (u *Uploader) upload(req uploadRequest) error {
	ctx, cancel := context.WithTimeoutCause(
		context.Background(),
		uploadTimeout,
		errors.New("s3 upload timeout"),
	)
	defer cancel()

	name := filepath.Base(req.localPath)

	file, err := os.Open(req.localPath)
	if err != nil {
		return util.WrapError("open segment for upload", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close file after upload", "file", name, "error", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return util.WrapError("stat segment for upload", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(req.s3Key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(wavContentType),
	})
	if err != nil {
		slog.Error("upload failed", "s3_key", req.s3Key, "error", err)
		u.events.Emit(eventlog.UploadFailed, "", "upload failed", &eventlog.StorageDetails{
			Filename: name,
			S3Key:    req.s3Key,
			Error:    err.Error(),
		})
		return err
	}

	slog.Info("upload completed", "s3_key", req.s3Key)
	u.events.Emit(eventlog.UploadCompleted, "", "upload completed", &eventlog.StorageDetails{
		Filename: name,
		S3Key:    req.s3Key,
	})

	if u.cfg.DeleteLocal {
		if err := os.Remove(req.localPath); err != nil {
			slog.Warn("failed to delete local segment after upload", "path", req.localPath, "error", err)
		}
	}
	return nil
}

// addToRetryQueue adds a failed upload to the retry queue.
func (u *Uploader) addToRetryQueue(req uploadRequest, errMsg string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range u.retryQueue {
		if u.retryQueue[i].request.localPath == req.localPath {
			u.retryQueue[i].lastError = errMsg
			return
		}
	}

	u.retryQueue = append(u.retryQueue, pendingUpload{
		request:      req,
		firstAttempt: u.now(),
		lastError:    errMsg,
	})
	slog.Info("upload queued for retry", "file", filepath.Base(req.localPath))
}

// processRetryQueue retries every pending upload once and reports whether
// the retry list is empty afterwards.
func (u *Uploader) processRetryQueue() bool {
	u.mu.Lock()
	pending := u.retryQueue
	u.retryQueue = nil
	u.mu.Unlock()

	if len(pending) == 0 {
		return true
	}

	now := u.now()
	var failed []pendingUpload

	for i := range pending {
		p := &pending[i]
		name := filepath.Base(p.request.localPath)

		if now.Sub(p.firstAttempt) > MaxUploadRetryAge {
			slog.Warn("upload abandoned after 24h", "file", name, "attempts", p.retryCount+1)
			u.events.Emit(eventlog.UploadAbandoned, "", "exceeded 24h retry limit", &eventlog.StorageDetails{
				Filename:   name,
				S3Key:      p.request.s3Key,
				Error:      p.lastError,
				RetryCount: p.retryCount,
			})
			if u.onAbandon != nil {
				u.onAbandon(name, p.lastError)
			}
			continue
		}

		if _, err := os.Stat(p.request.localPath); errors.Is(err, os.ErrNotExist) {
			slog.Warn("retry file no longer exists", "path", p.request.localPath)
			continue
		}

		p.retryCount++
		slog.Info("retrying upload", "file", name, "attempt", p.retryCount)
		if err := u.upload(p.request); err != nil {
			p.lastError = err.Error()
			failed = append(failed, *p)
		}
	}

	u.mu.Lock()
	u.retryQueue = append(u.retryQueue, failed...)
	empty := len(u.retryQueue) == 0
	u.mu.Unlock()
	return empty
}
