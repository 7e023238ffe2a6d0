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
	"github.com/oszuidwest/zwfm-systemtap/internal/eventlog"
	"github.com/oszuidwest/zwfm-systemtap/internal/notify"
	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// uploadQueueSize bounds the number of finished captures waiting for upload.
const uploadQueueSize = 100

// uploadTimeout bounds a single PutObject call.
const uploadTimeout = 5 * time.Minute

// uploadRequest represents a file to be uploaded to S3.
type uploadRequest struct {
	localPath string
	s3Key     string
	fileSize  int64
}

// Uploader moves finished captures to S3, retrying failed uploads with
// exponential backoff.
type Uploader struct {
	store  objectStore
	bucket string
	prefix string
	mode   types.StorageMode
	events *eventlog.Logger
	alerts *notify.Notifier

	retryInitial time.Duration
	retryMax     time.Duration

	queue  chan uploadRequest
	stopCh chan struct{}
	wg     sync.WaitGroup

	// ctx aborts in-flight uploads and retry waits when Close gives up.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending int
	lastErr string
}

// NewUploader creates an uploader for cfg and starts its worker. events and
// alerts may be nil.
func NewUploader(cfg *S3Config, mode types.StorageMode, events *eventlog.Logger, alerts *notify.Notifier) (*Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, ErrS3NotConfigured
	}
	return newUploader(createS3Client(cfg), cfg.Bucket, cfg.Prefix, mode, events, alerts), nil
}

func newUploader(store objectStore, bucket, prefix string, mode types.StorageMode, events *eventlog.Logger, alerts *notify.Notifier) *Uploader {
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		store:        store,
		bucket:       bucket,
		prefix:       prefix,
		mode:         mode,
		events:       events,
		alerts:       alerts,
		retryInitial: types.InitialRetryDelay,
		retryMax:     types.MaxRetryDelay,
		queue:        make(chan uploadRequest, uploadQueueSize),
		stopCh:       make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	u.wg.Go(u.worker)
	return u
}

// Enqueue queues a finished capture for upload.
func (u *Uploader) Enqueue(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return util.WrapError("stat recording file", err)
	}

	filename := filepath.Base(filePath)
	req := uploadRequest{
		localPath: filePath,
		s3Key:     generateS3Key(u.prefix, filename),
		fileSize:  info.Size(),
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrUploaderClosed
	}

	select {
	case u.queue <- req:
		u.pending++
	default:
		slog.Warn("upload queue full", "file", filename)
		return errors.New("upload queue full")
	}

	slog.Info("queued file for upload", "file", filename, "s3_key", req.s3Key)
	u.logEvent(eventlog.UploadQueued, filename, req.s3Key, "", 0)
	return nil
}

// Pending returns the number of uploads queued or being retried.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending
}

// LastError returns the most recent upload failure, if any.
func (u *Uploader) LastError() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// Close stops accepting uploads and waits for queued uploads, including
// their retries, to finish. When ctx expires first, remaining uploads are
// abandoned and ctx's error is returned.
func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.stopCh)
	}
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		u.cancel()
		return nil
	case <-ctx.Done():
		u.cancel()
		<-done
		return ctx.Err()
	}
}

// worker processes the upload queue, draining remaining items on shutdown.
func (u *Uploader) worker() {
	for {
		select {
		case <-u.stopCh:
			// Drain remaining items before exiting
			for {
				select {
				case req := <-u.queue:
					u.process(req)
				default:
					return
				}
			}
		case req := <-u.queue:
			u.process(req)
		}
	}
}

// process uploads req, retrying up to types.MaxUploadRetries times.
func (u *Uploader) process(req uploadRequest) {
	defer func() {
		u.mu.Lock()
		u.pending--
		u.mu.Unlock()
	}()

	filename := filepath.Base(req.localPath)
	backoff := util.NewBackoff(u.retryInitial, u.retryMax)

	for attempt := 0; ; attempt++ {
		err := u.upload(req)
		if err == nil {
			slog.Info("upload completed", "s3_key", req.s3Key, "attempt", attempt+1)
			u.logEvent(eventlog.UploadCompleted, filename, req.s3Key, "", attempt)
			u.removeLocalCopy(req.localPath)
			return
		}

		u.setLastError(err)
		slog.Error("upload failed", "s3_key", req.s3Key, "attempt", attempt+1, "error", err)
		u.logEvent(eventlog.UploadFailed, filename, req.s3Key, err.Error(), attempt)

		if os.IsNotExist(err) {
			slog.Warn("upload file no longer exists", "path", req.localPath)
			u.abandon(req, "file no longer exists", attempt)
			return
		}
		if attempt >= types.MaxUploadRetries {
			slog.Warn("upload abandoned", "file", filename, "attempts", attempt+1)
			u.abandon(req, err.Error(), attempt)
			return
		}

		delay := backoff.Next()
		select {
		case <-time.After(delay):
		case <-u.ctx.Done():
			slog.Warn("upload abandoned on shutdown", "file", filename, "attempts", attempt+1)
			u.abandon(req, "shutdown", attempt)
			return
		}

		slog.Info("retrying upload", "file", filename, "attempt", attempt+2, "delay", delay)
		u.logEvent(eventlog.UploadRetry, filename, req.s3Key, "", attempt+1)
	}
}

// upload performs a single PutObject for req.
func (u *Uploader) upload(req uploadRequest) error {
	ctx, cancel := context.WithTimeoutCause(u.ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	file, err := os.Open(req.localPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close file after upload", "path", req.localPath, "error", err)
		}
	}()

	_, err = u.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(req.s3Key),
		Body:          file,
		ContentLength: aws.Int64(req.fileSize),
		ContentType:   aws.String(wavContentType),
	})
	return err
}

// removeLocalCopy deletes the local file in S3-only mode.
func (u *Uploader) removeLocalCopy(path string) {
	if u.mode != types.StorageS3 {
		// For "both" mode: file stays until retention cleanup
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to delete local file after upload", "path", path, "error", err)
		return
	}
	slog.Debug("deleted local file after upload", "path", path)
}

// abandon records that req will not be uploaded and alerts about it.
func (u *Uploader) abandon(req uploadRequest, reason string, attempt int) {
	u.logEvent(eventlog.UploadAbandoned, filepath.Base(req.localPath), req.s3Key, reason, attempt)
	u.alerts.Dispatch(notify.Alert{
		Event:      notify.EventUploadAbandoned,
		File:       req.localPath,
		S3Key:      req.s3Key,
		RetryCount: attempt,
		Error:      reason,
	})
}

func (u *Uploader) setLastError(err error) {
	u.mu.Lock()
	u.lastErr = err.Error()
	u.mu.Unlock()
}

func (u *Uploader) logEvent(eventType eventlog.EventType, filename, s3Key, errMsg string, retry int) {
	if err := u.events.LogUpload(eventType, filename, string(u.mode), s3Key, errMsg, retry, 0, ""); err != nil {
		slog.Warn("failed to write event", "type", eventType, "error", err)
	}
}
