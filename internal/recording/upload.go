package recording

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

const (
	// uploadQueueSize bounds the number of finished files waiting for upload.
	uploadQueueSize = 100
	// uploadAttempts is how often a single file is tried.
	uploadAttempts = 3
	// uploadTimeout bounds one PutObject call.
	uploadTimeout = 5 * time.Minute
)

// objectStore is the subset of the S3 client the uploader uses.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// UploadResult reports the outcome of one upload.
type UploadResult struct {
	File FileEvent
	Key  string
	Err  error
}

// Uploader ships closed recording files to S3-compatible storage from a
// background worker.
type Uploader struct {
	client   objectStore
	cfg      S3Config
	runID    string
	format   sink.Format
	queue    chan FileEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	backoff  *util.Backoff
	onResult func(UploadResult)
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// NewUploader returns an uploader for cfg. Keys are grouped under runID.
// onResult, if set, is called from the worker after every upload.
func NewUploader(cfg S3Config, runID string, format sink.Format, onResult func(UploadResult)) (*Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, ErrS3NotConfigured
	}
	return newUploader(createS3Client(&cfg), cfg, runID, format, onResult), nil
}

func newUploader(client objectStore, cfg S3Config, runID string, format sink.Format, onResult func(UploadResult)) *Uploader {
	u := &Uploader{
		client:   client,
		cfg:      cfg,
		runID:    runID,
		format:   format,
		queue:    make(chan FileEvent, uploadQueueSize),
		stopCh:   make(chan struct{}),
		backoff:  util.NewBackoff(2*time.Second, 30*time.Second),
		onResult: onResult,
	}
	u.wg.Add(1)
	go u.worker()
	return u
}

// Check verifies bucket access by writing and deleting a small object.
func (u *Uploader) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := path.Join(u.prefix(), fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("multitrack recorder connection test")

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return util.WrapError("upload test file", err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(testKey),
	}); err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}
	return nil
}

// Enqueue schedules a closed file for upload without blocking.
// It reports false when the queue is full or the uploader stopped.
func (u *Uploader) Enqueue(ev FileEvent) bool {
	select {
	case <-u.stopCh:
		return false
	default:
	}
	select {
	case u.queue <- ev:
		slog.Debug("queued file for upload", "file", filepath.Base(ev.Path))
		return true
	default:
		slog.Warn("upload queue full, keeping local file", "file", ev.Path)
		return false
	}
}

// Stop uploads everything still queued and waits for the worker to exit.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	u.wg.Wait()
}

// Key returns the object key for a file.
func (u *Uploader) Key(ev FileEvent) string {
	return path.Join(u.prefix(), u.runID, sanitizeFilename(ev.Track.Device), filepath.Base(ev.Path))
}

func (u *Uploader) prefix() string {
	return cmp.Or(u.cfg.Prefix, "recordings")
}

func (u *Uploader) worker() {
	defer u.wg.Done()

	for {
		select {
		case <-u.stopCh:
			// Drain remaining items before exiting
			for {
				select {
				case ev := <-u.queue:
					u.upload(ev)
				default:
					return
				}
			}
		case ev := <-u.queue:
			u.upload(ev)
		}
	}
}

// upload sends one file, retrying with backoff.
func (u *Uploader) upload(ev FileEvent) {
	key := u.Key(ev)
	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if err = u.put(ev.Path, key); err == nil {
			break
		}
		slog.Warn("upload failed", "key", key, "attempt", attempt, "error", err)
		if attempt < uploadAttempts {
			select {
			case <-time.After(u.backoff.Next()):
			case <-u.stopCh:
				// Keep retrying without delay while draining.
			}
		}
	}
	u.backoff.Reset()

	if err == nil {
		slog.Info("upload completed", "key", key)
		if u.cfg.DeleteLocal {
			if rmErr := os.Remove(ev.Path); rmErr != nil {
				slog.Warn("failed to remove uploaded file", "file", ev.Path, "error", rmErr)
			}
		}
	} else {
		slog.Error("upload abandoned", "key", key, "error", err)
	}
	if u.onResult != nil {
		u.onResult(UploadResult{File: ev, Key: key, Err: err})
	}
}

func (u *Uploader) put(localPath, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	file, err := os.Open(localPath)
	if err != nil {
		return util.WrapError("open file for upload", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close file after upload", "file", localPath, "error", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return util.WrapError("stat file for upload", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(sink.ContentType(u.format)),
	})
	return err
}
