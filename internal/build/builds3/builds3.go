package builds3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/k11v/kiln/internal/build"
)

var _ build.BlobStore = (*Storage)(nil)

// Storage reads uploaded blobs from one bucket.
type Storage struct {
	client *s3.Client
	bucket string

	// downloadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	downloadPartSize int
}

func NewStorage(client *s3.Client, bucket string) *Storage {
	return &Storage{
		client:           client,
		bucket:           bucket,
		downloadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// Fetch implements build.BlobStore.
func (s *Storage) Fetch(ctx context.Context, key string, w io.Writer) error {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = int64(s.downloadPartSize)
		d.Concurrency = 1
	})

	// fakeWriterAt needs manager.Downloader.Concurrency set to 1.
	_, err := downloader.Download(ctx, fakeWriterAt{w}, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if isNotFound(err) {
		return fmt.Errorf("builds3.Storage: %s: %w", key, build.ErrBlobNotFound)
	} else if err != nil {
		return fmt.Errorf("builds3.Storage: %w", err)
	}

	return nil
}

// Upload stores the content of r under key. It is used by tools that
// enqueue uploads.
func (s *Storage) Upload(ctx context.Context, key string, r io.Reader) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = int64(s.downloadPartSize)
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("builds3.Storage: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if noSuchKey := (*types.NoSuchKey)(nil); errors.As(err, &noSuchKey) {
		return true
	}
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// fakeWriterAt wraps an io.Writer to provide a fake WriteAt method.
// This method simply calls w.Write ignoring the offset parameter.
// It can be used with github.com/aws/aws-sdk-go-v2/feature/s3/manager.Downloader.Download
// if its concurrency is set to 1 because this guarantees the sequential writes.
type fakeWriterAt struct {
	w io.Writer // required
}

func (writerAt fakeWriterAt) WriteAt(p []byte, _ int64) (n int, err error) {
	return writerAt.w.Write(p)
}
