package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Head for keys with no object behind them.
var ErrNotFound = errors.New("blob not found")

type ObjectInfo struct {
	Size        int64
	ContentType string
}

// BlobStore is the object storage boundary. Keys are bucket-relative; URLs are
// accepted in either https://{bucket}.s3.{region}.amazonaws.com/{key} or
// s3://{bucket}/{key} form.
type BlobStore interface {
	Upload(ctx context.Context, body io.Reader, key, contentType string) (string, error)
	UploadFile(ctx context.Context, localPath, key, contentType string) (string, error)
	Download(ctx context.Context, key, localPath string) error
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Move(ctx context.Context, oldKey, newKey string) error
	KeyFromURL(url string) (string, error)
	URLFromKey(key string) string
}
