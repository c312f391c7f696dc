package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/utils"
)

type s3Store struct {
	log    *logger.Logger
	client *s3.Client
	bucket string
	region string
}

func NewS3Store(ctx context.Context, log *logger.Logger) (BlobStore, error) {
	serviceLog := log.With("service", "BlobStore")

	bucket := utils.GetEnv("S3_BUCKET", "", log)
	if bucket == "" {
		return nil, fmt.Errorf("missing env var S3_BUCKET")
	}
	region := utils.GetEnv("AWS_REGION", "us-east-1", log)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if endpoint := utils.GetEnv("S3_ENDPOINT", "", log); endpoint != "" {
		// Local stacks (minio, localstack) need path-style addressing.
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	serviceLog.Info("Object storage initialized", "bucket", bucket, "region", region)

	return &s3Store{
		log:    serviceLog,
		client: s3.NewFromConfig(cfg, clientOpts...),
		bucket: bucket,
		region: region,
	}, nil
}

func (s *s3Store) Upload(ctx context.Context, body io.Reader, key, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.URLFromKey(key), nil
}

func (s *s3Store) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return s.Upload(ctx, f, key, contentType)
}

func (s *s3Store) Download(ctx context.Context, key, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		return fmt.Errorf("write %s: %w", localPath, err)
	}
	return f.Close()
}

func (s *s3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	info := &ObjectInfo{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Move(ctx context.Context, oldKey, newKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + oldKey),
		Key:        aws.String(newKey),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", oldKey, newKey, err)
	}
	return s.Delete(ctx, oldKey)
}

func (s *s3Store) KeyFromURL(raw string) (string, error) {
	return ParseKey(raw, s.bucket)
}

func (s *s3Store) URLFromKey(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, strings.TrimPrefix(key, "/"))
}

// ParseKey extracts the object key from a blob URL. Bare keys pass through so
// callers can hand either form to the store.
func ParseKey(raw, bucket string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty blob URL")
	}
	if strings.HasPrefix(raw, "s3://") {
		rest := strings.TrimPrefix(raw, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return "", fmt.Errorf("malformed s3 URL %q", raw)
		}
		if bucket != "" && parts[0] != bucket {
			return "", fmt.Errorf("s3 URL %q names bucket %q, expected %q", raw, parts[0], bucket)
		}
		return parts[1], nil
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse blob URL %q: %w", raw, err)
		}
		host := u.Hostname()
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return "", fmt.Errorf("blob URL %q has no key", raw)
		}
		// Virtual-hosted style: {bucket}.s3.{region}.amazonaws.com/{key}.
		if idx := strings.Index(host, ".s3."); idx > 0 {
			if bucket != "" && host[:idx] != bucket {
				return "", fmt.Errorf("blob URL %q names bucket %q, expected %q", raw, host[:idx], bucket)
			}
			return key, nil
		}
		// Path style: s3.{region}.amazonaws.com/{bucket}/{key} or local endpoint.
		parts := strings.SplitN(key, "/", 2)
		if len(parts) == 2 && (bucket == "" || parts[0] == bucket) {
			return parts[1], nil
		}
		return key, nil
	}
	return strings.TrimPrefix(raw, "/"), nil
}
