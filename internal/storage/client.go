package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const scheme = "s3://"

var ErrNotObjectPath = errors.New("not an object storage path")

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	Prefix   string
}

// Client moves finished downloads into a bucket and hands out links to them.
type Client struct {
	minio  *minio.Client
	bucket string
	prefix string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:  mc,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// UploadResult stores a finished download under <prefix>/<jobID>/<file> and
// removes the local copy. It returns the s3:// path of the object.
func (c *Client) UploadResult(ctx context.Context, jobID, localPath string) (string, error) {
	key := ObjectKey(c.prefix, jobID, filepath.Base(localPath))

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := c.minio.FPutObject(ctx, c.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"job-id": jobID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove local copy: %w", err)
	}
	return ObjectPath(c.bucket, key), nil
}

// PresignedGetURL returns a time-limited download link for an s3:// path in
// this client's bucket.
func (c *Client) PresignedGetURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	bucket, key, err := ParseObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	if bucket != c.bucket {
		return "", fmt.Errorf("object %s is outside bucket %s", objectPath, c.bucket)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return u.String(), nil
}

// ResultExists reports whether the object behind an s3:// result path is
// still present.
func (c *Client) ResultExists(ctx context.Context, objectPath string) (bool, error) {
	bucket, key, err := ParseObjectPath(objectPath)
	if err != nil {
		return false, err
	}
	if bucket != c.bucket {
		return false, fmt.Errorf("object %s is outside bucket %s", objectPath, c.bucket)
	}
	return c.ObjectExists(ctx, key)
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objectKey, err)
}

func ObjectKey(prefix, jobID, fileName string) string {
	parts := []string{}
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	return path.Join(append(parts, jobID, fileName)...)
}

func ObjectPath(bucket, key string) string {
	return scheme + bucket + "/" + key
}

// IsObjectPath reports whether a result path points into object storage.
func IsObjectPath(p string) bool {
	return strings.HasPrefix(p, scheme)
}

func ParseObjectPath(p string) (bucket, key string, err error) {
	if !IsObjectPath(p) {
		return "", "", fmt.Errorf("%w: %s", ErrNotObjectPath, p)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(p, scheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNotObjectPath, p)
	}
	return bucket, key, nil
}
