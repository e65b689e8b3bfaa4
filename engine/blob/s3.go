package blob

import (
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pubkeep/pubkeep/engine/core"
)

// DefaultURLTTL bounds presigned download links when no TTL is configured.
const DefaultURLTTL = 15 * time.Minute

// S3Config describes one S3-compatible backend root. Prefix isolates
// multiple stores sharing a bucket (the upstream cache uses its own prefix
// or bucket so clearing it can never touch first-party archives).
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
	URLTTL    time.Duration
}

// S3Store stores archives in an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
	prefix string
	urlTTL time.Duration
}

// NewS3Store connects a store to the configured bucket. The connection is
// lazy; EnsureReady performs the first round trip.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, core.Invalidf("s3 storage requires an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, core.Backendf(err, "connecting to s3 endpoint %s", cfg.Endpoint)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: cfg.Prefix,
		urlTTL: ttl,
	}, nil
}

// EnsureReady creates the bucket when it does not exist yet, tolerating the
// race where another instance created it first.
func (s *S3Store) EnsureReady(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return core.Backendf(err, "checking bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return core.Backendf(err, "creating bucket %s", s.bucket)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return core.Backendf(err, "storing %s", key)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, core.Backendf(err, "fetching %s", key)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, core.NotFoundf("archive %s not found", key)
		}
		return nil, core.Backendf(err, "reading %s", key)
	}
	return data, nil
}

// Exists maps the backend's missing-object response to (false, nil) and
// keeps every other failure an error, so network or permission trouble is
// never mistaken for absence.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, core.Backendf(err, "checking %s", key)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return core.Backendf(err, "deleting %s", key)
	}
	return nil
}

// DownloadURL returns a presigned GET link valid for the configured TTL.
func (s *S3Store) DownloadURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.objectKey(key), s.urlTTL, nil)
	if err != nil {
		return "", core.Backendf(err, "signing download url for %s", key)
	}
	return u.String(), nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

var _ Store = (*S3Store)(nil)
