package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	sentinelerrors "github.com/sentinelops/sentinel/pkg/errors"
)

// metaExpiresAt is the object metadata key holding the unix-nano expiry.
const metaExpiresAt = "expires-at"

// S3Config holds S3-specific configuration
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
}

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store keeps telemetry as objects in a bucket. S3 has no native per-object
// TTL, so expiry is recorded in object metadata and enforced on read; bucket
// lifecycle rules are expected to reclaim the space.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Store loads the default AWS configuration and creates an S3-backed store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, sentinelerrors.NewError(sentinelerrors.ErrCodeInvalidConfig, "s3 bucket cannot be empty").
			WithComponent("store")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRetryMaxAttempts(cfg.MaxRetries)}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("store")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, cfg.Prefix, nil), nil
}

func newS3Store(client s3API, bucket, prefix string, now func() time.Time) *S3Store {
	if now == nil {
		now = time.Now
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, now: now}
}

func (s *S3Store) objectKey(key string) string { return s.prefix + key }

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreRead, "s3 get failed").
			WithComponent("store").WithOperation("get")
	}
	defer out.Body.Close()

	if exp, ok := expiresAt(out.Metadata); ok && !s.now().Before(exp) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreRead, "s3 read body failed").
			WithComponent("store").WithOperation("get")
	}
	return data, true, nil
}

// Set implements Store.
func (s *S3Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	}
	if ttl > 0 {
		in.Metadata = map[string]string{
			metaExpiresAt: strconv.FormatInt(s.now().Add(ttl).UnixNano(), 10),
		}
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreWrite, "s3 put failed").
			WithComponent("store").WithOperation("set")
	}
	return nil
}

// Keys implements Store. Listing does not read metadata, so it may include
// expired keys that a subsequent Get reports as missing.
func (s *S3Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.list(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	}, nil)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// KeysBetween implements RangeLister. Time-ordered keys sort by their
// zero-padded timestamp, so listing starts after since and stops at the
// first key past until.
func (s *S3Store) KeysBetween(ctx context.Context, prefix string, since, until time.Time) ([]string, error) {
	if !isTimeOrdered(prefix) {
		return scanBetween(ctx, s, prefix, since, until)
	}

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	}
	if !since.IsZero() {
		in.StartAfter = aws.String(s.objectKey(prefix + stamp(since.Add(-time.Nanosecond))))
	}
	var past func(string) bool
	if !until.IsZero() {
		past = func(key string) bool {
			ts, ok := KeyTime(prefix, key)
			return ok && ts.After(until)
		}
	}
	keys, err := s.list(ctx, in, past)
	if err != nil {
		return nil, err
	}
	return filterBetween(prefix, keys, since, until), nil
}

// list pages through ListObjectsV2. It stops early at the first key for
// which stop reports true.
func (s *S3Store) list(ctx context.Context, in *s3.ListObjectsV2Input, stop func(string) bool) ([]string, error) {
	var keys []string
	for {
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreRead, "s3 list failed").
				WithComponent("store").WithOperation("keys")
		}
		for _, obj := range out.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if stop != nil && stop(key) {
				return keys, nil
			}
			keys = append(keys, key)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreWrite, "s3 delete failed").
			WithComponent("store").WithOperation("delete")
	}
	return nil
}

// Ping implements Store.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return sentinelerrors.Wrap(err, sentinelerrors.ErrCodeStoreUnavailable, "s3 head bucket failed").
			WithComponent("store").WithOperation("ping")
	}
	return nil
}

// Close implements Store.
func (s *S3Store) Close() error { return nil }

func expiresAt(md map[string]string) (time.Time, bool) {
	raw, ok := md[metaExpiresAt]
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
