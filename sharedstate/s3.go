package sharedstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config holds the parameters for connecting to an S3 bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // For S3-compatible stores. Empty for AWS.
	Prefix          string
	PathStyle       bool
	AccessKeyID     string // If empty, credentials come from the environment.
	SecretAccessKey string
}

// s3API is the subset of the S3 client used by S3.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 is a Store that keeps each attribute as an object in an S3 bucket, named
// <prefix><object key>/<attribute name>. Processes on any machine with access to
// the bucket can share it.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 returns a store for the configured bucket. No requests are made until
// the first use of an accessor.
func NewS3(ctx context.Context, c S3Config) (*S3, error) {
	if c.Bucket == "" {
		return nil, errors.New("missing bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.PathStyle
	})
	xlog.Debug("shared state in s3", slog.String("bucket", c.Bucket), slog.String("region", cfg.Region), slog.String("endpoint", c.Endpoint))
	return &S3{client, c.Bucket, c.Prefix}, nil
}

func (s *S3) Accessor(objectKey string) Accessor {
	return s3Accessor{s, objectKey}
}

// Close is a no-op, the HTTP client has no persistent state that needs releasing.
func (s *S3) Close() error {
	return nil
}

type s3Accessor struct {
	s   *S3
	key string
}

func (a s3Accessor) Key() string {
	return a.key
}

// objectPrefix is the prefix of all objects for this accessor. Object keys
// never contain a slash, so the prefix of one object cannot match another.
func (a s3Accessor) objectPrefix() string {
	return a.s.prefix + a.key + "/"
}

func (a s3Accessor) objectName(name string) string {
	return a.objectPrefix() + name
}

// isNotFound returns whether err indicates an absent object. GetObject returns
// NoSuchKey, but some S3-compatible stores respond with a plain NotFound.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (a s3Accessor) Get(ctx context.Context, name string) (string, bool, error) {
	out, err := a.s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.s.bucket),
		Key:    aws.String(a.objectName(name)),
	})
	if err != nil && isNotFound(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, fmt.Errorf("reading object: %w", err)
	}
	return string(buf), true, nil
}

func (a s3Accessor) Set(ctx context.Context, name, value string) error {
	_, err := a.s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.s.bucket),
		Key:         aws.String(a.objectName(name)),
		Body:        strings.NewReader(value),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (a s3Accessor) Unset(ctx context.Context, name string) error {
	_, err := a.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.s.bucket),
		Key:    aws.String(a.objectName(name)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (a s3Accessor) Delete(ctx context.Context) error {
	p := s3.NewListObjectsV2Paginator(a.s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.s.bucket),
		Prefix: aws.String(a.objectPrefix()),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, len(page.Contents))
		for i, o := range page.Contents {
			ids[i] = types.ObjectIdentifier{Key: o.Key}
		}
		_, err = a.s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting objects: %w", err)
		}
	}
	return nil
}
