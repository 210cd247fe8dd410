package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultS3Retries   = 3
	defaultS3RetryWait = 5 * time.Second
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config ...
type S3Config struct {
	Bucket string
	// Prefix is prepended to every session object key.
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for S3 compatible stores.
	Endpoint string

	Retries   uint
	RetryWait time.Duration
}

// S3Store shares sessions between machines through JSON objects in an S3 bucket.
type S3Store struct {
	client    s3API
	bucket    string
	prefix    string
	retries   uint
	retryWait time.Duration
	logger    log.Logger
}

// NewS3Store creates an S3Store with credentials resolved like the AWS CLI does,
// unless static keys are configured.
func NewS3Store(ctx context.Context, cfg S3Config, logger log.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	awsCfg, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client s3API, cfg S3Config, logger log.Logger) *S3Store {
	if cfg.Retries == 0 {
		cfg.Retries = defaultS3Retries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultS3RetryWait
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		retries:   cfg.Retries,
		retryWait: cfg.RetryWait,
		logger:    logger,
	}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key + ".json"
	}
	return s.prefix + "/" + key + ".json"
}

// Get ...
func (s *S3Store) Get(ctx context.Context, key string) (Descriptor, error) {
	objectKey := s.objectKey(key)

	var d Descriptor
	err := retry.Times(s.retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			s.logger.Debugf("Retrying session lookup of %s (attempt %d)", objectKey, attempt)
		}

		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isS3NotFound(err) {
				return ErrNotFound, true
			}
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("get session object: %w", err), false
		}
		defer out.Body.Close() //nolint:errcheck

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("read session object: %w", err), false
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("parse session object: %w", err), true
		}
		return nil, true
	})
	if err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Set ...
func (s *S3Store) Set(ctx context.Context, key string, d Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	objectKey := s.objectKey(key)

	return retry.Times(s.retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectKey),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/json"),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("put session object: %w", err), false
		}
		return nil, true
	})
}

// Delete ...
func (s *S3Store) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)

	return retry.Times(s.retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, true
			}
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("delete session object: %w", err), false
		}
		return nil, true
	})
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
