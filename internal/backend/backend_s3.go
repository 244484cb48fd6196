package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"
	"github.com/openmined/syftmirror/internal/utils"
)

// MetaDevice is the object metadata key naming the machine that uploaded it
const MetaDevice = "mirror-device"

// S3Config holds the connection settings of an S3 compatible bucket
type S3Config struct {
	Bucket        string `mapstructure:"bucket" yaml:"bucket"`
	Region        string `mapstructure:"region" yaml:"region"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey     string `mapstructure:"accessKey" yaml:"accessKey,omitempty"`
	SecretKey     string `mapstructure:"secretKey" yaml:"secretKey,omitempty"`
	UseAccelerate bool   `mapstructure:"useAccelerate" yaml:"useAccelerate,omitempty"`
}

// s3API is the subset of *s3.Client the backend needs
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Backend mirrors objects into a bucket under an optional key prefix
type S3Backend struct {
	name   string
	prefix string
	bucket string
	client s3API
}

func NewS3Backend(name, prefix, bucket string, client s3API) *S3Backend {
	return &S3Backend{
		name:   name,
		prefix: strings.Trim(prefix, "/"),
		bucket: bucket,
		client: client,
	}
}

// NewS3BackendWithConfig builds the AWS client from static credentials, falling
// back to the default credential chain when no keys are configured.
func NewS3BackendWithConfig(ctx context.Context, name, prefix string, cfg *S3Config) (*S3Backend, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3Backend(name, prefix, cfg.Bucket, client), nil
}

func (b *S3Backend) Name() string {
	return b.name
}

func (b *S3Backend) Validate(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return newError("validate", b.name, "", s3Kind(err), err)
	}
	return nil
}

func (b *S3Backend) Upload(ctx context.Context, key string, content []byte) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return newError("upload", b.name, key, ErrInvalid, err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(objectKey),
		Body:              bytes.NewReader(content),
		ContentLength:     aws.Int64(int64(len(content))),
		ContentType:       aws.String(mimetype.Detect(content).String()),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata:          map[string]string{MetaDevice: utils.HWID},
	})
	if err != nil {
		return newError("upload", b.name, key, s3Kind(err), err)
	}
	return nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return newError("delete", b.name, key, ErrInvalid, err)
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return newError("delete", b.name, key, s3Kind(err), err)
	}
	return nil
}

func (b *S3Backend) objectKey(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if b.prefix == "" {
		return cleaned, nil
	}
	return path.Join(b.prefix, cleaned), nil
}

// s3Kind maps S3 API error codes onto backend sentinels. Unrecognised codes
// fall through as ErrUnavailable, which is transient.
func s3Kind(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "TokenRefreshRequired":
			return ErrAuth
		case "AccessDenied", "AllAccessDisabled", "AccountProblem", "Forbidden":
			return ErrPermission
		case "EntityTooLarge", "MaxMessageLengthExceeded":
			return ErrTooLarge
		case "NoSuchBucket", "InvalidBucketName", "InvalidArgument", "InvalidRequest":
			return ErrInvalid
		case "QuotaExceeded", "ServiceQuotaExceeded", "TooManyBuckets":
			return ErrQuota
		case "SlowDown", "Throttling", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return ErrUnavailable
		}
	}

	if kind := networkKind(err); kind != nil {
		return kind
	}
	return ErrUnavailable
}
