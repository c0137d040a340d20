package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// S3Options configures access to s3:// sources. Empty credentials use the
// default AWS credential chain.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxBytes        int64
	HTTPClient      *http.Client
}

// S3Fetcher downloads plugin artifacts from S3-compatible object storage.
type S3Fetcher struct {
	client   *s3.Client
	maxBytes int64
	logger   *logrus.Logger
}

// NewS3Fetcher loads AWS configuration and builds a client.
func NewS3Fetcher(ctx context.Context, opts S3Options, logger *logrus.Logger) (*S3Fetcher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Fetcher{client: client, maxBytes: opts.MaxBytes, logger: logger}, nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", plugins.NewError(plugins.ErrInvalidSource, "", "%q is not an s3:// url", raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", plugins.NewError(plugins.ErrInvalidSource, "", "s3 source %q needs a bucket and an object key", raw)
	}
	return bucket, key, nil
}

// Fetch downloads the object at location into dest and returns its size.
func (f *S3Fetcher) Fetch(ctx context.Context, location, dest string) (int64, error) {
	bucket, key, err := ParseS3URL(location)
	if err != nil {
		return 0, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classifyS3Error(location, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return 0, plugins.NewError(plugins.ErrSizeExceeded, "",
			"%s is %d bytes, limit is %d", location, *out.ContentLength, f.maxBytes)
	}

	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	n, err := io.Copy(file, io.LimitReader(out.Body, f.maxBytes+1))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return 0, plugins.WrapError(plugins.ErrNetwork, "", err, "failed to read %s", location)
	}
	if n > f.maxBytes {
		os.Remove(dest)
		return 0, plugins.NewError(plugins.ErrSizeExceeded, "", "%s exceeds %d bytes", location, f.maxBytes)
	}

	f.logger.WithFields(logrus.Fields{
		"url":  location,
		"size": n,
	}).Info("Downloaded plugin artifact")
	return n, nil
}

// FetchOptional is Fetch that reports (false, nil) for a missing object.
func (f *S3Fetcher) FetchOptional(ctx context.Context, location, dest string) (bool, error) {
	_, err := f.Fetch(ctx, location, dest)
	if errors.Is(err, plugins.ErrSourceNotFound) {
		return false, nil
	}
	return err == nil, err
}

func classifyS3Error(location string, err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return plugins.WrapError(plugins.ErrSourceNotFound, "", err, "%s not found", location)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return plugins.WrapError(plugins.ErrSourceNotFound, "", err, "%s not found", location)
	}
	return plugins.WrapError(plugins.ErrNetwork, "", err, "failed to fetch %s", location)
}
