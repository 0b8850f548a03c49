package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"mediacache/internal/core/types"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Fetcher serves s3://bucket/key URLs.
type S3Fetcher struct {
	client s3iface.S3API
}

// NewS3Session creates an AWS session from the optional region, profile and
// endpoint of cfg. Credentials come from the usual AWS chain.
func NewS3Session(cfg types.S3Config) (*session.Session, error) {
	awsCfg := aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	opts := session.Options{Config: awsCfg}
	if cfg.Profile != "" {
		opts.Profile = cfg.Profile
	}
	return session.NewSessionWithOptions(opts)
}

// NewS3Fetcher wraps an S3 client, usually s3.New(sess).
func NewS3Fetcher(client s3iface.S3API) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// NewS3FetcherFromConfig builds the session and client in one go.
func NewS3FetcherFromConfig(cfg types.S3Config) (*S3Fetcher, error) {
	sess, err := NewS3Session(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return NewS3Fetcher(s3.New(sess)), nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %q is not an s3 url", ErrUnsupportedScheme, raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q needs a bucket and a key", raw)
	}
	return bucket, key, nil
}

// Probe reads the object metadata. S3 always honours ranges.
func (f *S3Fetcher) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	out, err := f.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}

	return &ProbeResult{
		Size:          aws.Int64Value(out.ContentLength),
		AcceptsRanges: true,
		// single part uploads use the MD5 of the object as ETag
		ETag:        strings.Trim(aws.StringValue(out.ETag), `"`),
		ContentType: aws.StringValue(out.ContentType),
	}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string, rng *Range) (*Response, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		input.Range = aws.String(rng.String())
	}

	out, err := f.client.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, mapS3Error(err)
	}

	contentLength := int64(-1)
	if out.ContentLength != nil {
		contentLength = *out.ContentLength
	}
	return &Response{
		Body:          out.Body,
		ContentLength: contentLength,
		ETag:          strings.Trim(aws.StringValue(out.ETag), `"`),
	}, nil
}

func mapS3Error(err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, reqErr.Code())
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, aerr.Code())
		}
	}
	return err
}
