// Package screenshots turns captured frames into the bytesOrRef value carried
// by screenshot events.
package screenshots

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store persists a frame and returns how subscribers should find it.
type Store interface {
	Put(ctx context.Context, sessionID string, step int, frame []byte) (string, error)
}

// Inline embeds frames as data URLs.
type Inline struct{}

func (Inline) Put(_ context.Context, _ string, _ int, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", nil
	}
	return "data:" + http.DetectContentType(frame) + ";base64," + base64.StdEncoding.EncodeToString(frame), nil
}

// PutObjectAPI is the subset of the S3 client used by S3Store.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads frames and hands out s3:// references (or public URLs when
// PublicBaseURL is set).
type S3Store struct {
	Client        PutObjectAPI
	Bucket        string
	Prefix        string
	PublicBaseURL string
	Now           func() time.Time
}

type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// PathStyle addresses the bucket in the path, as MinIO expects.
	PathStyle     bool
	PublicBaseURL string
}

// NewS3 builds an S3Store from the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("screenshot bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return &S3Store{
		Client:        client,
		Bucket:        opts.Bucket,
		Prefix:        opts.Prefix,
		PublicBaseURL: opts.PublicBaseURL,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, sessionID string, step int, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	key := fmt.Sprintf("%s/step-%03d-%d.png", sessionID, step, now().UnixMilli())
	if p := strings.Trim(s.Prefix, "/"); p != "" {
		key = p + "/" + key
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(frame),
		ContentType: aws.String(http.DetectContentType(frame)),
	})
	if err != nil {
		return "", fmt.Errorf("put screenshot %s: %w", key, err)
	}
	if s.PublicBaseURL != "" {
		return strings.TrimRight(s.PublicBaseURL, "/") + "/" + key, nil
	}
	return "s3://" + s.Bucket + "/" + key, nil
}
