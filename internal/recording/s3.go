package recording

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// s3TestTimeout bounds a connection test.
const s3TestTimeout = 30 * time.Second

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`          // Custom S3 endpoint (empty for AWS)
	Region          string `json:"region,omitempty"`            // Defaults to "auto"
	Bucket          string `json:"bucket,omitempty"`            // S3 bucket name
	Prefix          string `json:"prefix,omitempty"`            // Optional key prefix
	AccessKeyID     string `json:"access_key_id,omitempty"`     // Access key ID
	SecretAccessKey string `json:"secret_access_key,omitempty"` // Secret access key
	DeleteLocal     bool   `json:"delete_local,omitempty"`      // Remove the local file after upload
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return c != nil && util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// s3API is the subset of the S3 client used by the uploader and the cleaner.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// newS3Client creates an S3 client with static credentials.
func newS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = cmp.Or(cfg.Region, "auto")
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// TestS3Connection checks that the bucket is reachable with the configured credentials.
func TestS3Connection(cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return ErrS3NotConfigured
	}
	return headBucket(newS3Client(cfg), cfg.Bucket)
}

func headBucket(client s3API, bucket string) error {
	ctx, cancel := context.WithTimeoutCause(
		context.Background(),
		s3TestTimeout,
		errors.New("s3 connection test timeout"),
	)
	defer cancel()

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("head bucket %q: %w", bucket, err)
	}
	return nil
}
