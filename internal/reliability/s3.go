package reliability

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Secret names resolved for the backup store. All are optional: without
// explicit credentials the SDK default chain applies, and without an
// endpoint the client talks to AWS S3 proper. Setting the endpoint points it
// at an S3-compatible service such as Cloudflare R2.
const (
	secretS3AccessKey = "BACKUP_S3_ACCESS_KEY_ID"
	secretS3SecretKey = "BACKUP_S3_SECRET_ACCESS_KEY"
	secretS3Endpoint  = "BACKUP_S3_ENDPOINT"
	secretS3Region    = "BACKUP_S3_REGION"
)

// S3Store implements ObjectStore on any S3-compatible bucket.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Store builds the client for bucket. Credentials and endpoint come
// from the secret store when set, otherwise from the SDK default chain.
func NewS3Store(ctx context.Context, bucket string, secrets domain.SecretStore, log zerolog.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("backup bucket is not configured")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region, err := secrets.Get(secretS3Region); err == nil {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	accessKey, akErr := secrets.Get(secretS3AccessKey)
	secretKey, skErr := secrets.Get(secretS3SecretKey)
	if akErr == nil && skErr == nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	endpoint, epErr := secrets.Get(secretS3Endpoint)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if epErr == nil {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      log.With().Str("module", "s3").Logger(),
	}, nil
}

// Upload streams body to the bucket under key.
func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.log.Info().
		Str("key", key).
		Int64("size_bytes", size).
		Dur("duration_ms", time.Since(start)).
		Msg("Object uploaded")
	return nil
}

// List returns every object under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			stored := StoredObject{Key: *obj.Key}
			if obj.Size != nil {
				stored.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				stored.LastModified = *obj.LastModified
			}
			out = append(out, stored)
		}
	}
	return out, nil
}

// Delete removes one object from the bucket.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
