package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const minMultipartSize = 12 << 20

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	// Set for S3 compatible providers such as Cloudflare R2
	Endpoint string
}

// S3 writes blobs to an S3 compatible bucket. Large objects go through the
// multipart upload manager.
type S3 struct {
	C      *s3.Client
	Bucket *string
	Src    afero.Fs
	name   string
}

func NewS3(ctx context.Context, src afero.Fs, cfg S3Config) (*S3, error) {
	return newS3(ctx, src, cfg, "s3")
}

// NewR2 points the S3 client at Cloudflare R2
func NewR2(ctx context.Context, src afero.Fs, accountID string, cfg S3Config) (*S3, error) {
	cfg.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	cfg.Region = "auto"

	return newS3(ctx, src, cfg, "r2")
}

func newS3(ctx context.Context, src afero.Fs, c S3Config, name string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID,
			c.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	bucket := aws.String(c.Bucket)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Region = c.Region
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: bucket,
	})
	if err != nil {
		var apiErr smithy.APIError

		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "NotFound" {
				return nil, fmt.Errorf("bucket '%s' does not exist", c.Bucket)
			}
		}

		return nil, fmt.Errorf("failed to check if bucket exists, %w", err)
	}

	return &S3{
		C:      client,
		Bucket: bucket,
		Src:    src,
		name:   name,
	}, nil
}

func (s *S3) Name() string { return s.name }

// Put uploads all objects concurrently. If any upload fails the ones that
// already landed are deleted again.
func (s *S3) Put(ctx context.Context, objs ...Object) ([]Location, error) {
	if s == nil || s.C == nil {
		return nil, ErrUninitialized
	}

	var (
		mu       sync.Mutex
		uploaded []string
	)

	p := pool.New().WithErrors().WithContext(ctx)
	for _, o := range objs {
		p.Go(func(ctx context.Context) error {
			if err := s.putOne(ctx, o); err != nil {
				return err
			}

			mu.Lock()
			uploaded = append(uploaded, o.Key)
			mu.Unlock()
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		if len(uploaded) > 0 {
			if derr := s.Delete(context.Background(), uploaded...); derr != nil {
				zap.L().Error("Failed to cleanup after failed uploads", zap.Strings("keys", uploaded), zap.Error(derr))
			} else {
				zap.L().Debug("Cleaned up after failed upload", zap.Strings("keys", uploaded))
			}
		}

		return nil, err
	}

	locs := make([]Location, len(objs))
	for i, o := range objs {
		locs[i] = Location{Key: o.Key, Path: fmt.Sprintf("s3://%s/%s", *s.Bucket, o.Key)}
	}

	return locs, nil
}

func (s *S3) putOne(ctx context.Context, o Object) error {
	f, err := s.Src.Open(o.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open %s, %w", o.SourcePath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s, %w", o.SourcePath, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        s.Bucket,
		Key:           aws.String(o.Key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(o.ContentType),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	}

	if stat.Size() > minMultipartSize {
		uploader := manager.NewUploader(s.C, func(u *manager.Uploader) {
			u.Concurrency = 5
			u.PartSize = 6 << 20
		})
		_, err = uploader.Upload(ctx, input)
	} else {
		_, err = s.C.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("failed to upload %s, %w", o.Key, err)
	}

	return nil
}

// Delete removes keys in batches of 1000, the S3 limit per request
func (s *S3) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.C == nil {
		return ErrUninitialized
	}

	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))

		objects := make([]types.ObjectIdentifier, end-start)
		for i, key := range keys[start:end] {
			objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}

		resp, err := s.C.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: s.Bucket,
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects, %w", err)
		}

		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return fmt.Errorf("failed to delete %s, %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}

	return nil
}
