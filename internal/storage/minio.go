package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"
)

type MinioConfig struct {
	Endpoint  string // without scheme, e.g. "localhost:9000"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Minio stores blobs in a MinIO (or any S3 compatible) bucket through minio-go
type Minio struct {
	client *minio.Client
	bucket string
	src    afero.Fs
}

// NewMinio creates the bucket if it doesn't exist yet
func NewMinio(ctx context.Context, src afero.Fs, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client, %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists, %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket, %w", err)
		}
	}

	return &Minio{client: client, bucket: cfg.Bucket, src: src}, nil
}

func (m *Minio) Name() string { return "minio" }

func (m *Minio) Put(ctx context.Context, objs ...Object) ([]Location, error) {
	if m == nil || m.client == nil {
		return nil, ErrUninitialized
	}

	locs := make([]Location, 0, len(objs))
	for _, o := range objs {
		info, err := m.putOne(ctx, o)
		if err != nil {
			keys := make([]string, len(locs))
			for i, l := range locs {
				keys[i] = l.Key
			}
			m.Delete(context.Background(), keys...)

			return nil, err
		}

		locs = append(locs, Location{Key: o.Key, Path: fmt.Sprintf("s3://%s/%s", m.bucket, info.Key)})
	}

	return locs, nil
}

func (m *Minio) putOne(ctx context.Context, o Object) (minio.UploadInfo, error) {
	f, err := m.src.Open(o.SourcePath)
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("open %s, %w", o.SourcePath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("stat %s, %w", o.SourcePath, err)
	}

	info, err := m.client.PutObject(ctx, m.bucket, o.Key, f, stat.Size(), minio.PutObjectOptions{
		ContentType: o.ContentType,
	})
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("put object %s, %w", o.Key, err)
	}

	return info, nil
}

func (m *Minio) Delete(ctx context.Context, keys ...string) error {
	if m == nil || m.client == nil {
		return ErrUninitialized
	}

	for _, k := range keys {
		if err := m.client.RemoveObject(ctx, m.bucket, k, minio.RemoveObjectOptions{}); err != nil {
			errResp := minio.ToErrorResponse(err)
			if errResp.Code == "NoSuchKey" {
				continue
			}

			return fmt.Errorf("remove object %s, %w", k, err)
		}
	}

	return nil
}
