package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"bitwise74/media-ingest/db"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/assemble"
	"bitwise74/media-ingest/internal/blob"
	"bitwise74/media-ingest/internal/catalog"
	"bitwise74/media-ingest/internal/chunk"
	"bitwise74/media-ingest/internal/ingest"
	"bitwise74/media-ingest/internal/processor"
	"bitwise74/media-ingest/internal/storage"
	"bitwise74/media-ingest/internal/task"
	"bitwise74/media-ingest/pkg/util"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	v "github.com/spf13/viper"
	"go.uber.org/zap"
)

// NewDeps wires every component of the pipeline from the loaded config
func NewDeps(ctx context.Context) (*internal.Deps, error) {
	conn, err := db.New(v.GetString("db.dsn"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database, %w", err)
	}

	fs := afero.NewOsFs()
	for _, dir := range []string{v.GetString("chunks.dir"), v.GetString("upload.work_dir")} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s, %w", dir, err)
		}
	}

	backend, err := newBackend(ctx, fs)
	if err != nil {
		return nil, err
	}

	tasks, err := newTracker(ctx)
	if err != nil {
		return nil, err
	}

	d := &internal.Deps{
		DB:           conn,
		Tasks:        tasks,
		AutoFinalize: v.GetBool("upload.auto_finalize"),
	}

	d.Chunks = chunk.NewStore(conn, fs, chunk.Options{
		Dir:          v.GetString("chunks.dir"),
		MaxChunkSize: v.GetInt64("chunks.max_chunk_size"),
	})
	d.Blobs = blob.NewStore(conn, fs, backend)

	var proc processor.Processor = processor.Noop{}
	if v.GetBool("processor.enabled") {
		d.JobQueue = processor.NewJobQueue(processor.QueueOptions{
			Workers: v.GetInt("ffmpeg.workers"),
			MaxJobs: v.GetInt("ffmpeg.max_jobs"),
			HWAccel: hwaccel(),
			Binary:  v.GetString("ffmpeg.path"),
		})
		d.JobQueue.StartWorkerPool()

		ff := processor.NewFFmpeg(d.JobQueue, filepath.Join(v.GetString("upload.work_dir"), "processed"))
		ff.ProbeBin = v.GetString("ffmpeg.probe_path")
		ff.Transcode = v.GetBool("ffmpeg.transcode")
		if err := fs.MkdirAll(ff.TempDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create processor output dir, %w", err)
		}

		proc = ff
	}

	d.Ingest = ingest.New(ingest.Options{
		DB:        conn,
		Fs:        fs,
		Chunks:    d.Chunks,
		Assembler: assemble.New(conn, fs, d.Chunks),
		Blobs:     d.Blobs,
		Processor: processor.Safe(proc, v.GetDuration("processor.timeout")),
		Catalog:   newCatalog(),
		Tasks:     tasks,
		Config: ingest.Config{
			AllowedTypes:      v.GetStringSlice("upload.allowed_types"),
			MaxSize:           v.GetInt64("upload.max_size"),
			SingleShotMaxSize: v.GetInt64("upload.single_shot_max_size"),
			ImageMaxWidth:     v.GetInt("processor.image_max_width"),
			WorkDir:           v.GetString("upload.work_dir"),
			AssemblyWait:      v.GetDuration("processor.timeout") + time.Minute,
		},
	})

	return d, nil
}

func newBackend(ctx context.Context, fs afero.Fs) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)

	switch t := v.GetString("storage.type"); t {
	case "local":
		b, err = storage.NewLocal(fs, v.GetString("storage.local.root"))
	case "s3":
		b, err = storage.NewS3(ctx, fs, storage.S3Config{
			AccessKeyID:     v.GetString("aws.access_key_id"),
			SecretAccessKey: v.GetString("aws.secret_access_key"),
			Region:          v.GetString("aws.region"),
			Bucket:          v.GetString("aws.bucket"),
			Endpoint:        v.GetString("aws.endpoint"),
		})
	case "r2":
		b, err = storage.NewR2(ctx, fs, v.GetString("cloudflare.account_id"), storage.S3Config{
			AccessKeyID:     v.GetString("cloudflare.access_key_id"),
			SecretAccessKey: v.GetString("cloudflare.secret_access_key"),
			Bucket:          v.GetString("cloudflare.bucket"),
		})
	case "minio":
		b, err = storage.NewMinio(ctx, fs, storage.MinioConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
			Region:    v.GetString("minio.region"),
			UseSSL:    v.GetBool("minio.use_ssl"),
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage, %w", v.GetString("storage.type"), err)
	}

	zap.L().Info("Storage backend ready", zap.String("backend", b.Name()))
	return b, nil
}

func newTracker(ctx context.Context) (task.Tracker, error) {
	ttl := v.GetDuration("tasks.ttl")

	if v.GetString("tasks.backend") != "redis" {
		return task.NewMemory(ttl), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis, %w", err)
	}

	return task.NewRedis(client, ttl), nil
}

// newCatalog only restricts categories and tags when some are configured
func newCatalog() catalog.Catalog {
	categories := toUints(v.GetIntSlice("catalog.categories"))
	tags := toUints(v.GetIntSlice("catalog.tags"))

	if len(categories) == 0 && len(tags) == 0 {
		return catalog.PassThrough{}
	}

	return catalog.NewStatic(categories, tags)
}

func toUints(in []int) []uint {
	out := make([]uint, 0, len(in))
	for _, i := range in {
		if i > 0 {
			out = append(out, uint(i))
		}
	}

	return out
}

func hwaccel() string {
	if v.GetString("ffmpeg.hwaccel") == "none" {
		return ""
	}

	accel, err := util.DetectHWAccel()
	if err != nil {
		zap.L().Debug("No GPU found, using software decoding", zap.Error(err))
		return ""
	}

	return accel
}
