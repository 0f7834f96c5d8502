// Package config contains code to set the default values and read
// config files to be used throughout the whole application
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = pflag.String("config", ".", "Directory containing config.toml")

	validLogLevels     = []string{"debug", "info", "warn", "error", "fatal"}
	validStorageTypes  = []string{"local", "s3", "r2", "minio"}
	validTaskBackends  = []string{"memory", "redis"}
	validHWAccelModes  = []string{"auto", "none"}
	megabyteSizedKeys  = []string{"chunks.max_chunk_size", "upload.max_size", "upload.single_shot_max_size"}
	requiredForStorage = map[string][]string{
		"s3":    {"aws.access_key_id", "aws.secret_access_key", "aws.region", "aws.bucket"},
		"r2":    {"cloudflare.account_id", "cloudflare.access_key_id", "cloudflare.secret_access_key", "cloudflare.bucket"},
		"minio": {"minio.endpoint", "minio.access_key", "minio.secret_key", "minio.bucket"},
	}
)

const (
	gray  = "\033[90m"
	reset = "\033[0m"
)

// Setup prepares everything config-related so that the app can
// start working. Function will return an error if something
// is critically wrong and the application can't run because of
// that.
func Setup() error {
	pflag.Parse()
	v.BindPFlags(pflag.CommandLine)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(*configPath)

	v.AutomaticEnv()
	bindEnvs()
	setDefaults()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(v.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file, %w", err)
		}

		fmt.Println("[WARNING]: config.toml not found, running on defaults and environment variables")
	}

	if err := validate(); err != nil {
		return err
	}

	makeLogger(v.GetString("app.log_level"))
	warn()
	toBytes()

	return nil
}

func bindEnvs() {
	for _, key := range []string{
		"app.log_level",

		"host.port",
		"host.cors",

		"db.dsn",

		"jwt.secret",
		"security.rate_limit",

		"storage.type",
		"storage.local.root",

		"chunks.dir",
		"chunks.max_chunk_size",
		"chunks.expiry",

		"upload.max_size",
		"upload.single_shot_max_size",
		"upload.allowed_types",
		"upload.auto_finalize",
		"upload.work_dir",

		"processor.enabled",
		"processor.timeout",
		"processor.image_max_width",

		"ffmpeg.path",
		"ffmpeg.probe_path",
		"ffmpeg.hwaccel",
		"ffmpeg.workers",
		"ffmpeg.max_jobs",
		"ffmpeg.transcode",

		"tasks.backend",
		"tasks.ttl",

		"redis.addr",
		"redis.password",
		"redis.db",

		"sweep.schedule",
		"reconcile.schedule",

		"aws.access_key_id",
		"aws.secret_access_key",
		"aws.region",
		"aws.bucket",
		"aws.endpoint",

		"cloudflare.account_id",
		"cloudflare.access_key_id",
		"cloudflare.secret_access_key",
		"cloudflare.bucket",
		"cloudflare.turnstile.enabled",
		"cloudflare.turnstile.secret_token",

		"minio.endpoint",
		"minio.access_key",
		"minio.secret_key",
		"minio.bucket",
		"minio.region",
		"minio.use_ssl",
	} {
		v.BindEnv(key, strings.ReplaceAll(key, ".", "_"))
	}
}

func setDefaults() {
	v.SetDefault("app.log_level", "info")

	v.SetDefault("host.port", 8080)
	v.SetDefault("host.cors", []string{"http://localhost:5173"})

	v.SetDefault("db.dsn", "database.db")

	v.SetDefault("security.rate_limit", 20)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.root", "data/blobs")

	v.SetDefault("chunks.dir", "data/chunks")
	v.SetDefault("chunks.max_chunk_size", 100)
	v.SetDefault("chunks.expiry", 24*time.Hour)

	v.SetDefault("upload.max_size", 2048)
	v.SetDefault("upload.single_shot_max_size", 50)
	v.SetDefault("upload.allowed_types", []string{"image/*", "video/*"})
	v.SetDefault("upload.auto_finalize", false)
	v.SetDefault("upload.work_dir", "data/work")

	v.SetDefault("processor.enabled", true)
	v.SetDefault("processor.timeout", 10*time.Minute)
	v.SetDefault("processor.image_max_width", 2048)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.probe_path", "ffprobe")
	v.SetDefault("ffmpeg.hwaccel", "auto")
	v.SetDefault("ffmpeg.workers", 2)
	v.SetDefault("ffmpeg.max_jobs", 64)
	v.SetDefault("ffmpeg.transcode", false)

	v.SetDefault("tasks.backend", "memory")
	v.SetDefault("tasks.ttl", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sweep.schedule", "@every 15m")
	v.SetDefault("reconcile.schedule", "@every 1h")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("minio.region", "us-east-1")

	v.SetDefault("cloudflare.turnstile.enabled", false)
}

func validate() error {
	if !slices.Contains(validLogLevels, v.GetString("app.log_level")) {
		return errors.New("invalid log level provided")
	}

	if v.GetInt("host.port") <= 0 || v.GetInt("host.port") > 65535 {
		return errors.New("invalid port provided")
	}

	if v.GetString("jwt.secret") == "" {
		return errors.New("jwt.secret is missing")
	}

	if v.GetString("db.dsn") == "" {
		return errors.New("db.dsn can't be empty")
	}

	for _, key := range megabyteSizedKeys {
		if v.GetInt64(key) <= 0 {
			return fmt.Errorf("%s must be bigger than 0", key)
		}
	}

	if v.GetInt64("upload.single_shot_max_size") > v.GetInt64("upload.max_size") {
		return errors.New("upload.single_shot_max_size can't exceed upload.max_size")
	}

	if v.GetDuration("chunks.expiry") <= 0 {
		return errors.New("chunks.expiry must be a positive duration")
	}

	if v.GetDuration("processor.timeout") <= 0 {
		return errors.New("processor.timeout must be a positive duration")
	}

	// A session still assembling when it expires would be swept mid-ingest
	if v.GetDuration("processor.timeout") >= v.GetDuration("chunks.expiry") {
		return errors.New("processor.timeout must be shorter than chunks.expiry")
	}

	if v.GetInt("processor.image_max_width") <= 0 {
		return errors.New("processor.image_max_width must be bigger than 0")
	}

	if v.GetInt("ffmpeg.workers") <= 0 || v.GetInt("ffmpeg.max_jobs") <= 0 {
		return errors.New("ffmpeg.workers and ffmpeg.max_jobs must be bigger than 0")
	}

	if !slices.Contains(validHWAccelModes, v.GetString("ffmpeg.hwaccel")) {
		return errors.New("ffmpeg.hwaccel must be auto or none")
	}

	storage := v.GetString("storage.type")
	if !slices.Contains(validStorageTypes, storage) {
		return errors.New("invalid storage type provided")
	}

	for _, key := range requiredForStorage[storage] {
		if v.GetString(key) == "" {
			return fmt.Errorf("%s can't be empty when using %s storage", key, storage)
		}
	}

	if storage == "local" && v.GetString("storage.local.root") == "" {
		return errors.New("storage.local.root can't be empty")
	}

	switch v.GetString("tasks.backend") {
	case "redis":
		if v.GetString("redis.addr") == "" {
			return errors.New("redis.addr can't be empty when using the redis task backend")
		}
	case "memory":
	default:
		return fmt.Errorf("tasks.backend must be one of %v", validTaskBackends)
	}

	if v.GetDuration("tasks.ttl") <= 0 {
		return errors.New("tasks.ttl must be a positive duration")
	}

	if v.GetBool("cloudflare.turnstile.enabled") && v.GetString("cloudflare.turnstile.secret_token") == "" {
		return errors.New("turnstile secret token is missing")
	}

	return nil
}

func warn() {
	if len(v.GetStringSlice("upload.allowed_types")) == 0 {
		zap.L().Warn("No upload.allowed_types specified, any file type will be accepted")
	}

	if !v.GetBool("cloudflare.turnstile.enabled") {
		zap.L().Warn("Cloudflare's turnstile is disabled, upload endpoints won't be guarded against bots")
	}

	if !v.GetBool("processor.enabled") {
		zap.L().Warn("Media processing is disabled, uploads are stored as received")
	}
}

// toBytes converts the sizes given in megabytes
func toBytes() {
	for _, key := range megabyteSizedKeys {
		v.Set(key, v.GetInt64(key)<<20)
	}
}

func makeLogger(level string) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + t.Format("15:04:05.000") + reset)
	}
	cfg.EncoderConfig.EncodeCaller = func(ec zapcore.EntryCaller, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + ec.TrimmedPath() + reset)
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	cfg.DisableStacktrace = true

	log, _ := cfg.Build()
	zap.ReplaceGlobals(log)
}
