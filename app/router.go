package app

import (
	"context"
	"fmt"
	"time"

	"bitwise74/media-ingest/app/blob"
	"bitwise74/media-ingest/app/media"
	"bitwise74/media-ingest/app/root"
	"bitwise74/media-ingest/app/task"
	"bitwise74/media-ingest/app/upload"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/service"
	"bitwise74/media-ingest/pkg/middleware"

	cache "github.com/chenyahui/gin-cache"
	"github.com/chenyahui/gin-cache/persist"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v "github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var store = persist.NewMemoryStore(time.Minute)

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

type RouterOptions struct {
	CORS            []string
	JWTSecret       []byte
	RateLimit       int
	TurnstileSecret string
	// Body limits in bytes
	MaxChunkSize  int64
	MaxSingleShot int64
}

type App struct {
	Router    *gin.Engine
	Deps      *internal.Deps
	Scheduler *service.Scheduler
}

// NewRouter builds the whole application from the loaded config and starts
// the maintenance scheduler
func NewRouter(ctx context.Context) (*App, error) {
	d, err := NewDeps(ctx)
	if err != nil {
		return nil, err
	}

	turnstile := ""
	if v.GetBool("cloudflare.turnstile.enabled") {
		turnstile = v.GetString("cloudflare.turnstile.secret_token")
	}

	router := New(d, RouterOptions{
		CORS:            v.GetStringSlice("host.cors"),
		JWTSecret:       []byte(v.GetString("jwt.secret")),
		RateLimit:       v.GetInt("security.rate_limit"),
		TurnstileSecret: turnstile,
		MaxChunkSize:    v.GetInt64("chunks.max_chunk_size"),
		MaxSingleShot:   v.GetInt64("upload.single_shot_max_size"),
	})

	sched, err := service.NewScheduler(service.SchedulerConfig{
		SweepSchedule:     v.GetString("sweep.schedule"),
		ReconcileSchedule: v.GetString("reconcile.schedule"),
		ChunkExpiry:       v.GetDuration("chunks.expiry"),
	}, d.Chunks, d.Blobs)
	if err != nil {
		return nil, fmt.Errorf("failed to set up scheduler, %w", err)
	}
	sched.Start()

	return &App{Router: router, Deps: d, Scheduler: sched}, nil
}

// New registers every route on a fresh engine
func New(d *internal.Deps, o RouterOptions) *gin.Engine {
	router := gin.New()

	corsConfig := cors.Config{
		AllowOrigins:     o.CORS,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "TurnstileToken"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(o.CORS) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}

	router.Use(
		cors.New(corsConfig),
		gin.Recovery(),
		middleware.NewRequestIDMiddleware(),
		ginzap.GinzapWithConfig(zap.L(), &ginzap.Config{
			TimeFormat: "15:04:05.000",
			UTC:        true,
			Skipper: func(c *gin.Context) bool {
				return c.Request.Method == "HEAD" || c.FullPath() == "/metrics"
			},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{}

				if v := c.GetString("requestID"); v != "" {
					fields = append(fields, zap.String("request_id", v))
				}

				if v := c.GetString("userID"); v != "" {
					fields = append(fields, zap.String("userID", v))
				}

				return fields
			},
		}),
		middleware.NewMetricsMiddleware(),
	)

	router.HandleMethodNotAllowed = true
	router.RedirectFixedPath = true
	router.MaxMultipartMemory = 8 << 20

	jwt := middleware.NewJWTMiddleware(o.JWTSecret)
	turnstile := middleware.NewTurnstileMiddleware(o.TurnstileSecret)
	rateLimiter := middleware.RateLimiterMiddleware(middleware.RateLimiterConfig{
		RequestsPerSecond: o.RateLimit,
		Burst:             o.RateLimit * 2,
		CleanupInterval:   time.Minute,
	})

	// GET /metrics			-> Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	main := router.Group("/api", rateLimiter)
	{
		// HEAD /api/heartbeat 		-> Used to check if the server and its database are alive
		main.HEAD("/heartbeat", func(c *gin.Context) { root.Heartbeat(c, d) })
	}

	authed := main.Group("", jwt)
	{
		// GET /api/stats		-> Returns the usage counters of a user
		authed.GET("/stats", func(c *gin.Context) { media.MediaUsage(c, d) })

		// GET /api/blobs/stats		-> Returns how much space deduplication saves
		authed.GET("/blobs/stats", cacheFor(15), func(c *gin.Context) { blob.BlobStats(c, d) })
	}

	u := authed.Group("/uploads")
	{
		// POST /api/uploads/init	-> Starts a chunked upload session
		u.POST("/init", turnstile, middleware.BodySizeLimiter(formOverhead), func(c *gin.Context) { upload.UploadInit(c, d) })

		// POST /api/uploads/chunk	-> Stores one chunk of an upload
		u.POST("/chunk", bodyLimit(o.MaxChunkSize), func(c *gin.Context) { upload.UploadChunk(c, d) })

		// POST /api/uploads/finalize	-> Assembles and ingests a finished upload
		u.POST("/finalize", middleware.BodySizeLimiter(formOverhead), func(c *gin.Context) { upload.UploadFinalize(c, d) })

		// GET /api/uploads/:uploadId	-> Returns which chunks of an upload are still missing
		u.GET("/:uploadId", func(c *gin.Context) { upload.UploadStatus(c, d) })

		// POST /api/uploads		-> Uploads a whole file in one request
		u.POST("", turnstile, bodyLimit(o.MaxSingleShot), func(c *gin.Context) { upload.UploadSingle(c, d) })
	}

	m := authed.Group("/media")
	{
		// GET /api/media		-> Returns a page of the user's media
		m.GET("", func(c *gin.Context) { media.MediaFetchBulk(c, d) })

		// GET /api/media/:id		-> Returns a media record if the user owns it
		m.GET("/:id", func(c *gin.Context) { media.MediaFetch(c, d) })

		// PATCH /api/media/:id		-> Edits the metadata of a media record
		m.PATCH("/:id", func(c *gin.Context) { media.MediaEdit(c, d) })

		// DELETE /api/media/:id	-> Deletes a media record owned by the user
		m.DELETE("/:id", func(c *gin.Context) { media.MediaDelete(c, d) })
	}

	t := authed.Group("/tasks")
	{
		// POST /api/tasks		-> Creates a task to follow an upload with
		t.POST("", func(c *gin.Context) { task.TaskCreate(c, d) })

		// GET /api/tasks/:id		-> Returns the state of a task
		t.GET("/:id", func(c *gin.Context) { task.TaskFetch(c, d) })

		// GET /api/tasks/:id/progress	-> Streams the progress of a task
		t.GET("/:id/progress", func(c *gin.Context) { task.TaskProgress(c, d) })

		// POST /api/tasks/:id/retry	-> Restarts an interrupted task
		t.POST("/:id/retry", func(c *gin.Context) { task.TaskRetry(c, d) })
	}

	return router
}

func cacheFor(sec int) gin.HandlerFunc {
	return cache.CacheByRequestURI(store, time.Second*time.Duration(sec))
}

// bodyLimit allows a file of up to n bytes plus the rest of the form.
// A limit of 0 disables the check.
func bodyLimit(n int64) gin.HandlerFunc {
	if n <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return middleware.BodySizeLimiter(n + formOverhead)
}
