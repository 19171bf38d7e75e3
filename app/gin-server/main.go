package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/livescribe/config"
	"github.com/yoockh/livescribe/internal/api/handlers"
	"github.com/yoockh/livescribe/internal/api/middleware"
	"github.com/yoockh/livescribe/internal/api/routes"
	"github.com/yoockh/livescribe/internal/audio"
	"github.com/yoockh/livescribe/internal/cache"
	"github.com/yoockh/livescribe/internal/logger"
	"github.com/yoockh/livescribe/internal/metrics"
	"github.com/yoockh/livescribe/internal/providers/llm"
	"github.com/yoockh/livescribe/internal/providers/stt"
	"github.com/yoockh/livescribe/internal/pubsub"
	"github.com/yoockh/livescribe/internal/repositories"
	mongorepo "github.com/yoockh/livescribe/internal/repositories/mongo"
	pgrepo "github.com/yoockh/livescribe/internal/repositories/postgres"
	redisrepo "github.com/yoockh/livescribe/internal/repositories/redis"
	"github.com/yoockh/livescribe/internal/repositories/sqlite"
	"github.com/yoockh/livescribe/internal/services"
	"github.com/yoockh/livescribe/internal/storage"
	"github.com/yoockh/livescribe/internal/stream"
	"github.com/yoockh/livescribe/internal/workers"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	cfg, err := config.LoadStreamConfig()
	if err != nil {
		log.WithError(err).Fatal("stream config error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Init MongoDB (session store default, batch journal)
	if cfg.Store.Sessions == "mongo" || os.Getenv("MONGO_URI") != "" {
		if err := config.InitMongo(); err != nil {
			log.WithError(err).Fatal("MongoDB init error")
		}
		if err := config.EnsureMongoIndexes(); err != nil {
			log.WithError(err).Warn("failed to ensure MongoDB indexes")
		}
		log.Info("MongoDB connected")
	}

	// Init PostgreSQL (review records)
	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL init error")
	}
	if err := config.MigratePostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL migration error")
	}
	log.Info("PostgreSQL connected")

	// Init Redis (cache, review queue, event mirror, optional session store)
	if cfg.Store.Sessions == "redis" || config.RedisConfigured() {
		if err := config.InitRedis(); err != nil {
			log.WithError(err).Fatal("Redis init error")
		}
		log.Info("Redis connected")
	}

	// Session store
	var sessionRepo repositories.SessionRepository
	switch cfg.Store.Sessions {
	case "redis":
		sessionRepo = redisrepo.NewSessionRepo(config.RedisClient)
	case "sqlite":
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			log.WithError(err).Fatal("SQLite init error")
		}
		defer store.Close()
		sessionRepo = store.Sessions()
	default:
		sessionRepo = mongorepo.NewSessionRepo(config.MongoDatabase())
	}
	sessionSvc := services.NewSessionService(sessionRepo)

	var journalSvc services.JournalService
	if config.MongoClient != nil {
		journalSvc = services.NewJournalService(mongorepo.NewJournalRepo(config.MongoDatabase()), 0)
	}

	// Reviews: postgres, cached in redis, written through the redis stream
	var reviewCache cache.Cache = cache.NewMemoryCache()
	if config.RedisClient != nil {
		reviewCache = cache.NewRedisCache(config.RedisClient, "livescribe")
	}
	reviewSvc := services.NewReviewService(pgrepo.NewReviewRepo(config.PostgresDB), reviewCache, cfg.Store.ReviewCacheTTL)
	reviewQueue := &workers.ReviewQueue{Redis: config.RedisClient, Reviews: reviewSvc}
	if config.RedisClient != nil {
		pool := &workers.ReviewWorkerPool{Queue: reviewQueue, NumWorkers: cfg.Workers.ReviewWorkers, Logger: log}
		if err := pool.Start(ctx); err != nil {
			log.WithError(err).Fatal("review worker pool error")
		}
	}

	// Engines
	var (
		engine stt.Provider
		probe  handlers.EngineProbe
	)
	switch cfg.Transcriber.Provider {
	case "google":
		g, err := stt.NewGoogleSpeech(ctx, cfg.Audio.SampleRate)
		if err != nil {
			log.WithError(err).Fatal("Google Speech init error")
		}
		engine = g
	default:
		w, err := stt.NewWhisperHTTP(stt.WhisperConfig{
			BaseURL:       cfg.Transcriber.WhisperURL,
			Timeout:       cfg.Transcriber.Timeout,
			MaxRetries:    cfg.Transcriber.MaxRetries,
			MaxConcurrent: cfg.Transcriber.MaxConcurrent,
			InitialPrompt: cfg.Transcriber.InitialPrompt,
			OnRetry:       m.RecordTranscriptionRetry,
		})
		if err != nil {
			log.WithError(err).Fatal("whisper client init error")
		}
		engine, probe = w, w
	}
	defer engine.Close()

	classifier, err := llm.NewVertexGemini(ctx, cfg.Classification.Project, cfg.Classification.Location, cfg.Classification.Model)
	if err != nil {
		log.WithError(err).Fatal("Vertex AI init error")
	}
	defer classifier.Close()

	var signer storage.Signer
	pipelineOpts := []stream.PipelineOption{
		stream.WithReviewSink(reviewQueue),
		stream.WithPipelineMetrics(m),
	}
	if cfg.Audio.ArchiveBucket != "" {
		up, err := storage.NewGCSUploader(ctx, cfg.Audio.ArchiveBucket)
		if err != nil {
			log.WithError(err).Fatal("GCS init error")
		}
		defer up.Close()
		signer = up
		pipelineOpts = append(pipelineOpts, stream.WithAudioArchiver(up))
	}

	// Streaming core
	registry := stream.NewRegistry(stream.RegistryConfig{
		MaxSessions:           cfg.Sessions.MaxSessions,
		IdleTimeout:           cfg.Sessions.IdleTimeout,
		SweepInterval:         cfg.Sessions.SweepInterval,
		EstimatedWaitPerEntry: cfg.Sessions.EstimatedWaitPerEntry,
	}, log, stream.WithSessionStore(sessionSvc), stream.WithRegistryMetrics(m))

	procOpts := []stream.ProcessorOption{stream.WithProcessorMetrics(m)}
	if journalSvc != nil {
		procOpts = append(procOpts, stream.WithBatchJournal(journalSvc))
	}
	processor := stream.NewProcessor(stream.BatchConfig{
		MinBatchSize:       cfg.Batch.MinBatchSize,
		MaxBatchSize:       cfg.Batch.MaxBatchSize,
		Format:             audio.Format(cfg.Audio.Format),
		SampleRate:         cfg.Audio.SampleRate,
		TranscribeTimeout:  cfg.Batch.TranscribeTimeout,
		UncertainThreshold: cfg.Batch.UncertainThreshold,
		DefaultLanguage:    cfg.Sessions.DefaultLanguage,
	}, engine, log, procOpts...)

	pipeline := stream.NewPipeline(stream.PipelineConfig{
		Format:          audio.Format(cfg.Audio.Format),
		SampleRate:      cfg.Audio.SampleRate,
		ClassifyTimeout: cfg.Classification.Timeout,
		PersistTimeout:  cfg.Store.PersistTimeout,
		ChunkRetention:  cfg.Audio.ChunkRetention,
		DefaultLanguage: cfg.Sessions.DefaultLanguage,
		MaxSeqJump:      int64(cfg.Audio.MaxSeqJump),
	}, registry, processor, classifier, log, pipelineOpts...)

	go registry.Run(ctx)

	var mirror *pubsub.Mirror
	if cfg.Store.MirrorEvents && config.RedisClient != nil {
		mirror = pubsub.NewMirror(config.RedisClient, log)
	}

	// Start Gin server
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	routes.RegisterRoutes(r, routes.Deps{
		Session:  handlers.NewSessionHandler(sessionSvc, registry),
		Review:   handlers.NewReviewHandler(reviewSvc, sessionSvc, signer, log),
		Admin:    handlers.NewAdminHandler(registry, journalSvc),
		Health:   handlers.NewHealthHandler(registry, probe),
		WS:       handlers.NewWSHandler(pipeline, mirror, log, splitList(os.Getenv("WS_ALLOWED_ORIGINS"))),
		JWT:      middleware.JWTConfigFromEnv(),
		Logger:   log,
		Metrics:  m,
		Gatherer: reg,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.WithField("port", port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	shutdown(srv, registry, pipeline, log)
}

func shutdown(srv *http.Server, registry *stream.Registry, pipeline *stream.Pipeline, log *logrus.Logger) {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	registry.CloseAll(ctx, stream.StatusError)

	done := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("background work still running at shutdown")
	}

	if err := config.CloseRedis(); err != nil {
		log.WithError(err).Warn("redis close")
	}
	if err := config.CloseMongo(ctx); err != nil {
		log.WithError(err).Warn("mongo close")
	}
	if err := config.ClosePostgres(); err != nil {
		log.WithError(err).Warn("postgres close")
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
