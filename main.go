package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cache"
	"github.com/camden-git/imageoptimizer/cdn"
	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/database"
	"github.com/camden-git/imageoptimizer/debuglog"
	"github.com/camden-git/imageoptimizer/handlers"
	"github.com/camden-git/imageoptimizer/jobs"
	"github.com/camden-git/imageoptimizer/logging"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/metrics"
	"github.com/camden-git/imageoptimizer/paths"
	"github.com/camden-git/imageoptimizer/queue"
	"github.com/camden-git/imageoptimizer/realtime"
	"github.com/camden-git/imageoptimizer/repository"
	"github.com/camden-git/imageoptimizer/services"
	"github.com/camden-git/imageoptimizer/workers"
)

func main() {
	tokenSubject := flag.String("issue-token", "", "print a service token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of an issued token")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	console := logging.NewWriter(cfg.Environment)
	log := logging.New(console, cfg.Environment, cfg.LogLevel)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file loaded")
	}

	if *tokenSubject != "" {
		if cfg.APISecret == "" {
			log.Fatal().Msg("api_secret is not set")
		}
		token, err := handlers.IssueToken(cfg.APISecret, *tokenSubject, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, log, console); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger, console io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range []string{cfg.MediaStoragePath, cfg.BackupsPath} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", p, err)
		}
	}

	db, err := database.InitGormDB(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	norm := paths.NewNormalizer(paths.Roots{
		Relative:   cfg.RelativeRoot,
		Content:    cfg.ContentRoot,
		Install:    cfg.InstallRoot,
		Relocation: cfg.RelocationEnabled,
		Remote:     cfg.RemotePrefixes,
	})
	repo := repository.NewRecordRepository(db, norm, cfg.DebugEnabled)

	var (
		store       cache.Cache
		redisClient *redis.Client
	)
	if cfg.Cache.Driver == "redis" || cfg.Queue.Driver == queue.DriverRedis {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}
	if cfg.Cache.Driver == "redis" {
		store = cache.NewRedisCache(redisClient)
	} else {
		store = cache.NewMemoryCache()
	}

	cloudClient := cloud.NewClient(cloud.Options{
		Host:    cfg.Cloud.Host,
		Timeout: cfg.Cloud.Timeout,
		Cache:   store,
	})

	tools := media.NewTools(cfg.ToolsPath, log)
	mediaStore, err := media.NewLocalStorage(cfg.MediaStoragePath, map[media.AssetType]string{
		media.AssetTypeBackup: config.DefaultBackupsSubDir,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize media store: %w", err)
	}
	processor := media.NewProcessor(mediaStore, log)

	settings := config.NewFileSettings(cfg.SettingsPath)
	sink := debuglog.NewSink(cfg.DebugLogPath, cfg.DebugEnabled, console)

	hub := realtime.NewHub(log, cfg.AllowedOrigins)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	optimizer := services.NewOptimizerService(repo, norm, cloudClient, tools, processor, hub, log)

	pool := workers.NewOptimizePool(optimizer, cfg.Workers.QueueSize, cfg.Workers.NumWorkers, log)
	defer pool.Stop()
	dispatcher := workers.NewDispatcher(optimizer, pool, cloudClient, store, log)

	var offload services.Offloader
	if cfg.Offload.Enabled {
		o, err := cdn.NewOffloader(cfg.Offload, cfg.UploadsDir, log)
		if err != nil {
			return err
		}
		if err := o.EnsureBucket(ctx); err != nil {
			return err
		}
		offload = o
	}
	attachments := services.NewAttachmentService(optimizer, dispatcher, repo, store, offload, cfg.UploadsDir, log)
	background := workers.NewBackgroundHandler(attachments, store, log)

	producer, consumer, err := newQueue(cfg, redisClient, background, log)
	if err != nil {
		return err
	}
	defer producer.Close()
	dispatcher.UseQueue(producer)
	go func() {
		err := consumer.Start(log.WithContext(ctx))
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
			log.Error().Err(err).Msg("queue consumer stopped")
		}
	}()

	scanner := workers.NewScanner(repo, optimizer, cloudClient, log)
	scheduler := jobs.NewScheduler(repo, scanner, settings, cfg.UploadsDir, cfg.Schedule, log)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()

	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handlers.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	optimizeHandler := &handlers.OptimizeHandler{Optimizer: optimizer, Pool: pool, Settings: settings, UploadsDir: cfg.UploadsDir}
	recordHandler := &handlers.RecordHandler{
		Repo:        repo,
		Tools:       tools,
		Scanner:     scanner,
		Verifier:    cloudClient,
		Settings:    settings,
		UploadsDir:  cfg.UploadsDir,
		BaseContext: ctx,
	}
	attachmentHandler := &handlers.AttachmentHandler{Attachments: attachments, Settings: settings}

	r.Route("/api", func(r chi.Router) {
		r.Use(handlers.TokenAuth(cfg.APISecret))
		r.Use(sink.Middleware(log))

		r.Group(func(r chi.Router) {
			// optimizations can take minutes on large uploads
			r.Use(middleware.Timeout(10 * time.Minute))
			r.Post("/optimize", optimizeHandler.Optimize)
			r.Post("/restore", optimizeHandler.Restore)
			r.Route("/attachments/{attachment_id}", func(r chi.Router) {
				r.Get("/", attachmentHandler.Status)
				r.Delete("/", attachmentHandler.Delete)
				r.Post("/process", attachmentHandler.Process)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/records", recordHandler.GetRecord)
			r.Get("/savings", recordHandler.Savings)
			r.Get("/tools", recordHandler.ListTools)
			r.Post("/cloud/verify", recordHandler.VerifyKey)
			r.Post("/scan", recordHandler.Scan)
			r.Get("/originals/{hash}", handlers.BackupServer(processor))
		})
	})

	r.Get("/ws", hub.ServeWS)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("uploads", cfg.UploadsDir).Str("queue", cfg.Queue.Driver).Msg("server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newQueue builds the background-mode transport selected by queue.driver.
func newQueue(cfg config.Config, redisClient *redis.Client, handler queue.Handler, log zerolog.Logger) (queue.Producer, queue.Consumer, error) {
	switch cfg.Queue.Driver {
	case queue.DriverRedis:
		producer := queue.NewRedisProducer(redisClient, cfg.Redis.Stream)
		consumer := queue.NewRedisConsumer(redisClient, cfg.Redis, cfg.Queue.ClaimInterval, log, handler)
		return producer, consumer, nil
	case queue.DriverKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, nil, errors.New("queue.driver is kafka but kafka.brokers is empty")
		}
		return queue.NewKafkaProducer(cfg.Kafka), queue.NewKafkaConsumer(cfg.Kafka, log, handler), nil
	case queue.DriverMemory, "":
		mem := queue.NewMemory(cfg.Workers.QueueSize, handler, log)
		return mem, mem, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
