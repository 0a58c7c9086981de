package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DECSResearch/GrantWatch/config"
	"github.com/DECSResearch/GrantWatch/handler"
	"github.com/DECSResearch/GrantWatch/middleware"
	"github.com/DECSResearch/GrantWatch/service"
	"github.com/gin-gonic/gin"
)

// janitor is implemented by stores that purge expired submissions.
type janitor interface {
	StartJanitor(ctx context.Context, interval time.Duration)
}

// app holds the wired services shared by the serve and listen commands.
type app struct {
	cfg         *config.Config
	minio       *service.MinioService
	storage     service.ObjectStorage
	store       service.SubmissionStore
	submissions *service.Submissions
	manifests   *service.ManifestRegistry
	issuer      *service.UploadIssuer
	validator   *service.Validator
}

func newManifestRegistry(cfg *config.Config) *service.ManifestRegistry {
	return service.NewManifestRegistry(cfg.Checker.ManifestPath, service.RequirementDefaults{
		MaxMB:    cfg.Checker.DefaultMaxMB,
		MaxPages: cfg.Checker.DefaultMaxPages,
	}, cfg.Checker.ManifestTTL())
}

func newStore(cfg *config.Config) (service.SubmissionStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		return service.NewMemoryStore(cfg.Store.Retention()), nil
	case "sqlite":
		store, err := service.NewSQLiteStore(cfg.Store.Path, cfg.Store.Table, cfg.Store.Retention())
		if err != nil {
			return nil, err
		}
		slog.Info("submission store opened", "path", store.Path(), "table", cfg.Store.Table)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newRecognizer returns the OCR fallback, or nil when it is disabled.
func newRecognizer(cfg *config.Config, storage service.ObjectStorage) service.TextRecognizer {
	if !cfg.Checker.EnableOCR {
		return nil
	}
	if storage == nil || cfg.Mineru.APIURL == "" || cfg.Mineru.APIToken == "" {
		slog.Warn("OCR fallback enabled but MinerU or object storage is not configured; scanned PDFs will fail section checks")
		return nil
	}
	return service.NewMineruService(&cfg.Mineru, storage)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, manifests: newManifestRegistry(cfg)}

	if cfg.Minio.Endpoint != "" && cfg.Minio.Bucket != "" {
		minioSvc, err := service.NewMinioService(&cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := minioSvc.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		a.minio = minioSvc
		a.storage = minioSvc
	} else {
		slog.Warn("object storage is not configured; upload-url will return 500")
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.submissions = service.NewSubmissions(store)

	a.issuer = service.NewUploadIssuer(a.submissions, a.manifests, a.storage, cfg.Checker.KeyPrefix, cfg.Checker.PresignExpiry())

	opts := service.ValidatorOptions{
		Storage:     a.storage,
		Submissions: a.submissions,
		Manifests:   a.manifests,
		Extractor:   service.PDFExtractor{},
		EnableOCR:   cfg.Checker.EnableOCR,
		KeyPrefix:   cfg.Checker.KeyPrefix,
	}
	if r := newRecognizer(cfg, a.storage); r != nil {
		opts.Recognizer = r
	}
	a.validator = service.NewValidator(opts)
	return a, nil
}

// start launches the background janitor and, if enabled, the manifest watcher.
func (a *app) start(ctx context.Context) {
	if j, ok := a.store.(janitor); ok {
		j.StartJanitor(ctx, time.Duration(a.cfg.Store.SweepMinutes)*time.Minute)
	}
	slog.Info("manifests loaded", "root", a.manifests.Root(), "opportunities", len(a.manifests.List()))
	if a.cfg.Checker.WatchManifests {
		go func() {
			if err := a.manifests.Watch(ctx); err != nil {
				slog.Warn("manifest watcher stopped", "error", err)
			}
		}()
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close submission store", "error", err)
	}
}

func (a *app) router() *gin.Engine {
	submissionHandler := handler.NewSubmissionHandler(a.submissions, a.issuer, a.manifests)
	manifestHandler := handler.NewManifestHandler(a.manifests)
	eventsHandler := handler.NewEventsHandler(a.validator)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(a.cfg.Server.AllowedOrigins))
	if a.cfg.Server.RateLimit > 0 {
		router.Use(middleware.RateLimit(a.cfg.Server.RateLimit, time.Minute))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"storage":   a.storage != nil,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	router.POST("/start-submission", submissionHandler.Start)
	router.POST("/upload-url", submissionHandler.UploadURL)
	router.GET("/status/:submission_id", submissionHandler.Status)
	router.GET("/checklist/:submission_id", submissionHandler.Checklist)
	router.GET("/manifest", manifestHandler.Get)
	router.GET("/manifest/index", manifestHandler.Index)

	router.POST("/events/storage",
		middleware.RequireScope(&a.cfg.Auth, middleware.ScopeEventsWrite),
		eventsHandler.HandleStorageEvent,
	)

	return router
}

var errNoStorage = errors.New("object storage is not configured (set MINIO_ENDPOINT and DOC_CHECKER_BUCKET)")
