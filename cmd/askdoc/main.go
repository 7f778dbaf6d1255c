package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/ai"
	"github.com/xxxsen/askdoc/internal/breaker"
	"github.com/xxxsen/askdoc/internal/config"
	"github.com/xxxsen/askdoc/internal/db"
	"github.com/xxxsen/askdoc/internal/embedcache"
	"github.com/xxxsen/askdoc/internal/filestore"
	"github.com/xxxsen/askdoc/internal/handler"
	"github.com/xxxsen/askdoc/internal/job"
	"github.com/xxxsen/askdoc/internal/middleware"
	"github.com/xxxsen/askdoc/internal/ratelimit"
	"github.com/xxxsen/askdoc/internal/repo"
	"github.com/xxxsen/askdoc/internal/respcache"
	"github.com/xxxsen/askdoc/internal/schedule"
	"github.com/xxxsen/askdoc/internal/service"
	"github.com/xxxsen/askdoc/internal/vecstore"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "askdoc",
		Short: "askdoc document Q&A server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run askdoc server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			conn, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.ApplyMigrations(conn); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return runServer(cfg, conn)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config, conn *sql.DB) error {
	rootLogger := logutil.GetLogger(context.Background())
	rootLogger.Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
		zap.String("chat_provider", cfg.AI.Chat.Provider),
		zap.String("embed_provider", cfg.AI.Embed.Provider),
	)

	docRepo := repo.NewDocumentRepo(conn)
	summaryRepo := repo.NewSummaryRepo(conn)
	sessionRepo := repo.NewSessionRepo(conn)
	messageRepo := repo.NewMessageRepo(conn)
	embedCacheRepo := repo.NewEmbeddingCacheRepo(conn)

	chatProvider, err := ai.NewChatProvider(cfg.AI.Chat.Provider, cfg.AI.Chat.Data)
	if err != nil {
		return fmt.Errorf("init chat provider: %w", err)
	}
	chatClient := ai.NewChatClient(chatProvider, cfg.AI.Chat.Model)

	embedProvider, err := ai.NewEmbedProvider(cfg.AI.Embed.Provider, cfg.AI.Embed.Data)
	if err != nil {
		return fmt.Errorf("init embed provider: %w", err)
	}
	embedder := ai.NewEmbedder(embedProvider, cfg.AI.Embed.Model)
	embedder = embedcache.WrapDBCacheToEmbedder(embedder, embedCacheRepo)
	embedder = embedcache.WrapLruCacheToEmbedder(embedder,
		cfg.AI.EmbedCache.Size,
		time.Duration(cfg.AI.EmbedCache.TTLMinutes)*time.Minute,
	)

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	vecStore := vecstore.NewPGVectorStore(conn)
	chunker := ai.NewChunker(cfg.Chunker)
	respCache := respcache.New(cfg.Cache)
	brk := breaker.New(cfg.Breaker)
	limiter := ratelimit.New(cfg.RateLimit)

	documentService := service.NewDocumentService(docRepo, summaryRepo, chunker, embedder, vecStore, store, respCache)
	summaryService := service.NewSummaryService(chatClient, embedder, summaryRepo)
	sessionService := service.NewSessionService(sessionRepo, messageRepo)
	ragService := service.NewRAGService(embedder, vecStore, chatClient, summaryService, docRepo, respCache, brk, cfg.RAG, cfg.Pricing)

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewSummaryBackfillJob(summaryService, 10), "*/5 * * * *"); err != nil {
		return fmt.Errorf("schedule summary backfill: %w", err)
	}
	if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(embedCacheRepo, 30), "0 4 * * *"); err != nil {
		return fmt.Errorf("schedule embedding cache cleanup: %w", err)
	}

	deps := handler.RouterDeps{
		Documents: handler.NewDocumentHandler(documentService),
		Chat:      handler.NewChatHandler(ragService, sessionService, limiter),
		Stats:     handler.NewStatsHandler(respCache, brk, limiter),
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(nil),
			middleware.RequestID(),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/chat"})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter.Start(ctx)
	scheduler.Start(ctx)

	rootLogger.Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			rootLogger.Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	rootLogger.Info("server stopping...")
	scheduler.Stop()
	limiter.Stop()
	return nil
}
