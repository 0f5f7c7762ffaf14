package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BlogToVideo-server/config"
	"BlogToVideo-server/models"
	"BlogToVideo-server/routers"
	"BlogToVideo-server/routers/api"
	"BlogToVideo-server/service"
)

func main() {
	config.InitConfig()
	cfg := config.AppConfig
	log.Println("Server starting on port", cfg.Server.Port)

	store := initStore(cfg)
	log.Printf("Job store initialized (%s)", cfg.Store.Driver)

	service.InitRedis()
	service.InitQueue()
	log.Println("Queue initialized")

	service.InitMinIO()
	log.Println("MinIO initialized")

	ctx := context.Background()
	var planner service.ScriptPlanner
	if cfg.Gemini.APIKey != "" {
		p, err := service.NewGeminiPlanner(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.ClipGen.SegmentCount, cfg.ClipGen.SegmentSeconds)
		if err != nil {
			log.Fatalf("Gemini 初始化失败: %v", err)
		}
		planner = p
	} else {
		log.Println("GEMINI_API_KEY 未设置，使用 StaticPlanner")
		planner = service.StaticPlanner{SegmentCount: cfg.ClipGen.SegmentCount, SegmentSeconds: cfg.ClipGen.SegmentSeconds}
	}

	var clips service.ClipGenerator
	if cfg.ClipGen.Endpoint != "" {
		clips = service.NewHTTPClipGenerator(cfg.ClipGen.Endpoint, cfg.ClipGen.APIKey,
			time.Duration(cfg.ClipGen.CallTimeoutSeconds)*time.Second)
	} else {
		// 规划阶段会以 missing upstream config 失败
		log.Println("clipgen.endpoint 未配置")
	}

	fetcher := service.NewHTTPFetcher(time.Duration(cfg.Fetcher.TimeoutSeconds)*time.Second,
		cfg.Fetcher.UserAgent, cfg.Fetcher.MaxTextChars)
	artifacts := service.NewMinioArtifactStore(service.MinioClient, cfg.MinIO.Bucket)
	assembler := service.NewFFmpegAssembler(cfg.Assembler.FFmpegPath, cfg.Assembler.FFprobePath,
		cfg.Assembler.WorkDir, cfg.Assembler.DownloadConcurrency, artifacts)
	handles := service.NewRedisHandleIndex(service.RedisClient, 48*time.Hour)
	dispatcher := service.NewAsynqDispatcher(service.QueueClient)

	orch := service.NewOrchestrator(store, fetcher, planner, clips, assembler, dispatcher, handles, service.OrchestratorConfig{
		AspectRatio:    cfg.ClipGen.AspectRatio,
		SegmentCount:   cfg.ClipGen.SegmentCount,
		SegmentSeconds: cfg.ClipGen.SegmentSeconds,
		CallTimeout:    time.Duration(cfg.ClipGen.CallTimeoutSeconds) * time.Second,
		MaxRetries:     cfg.ClipGen.MaxRetries,
		RetryBackoff:   time.Duration(cfg.ClipGen.RetryBackoffMs) * time.Millisecond,
		LeaseDuration:  time.Duration(cfg.ClipGen.LeaseSeconds) * time.Second,
		AssemblyLease:  time.Duration(cfg.Assembler.LeaseSeconds) * time.Second,
		CallbackURL:    cfg.CallbackURL,
	})
	rec := service.NewReconciler(orch)

	processor := service.NewProcessor(orch, rec)
	processor.StartProcessor(cfg.Queue.Concurrency)

	// 重启后接手未结束的任务
	if n, err := orch.ResumeActive(ctx); err != nil {
		log.Printf("恢复未完成任务失败: %v", err)
	} else if n > 0 {
		log.Printf("已重新投递 %d 个未完成任务", n)
	}

	r := routers.InitRouter(api.NewConversionHandler(orch, rec))
	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	processor.Shutdown()
	_ = service.QueueClient.Close()
	_ = service.RedisClient.Close()
	log.Println("Server exited")
}

func initStore(cfg *config.Config) models.JobStore {
	switch cfg.Store.Driver {
	case "supabase":
		s, err := models.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.Table)
		if err != nil {
			log.Fatalf("Supabase 初始化失败: %v", err)
		}
		return s
	case "memory":
		log.Println("使用内存存储，重启后任务丢失")
		return models.NewMemoryStore()
	default:
		models.InitDB()
		return models.NewGormStore(models.GormDB)
	}
}
