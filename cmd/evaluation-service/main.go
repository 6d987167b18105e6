package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloudeval/internal/common/cache"
	"cloudeval/internal/common/db"
	commonmw "cloudeval/internal/common/http/middleware"
	"cloudeval/internal/common/mq"
	"cloudeval/internal/common/storage"
	"cloudeval/internal/evaluation/controller"
	"cloudeval/internal/evaluation/progress"
	"cloudeval/internal/evaluation/repository"
	"cloudeval/internal/evaluation/sandbox"
	"cloudeval/internal/evaluation/service"
	"cloudeval/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/evaluation_service.yaml"
	defaultEnvPath    = ".env"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Path to optional env file")
	storeKind := flag.String("store", "", "Override store backend: mysql or memory")
	flag.Parse()

	if err := loadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}
	if *storeKind != "" {
		appCfg.Evaluation.Store = *storeKind
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, closeStore, err := openStore(appCfg)
	if err != nil {
		logger.Error(context.Background(), "init store failed", zap.Error(err))
		return
	}
	defer closeStore()

	var jobs repository.JobRepository = store
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		jobs = repository.NewCachedJobRepository(store, redisCache, appCfg.Evaluation.StatusTTL)
	}

	var evidence service.EvidenceOffloader
	if appCfg.MinIO.Endpoint != "" {
		archive, err := openEvidenceArchive(appCfg)
		if err != nil {
			logger.Error(context.Background(), "init evidence archive failed", zap.Error(err))
			return
		}
		evidence = archive
	}

	broadcaster := progress.NewBroadcaster()
	sinks := progress.MultiSink{broadcaster}

	var mqClient *mq.KafkaQueue
	var events *progress.AsyncSink
	if appCfg.Kafka.enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
		events = progress.NewAsyncSink(progress.NewMQPublisher(mqClient, appCfg.Evaluation.EventTopic), appCfg.Evaluation.EventBuffer)
		defer events.Close()
		sinks = append(sinks, events)
	}

	runner := sandbox.NewLuaRunner(sandbox.LuaConfig{
		Timeout:        appCfg.Evaluation.SandboxTimeout,
		MaxSleep:       appCfg.Evaluation.MaxSleep,
		AllowedModules: appCfg.Evaluation.AllowedModules,
	}, sandbox.StandardModules(sandbox.ModulesConfig{
		HTTPTimeout:      appCfg.Evaluation.HTTPTimeout,
		AllowedHTTPHosts: appCfg.Evaluation.AllowedHTTPHosts,
		AWSEndpoint:      appCfg.Evaluation.AWSEndpoint,
	})...)

	dispatcher, engine, err := buildEngine(store, jobs, runner, evidence, sinks, appCfg.Evaluation)
	if err != nil {
		logger.Error(context.Background(), "init evaluation engine failed", zap.Error(err))
		return
	}
	if err := dispatcher.Start(context.Background()); err != nil {
		logger.Error(context.Background(), "start dispatcher failed", zap.Error(err))
		return
	}
	defer dispatcher.Stop()

	if mqClient != nil {
		handler := service.NewCommandHandler(engine)
		err = mqClient.SubscribeWithOptions(context.Background(), appCfg.Evaluation.CommandTopic, handler.HandleMessage, appCfg.Kafka.subscribeOptions())
		if err != nil {
			logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
			return
		}
		if err := mqClient.Start(); err != nil {
			logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Stop()
		}()
	}

	evaluationController := controller.NewEvaluationController(engine, dispatcher, broadcaster)
	if events != nil {
		evaluationController.WithDropCounter(events)
	}
	httpServer := buildHTTPServer(appCfg.Server, evaluationController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "evaluation http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("store", appCfg.Evaluation.Store),
			zap.Bool("kafka", mqClient != nil),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

func openStore(cfg *AppConfig) (repository.Store, func(), error) {
	if cfg.Evaluation.Store == storeMemory {
		store := repository.NewMemoryStore()
		if err := loadSeed(cfg.Evaluation.SeedFile, store); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	mysqlDB, err := db.NewMySQLWithConfig(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewMySQLStore(mysqlDB), func() { _ = mysqlDB.Close() }, nil
}

func openEvidenceArchive(cfg *AppConfig) (*repository.EvidenceArchive, error) {
	objStorage, err := storage.NewMinIOStorage(cfg.MinIO.MinIOConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := objStorage.EnsureBucket(ctx, cfg.MinIO.Bucket); err != nil {
		return nil, err
	}
	return repository.NewEvidenceArchive(objStorage, cfg.MinIO.Bucket, cfg.Evaluation.InlineEvidenceLimit)
}

func buildEngine(
	store repository.Store,
	jobs repository.JobRepository,
	runner sandbox.Runner,
	evidence service.EvidenceOffloader,
	sink progress.Sink,
	cfg EvaluationConfig,
) (*service.Dispatcher, *service.Engine, error) {
	tasks, err := service.NewTaskEvaluator(service.TaskEvaluatorConfig{
		Assessments: store,
		Results:     store,
		Checks:      service.NewCheckEvaluator(store, runner, nil),
		Evidence:    evidence,
		Sink:        sink,
	})
	if err != nil {
		return nil, nil, err
	}
	assessments, err := service.NewAssessmentEvaluator(service.AssessmentEvaluatorConfig{
		Jobs:        jobs,
		Assessments: store,
		Tasks:       tasks,
		Sink:        sink,
	})
	if err != nil {
		return nil, nil, err
	}
	batches, err := service.NewBatchEvaluator(service.BatchEvaluatorConfig{
		Jobs:        jobs,
		Assessments: store,
		Evaluator:   assessments,
		Sink:        sink,
	})
	if err != nil {
		return nil, nil, err
	}
	dispatcher, err := service.NewDispatcher(service.DispatcherConfig{
		Jobs:                  jobs,
		Assessments:           assessments,
		Batches:               batches,
		Sink:                  sink,
		EstimatePerAssessment: cfg.EstimatePerAssessment,
	})
	if err != nil {
		return nil, nil, err
	}
	engine, err := service.NewEngine(dispatcher, jobs, store)
	if err != nil {
		return nil, nil, err
	}
	return dispatcher, engine, nil
}

func buildHTTPServer(cfg ServerConfig, evaluationController *controller.EvaluationController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(commonmw.RequestLogger())

	evaluationController.Register(router.Group("/api/v1/evaluations"))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
