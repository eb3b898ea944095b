package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"FormationHub/internal/config"
	xerrors "FormationHub/internal/errors"
	"FormationHub/internal/formation"
	"FormationHub/internal/observability/alerting"
	"FormationHub/internal/observability/metrics"
	"FormationHub/internal/task"
	"FormationHub/pkg/logger"
)

// main 是 FormationHub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("formationd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Service:     "formationd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("formationd")

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return err
	}
	store = task.NewInstrumentedStore(cfg.Storage.Driver, store)
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return err
	}

	queue, err := buildQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}
	service := task.NewService(store, queue)
	defer func() {
		if err := service.Close(); err != nil {
			lg.Error("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	registry := formation.NewRegistry()
	if cfg.Formations.File != "" {
		loaded, err := registry.LoadFile(cfg.Formations.File)
		if err != nil {
			return err
		}
		lg.Info("已加载自定义 formation", slog.Any("formations", loaded))
	}
	reportFormations(ctx, lg, service)
	if reporter, ok := queue.(task.DepthReporter); ok {
		if depth, err := reporter.Depth(ctx); err != nil {
			lg.Warn("读取队列积压失败", slog.Any("error", err))
		} else {
			lg.Info("派发队列积压", slog.String("queue", cfg.Queue.Driver), slog.Int("depth", depth))
		}
	}

	alerts := alerting.NewFanout(&alerting.LogNotifier{})
	processor := task.NewProcessor(newEchoExecutor(registry), store, queue, queue,
		task.WithWorkerCount(cfg.Processor.Workers),
		task.WithMaxAttempts(cfg.Processor.MaxAttempts),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerts),
	)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("formationd 已启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Int("workers", cfg.Processor.Workers),
		slog.Any("formations", registry.List()),
	)
	processorDone := make(chan error, 1)
	go func() { processorDone <- processor.Start(ctx) }()

	routed, err := routeBacklog(ctx, registry, service)
	if err != nil {
		lg.Warn("路由积压任务失败", slog.Any("error", err))
	} else if routed > 0 {
		lg.Info("已路由积压任务", slog.Int("routed", routed))
	}

	if err := <-processorDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("formationd 已停止")
	return nil
}

func buildStore(cfg config.StorageConfig) (task.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return task.NewSQLiteStore(task.SQLiteConfig{
			Path:        cfg.Path,
			LockTimeout: cfg.LockTimeout(),
			BusyTimeout: cfg.BusyTimeout(),
		})
	case "mysql":
		return task.NewMySQLStore(task.MySQLConfig{
			DSN:             cfg.DSN,
			LockTimeout:     cfg.LockTimeout(),
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
		})
	case "memory":
		return task.NewMemoryStoreWithTimeout(cfg.LockTimeout()), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的存储驱动: %s", cfg.Driver),
			xerrors.WithMetadata("driver", cfg.Driver))
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver),
			xerrors.WithMetadata("driver", cfg.Driver))
	}
}

// reportFormations 输出已有任务的 formation 统计，失败时只记录日志。
func reportFormations(ctx context.Context, lg *slog.Logger, service *task.Service) {
	names, err := service.Formations(ctx)
	if err != nil {
		lg.Warn("读取 formation 列表失败", slog.Any("error", err))
		return
	}
	for _, name := range names {
		stats, err := service.Stats(ctx, name)
		if err != nil {
			lg.Warn("读取任务统计失败", slog.String("formation", name), slog.Any("error", err))
			continue
		}
		lg.Info("恢复 formation 任务",
			slog.String("formation", name),
			slog.Int("total", stats.Total),
			slog.Any("by_status", stats.ByStatus),
		)
	}
}
