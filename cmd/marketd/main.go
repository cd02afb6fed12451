package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentMarket-Chain/internal/anchor"
	"AgentMarket-Chain/internal/api"
	"AgentMarket-Chain/internal/config"
	"AgentMarket-Chain/internal/escrow"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/params"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/reputation"
	"AgentMarket-Chain/pkg/logger"
)

// main 是市场守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("marketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmarket.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level: "info",
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    filepath.Join(cfg.Runtime.DataDir, "audit.log"),
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 加载协议经济参数。
	protocolParams, err := params.Load(cfg.Params.Path)
	if err != nil {
		return err
	}

	bank := ledger.New()

	// 按驱动创建三个组件的状态存储。
	agentStore, jobStore, reputationStore, err := createStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		_ = agentStore.Close()
		_ = jobStore.Close()
		_ = reputationStore.Close()
	}()

	// 事件流。
	stream, err := createStream(cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Printf("关闭事件流失败: %v", err)
		}
	}()

	reg := registry.New(agentStore, bank, protocolParams,
		registry.WithEventPublisher(stream),
	)
	rep := reputation.New(reputationStore, protocolParams,
		reputation.WithStakeReader(reg),
		reputation.WithScoreMirror(reg),
		reputation.WithEventPublisher(stream),
	)
	esc := escrow.New(jobStore, bank, reg, protocolParams,
		escrow.WithReputationSink(rep.NewSink()),
		escrow.WithEventPublisher(stream),
	)

	// 检查点锚定。
	if cfg.Anchor.Enabled {
		opts := []anchor.Option{anchor.WithEventPublisher(stream)}
		if cfg.Anchor.Chain != "" {
			defs, err := anchor.LoadChainDefinitions(cfg.Anchor.ChainsPath)
			if err != nil {
				return err
			}
			def, ok := defs.Chains[cfg.Anchor.Chain]
			if !ok {
				return fmt.Errorf("未知的锚定链: %s", cfg.Anchor.Chain)
			}
			client, err := anchor.Dial(ctx, cfg.Anchor.Chain, def)
			if err != nil {
				logger.L().Warn("连接锚定链失败，检查点降级为本地锚定", slog.Any("error", err))
			} else {
				defer client.Close()
				opts = append(opts, anchor.WithChainClient(client))
			}
		}
		anchorer := anchor.New(esc, reg, bank, opts...)
		go anchorer.Run(ctx, time.Duration(cfg.Anchor.IntervalMS)*time.Millisecond)
	}

	server := api.NewServer(cfg.Server.Address, reg, esc, rep)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStores(cfg config.StorageConfig) (registry.Store, escrow.Store, reputation.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return registry.NewMemoryStore(), escrow.NewMemoryStore(), reputation.NewMemoryStore(), nil
	case "mysql":
		agentStore, err := registry.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		jobStore, err := escrow.NewMySQLStore(cfg.DSN)
		if err != nil {
			_ = agentStore.Close()
			return nil, nil, nil, err
		}
		reputationStore, err := reputation.NewMySQLStore(cfg.DSN)
		if err != nil {
			_ = agentStore.Close()
			_ = jobStore.Close()
			return nil, nil, nil, err
		}
		return agentStore, jobStore, reputationStore, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func createStream(cfg config.EventStreamConfig) (events.Stream, error) {
	switch cfg.Driver {
	case "", "memory":
		return events.NewMemoryStream(1024), nil
	case "redis":
		return events.NewRedisStream(events.RedisStreamConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return events.NewRabbitMQStream(events.RabbitMQConfig{
			URL:   cfg.RabbitMQ.URL,
			Queue: cfg.RabbitMQ.Queue,
		})
	default:
		return nil, fmt.Errorf("未知的事件流驱动: %s", cfg.Driver)
	}
}
