package commands

import (
	"context"
	"log/slog"
	"time"

	"TokenSwarm/internal/events"
	"TokenSwarm/internal/storage/artifacts"
	"TokenSwarm/internal/storage/mysql"
	"TokenSwarm/internal/storage/redis"
	"TokenSwarm/internal/web3"
	"TokenSwarm/internal/web3/provider"
	"TokenSwarm/internal/workflow"
	"TokenSwarm/pkg/logger"
)

func openChain(ctx context.Context, confirmTimeout time.Duration) (*provider.Registry, web3.Client, error) {
	registry, err := provider.NewRegistry(ctx, cfg.Web3, provider.WithConfirmTimeout(confirmTimeout))
	if err != nil {
		return nil, nil, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	return registry, client, nil
}

func openLocker(ctx context.Context) (*redis.FundingLock, error) {
	if !cfg.Storage.Lock.Enabled {
		return nil, nil
	}
	return redis.NewFundingLock(ctx, redis.Config{
		Address:  cfg.Storage.Redis.Address,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
		Prefix:   cfg.Storage.Lock.Prefix,
		TTL:      time.Duration(cfg.Storage.Lock.TTLSeconds) * time.Second,
	})
}

func openPublisher(ctx context.Context) (events.Publisher, error) {
	return events.Open(ctx, cfg.Events, cfg.Storage.Redis)
}

func openHistory(ctx context.Context) (mysql.RunRepository, error) {
	return mysql.Open(ctx, cfg.Storage.History)
}

func artifactStore() *artifacts.FileStore {
	return artifacts.NewFileStore(cfg.Runtime.AccountsFile, cfg.Runtime.DeploymentFile)
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.L().Warn("关闭资源失败", slog.String("resource", name), slog.Any("error", err))
	}
}

var _ workflow.ArtifactStore = (*artifacts.FileStore)(nil)
