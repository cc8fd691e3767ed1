// pushboardのエントリポイント。
// 予約通知を一定間隔でプッシュ配信するスケジューラと、
// 通知の閲覧・作成およびGoogleログイン確認を行うHTTP APIを1プロセスで起動する。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/pushboard/internal/auth"
	"github.com/nao1215/pushboard/internal/config"
	"github.com/nao1215/pushboard/internal/dispatch"
	"github.com/nao1215/pushboard/internal/notification"
	"github.com/nao1215/pushboard/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// leaseKey はレプリカ間で配信サイクルを排他するRedisのキー。
const leaseKey = "pushboard:dispatch:lease"

func main() {
	if err := run(); err != nil {
		log.Fatalf("pushboardの起動に失敗: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := notification.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		logger.Info("マイグレーションを適用", zap.String("name", name))
	}

	verifier := newVerifier(cfg, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lease, closeLease, err := newLease(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLease()

	scheduler := dispatch.NewScheduler(dispatch.Options{
		Selector:   store,
		Dispatcher: newDispatchClient(cfg, logger),
		Committer:  dispatch.NewTracker(store, logger.Named("tracker")),
		Publisher:  dispatch.NewPublisher(cfg.EventStoreURL, logger.Named("publisher")),
		Metrics:    dispatch.NewMetrics(reg),
		Lease:      lease,
		Interval:   cfg.Dispatch.Interval,
		BatchSize:  cfg.Dispatch.BatchSize,
		Logger:     logger.Named("scheduler"),
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	server := notification.NewServer(notification.ServerConfig{
		Port:           cfg.Port,
		Store:          store,
		Verifier:       verifier,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger.Named("http"),
	})

	logger.Info("pushboardを起動します", zap.String("port", cfg.Port))
	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("pushboardを停止しました")
	return nil
}

// newVerifier はIDトークンの検証器を生成する。
// GOOGLE_CLIENT_IDが未設定の場合は検証経路を無効化し、nilを返す。
func newVerifier(cfg *config.Config, logger *zap.Logger) notification.TokenVerifier {
	v, err := auth.NewVerifier(
		auth.NewKeySet(cfg.Auth.CertsURL),
		cfg.Auth.Audience,
		auth.WithIssuers(cfg.Auth.Issuers...),
		auth.WithLogger(logger.Named("auth")),
	)
	if err != nil {
		logger.Warn("IDトークンの検証を無効化します", zap.Error(err))
		return nil
	}
	return v
}

// newDispatchClient はプッシュゲートウェイのクライアントを生成する。
// サービスアカウント鍵を読み込めない場合もプロセスは起動し、各サイクルの送信は恒久的な失敗になる。
func newDispatchClient(cfg *config.Config, logger *zap.Logger) *dispatch.Client {
	projectID := cfg.Gateway.ProjectID

	var tokens dispatch.TokenSource
	sa, err := dispatch.LoadServiceAccount(cfg.Gateway.ServiceAccountFile)
	if err == nil {
		if projectID == "" {
			projectID = sa.ProjectID
		}
		tokens, err = dispatch.NewServiceAccountTokenSource(sa)
	}
	if err != nil {
		logger.Error("ゲートウェイの認証情報を利用できません", zap.String("file", cfg.Gateway.ServiceAccountFile), zap.Error(err))
		loadErr := fmt.Errorf("%w: %w", dispatch.ErrCredentials, err)
		tokens = dispatch.TokenSourceFunc(func(context.Context) (string, error) { return "", loadErr })
	}

	return dispatch.NewClient(cfg.Gateway.Endpoint, projectID, tokens,
		dispatch.WithTimeout(cfg.Gateway.Timeout),
		dispatch.WithConcurrency(cfg.Dispatch.Concurrency),
		dispatch.WithLogger(logger.Named("gateway")),
	)
}

// newLease はREDIS_ADDRが設定されていればレプリカ間のリースを生成する。
func newLease(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Gate, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}

	ttl := dispatch.LeaseTTL(cfg.Dispatch.BatchSize, cfg.Dispatch.Concurrency, cfg.Gateway.Timeout)
	logger.Info("Redisによるレプリカ間の排他を有効化", zap.String("addr", cfg.RedisAddr), zap.Duration("lease_ttl", ttl))
	return dispatch.NewRedisGate(client, leaseKey, ttl), func() { _ = client.Close() }, nil
}
