// Package app 提供 faucet-payout 服务的应用生命周期管理
//
// 服务职责:
// 1. 派发管线 (Claim): 受理派发请求, 经单一签名钱包串行上链
// 2. 钱包对账 (Wallet): 周期性与节点核对余额与 nonce, 发布粗粒度状态
// 3. 金库补仓 (Refill): 钱包余额偏离目标区间时对金库合约发起提取/回存
//
// Kafka 对接:
// - 消费 claims (来自前端网关): 派发请求
// - 生产 claim-status: 派发状态变更 (前端网关推送给用户会话)
// - 生产 claim-stats: 派发完成统计 (统计服务)
//
// Redis 对接:
// - faucet:status:wallet: 钱包状态发布键
// - faucet:rewards:unclaimed: PoW 限速器维护的未领取奖励负债 (只读)
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openfaucet/faucet-payout/internal/blockchain"
	"github.com/openfaucet/faucet-payout/internal/config"
	"github.com/openfaucet/faucet-payout/internal/contract"
	"github.com/openfaucet/faucet-payout/internal/kafka"
	faucetredis "github.com/openfaucet/faucet-payout/internal/redis"
	"github.com/openfaucet/faucet-payout/internal/repository"
	"github.com/openfaucet/faucet-payout/internal/service"
	"github.com/openfaucet/faucet-payout/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *goredis.Client

	// 区块链
	client  *blockchain.Client
	builder *blockchain.TxBuilder
	token   *contract.ERC20Token

	// 仓储
	claimRepo repository.ClaimRepository

	// 服务
	walletMgr *service.WalletManager
	claimMgr  *service.ClaimManager
	refillMgr *service.RefillManager

	// Kafka
	kafkaConsumer  *kafka.Consumer
	kafkaProducer  *kafka.Producer
	eventPublisher *kafka.FaucetEventPublisher

	// 对外端口
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initKafkaProducer(); err != nil {
		return nil, fmt.Errorf("failed to init kafka producer: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initKafkaConsumer(); err != nil {
		return nil, fmt.Errorf("failed to init kafka consumer: %w", err)
	}

	app.initServers()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}

	a.redis = goredis.NewClient(&goredis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initBlockchain 初始化区块链客户端与交易构造器
func (a *App) initBlockchain() error {
	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		URL: a.cfg.Faucet.EthRpcHost,
	})
	if err != nil {
		return fmt.Errorf("failed to create rpc client: %w", err)
	}
	a.client = client

	builder, err := blockchain.NewTxBuilder(&blockchain.TxBuilderConfig{
		WalletKey: a.cfg.Faucet.EthWalletKey,
		ChainID:   a.cfg.Faucet.EthChainID,
		LegacyTx:  a.cfg.Faucet.EthLegacyTx,
		GasLimit:  a.cfg.Faucet.EthTxGasLimit,
		MaxFee:    a.cfg.Faucet.EthTxMaxFee,
		PrioFee:   a.cfg.Faucet.EthTxPrioFee,
	})
	if err != nil {
		return fmt.Errorf("failed to create tx builder: %w", err)
	}
	a.builder = builder

	if a.cfg.Faucet.FaucetCoinType == config.CoinTypeERC20 {
		token, err := contract.NewERC20Token(
			common.HexToAddress(a.cfg.Faucet.FaucetCoinContract),
			client,
		)
		if err != nil {
			return fmt.Errorf("failed to create token binding: %w", err)
		}
		a.token = token
	}

	logger.Info("blockchain client initialized",
		zap.String("endpoint", a.cfg.Faucet.EthRpcHost),
		zap.String("wallet", builder.Address().Hex()),
		zap.Bool("legacy_tx", a.cfg.Faucet.EthLegacyTx))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.claimRepo = repository.NewClaimRepository(a.db)
	logger.Info("repositories initialized")
}

// initKafkaProducer 初始化 Kafka 生产者
func (a *App) initKafkaProducer() error {
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return err
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewFaucetEventPublisher(producer)

	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() error {
	statusPub := faucetredis.NewStatusPublisher(a.redis)

	a.walletMgr = service.NewWalletManager(
		a.client,
		a.builder,
		a.token,
		statusPub,
		&a.cfg.Faucet,
	)

	a.claimMgr = service.NewClaimManager(
		a.client,
		a.builder,
		a.walletMgr,
		a.token,
		a.claimRepo,
		a.eventPublisher,
		&a.cfg.Faucet,
		service.ClaimManagerOptions{},
	)

	// 客户端重建后作废对账时间戳并立即重新对账
	a.client.OnReload(func() {
		a.walletMgr.InvalidateRefresh()
		go func() {
			if err := a.walletMgr.LoadWalletState(context.Background()); err != nil {
				logger.Warn("reconciliation after rpc reload failed", zap.Error(err))
			}
		}()
	})

	if rc := a.cfg.Faucet.EthRefillContract; rc != nil {
		vault, err := contract.NewVaultContract(
			common.HexToAddress(rc.Contract),
			rc.ABI,
			a.client,
		)
		if err != nil {
			return fmt.Errorf("failed to create vault contract: %w", err)
		}

		var tokenAddr common.Address
		if a.token != nil {
			tokenAddr = a.token.Address()
		}

		a.refillMgr = service.NewRefillManager(
			a.client,
			a.builder,
			a.walletMgr,
			vault,
			faucetredis.NewUnclaimedProvider(a.redis),
			tokenAddr,
			rc,
			service.RefillManagerOptions{},
		)
		a.refillMgr.SetQueuedAmountProvider(a.claimMgr.GetQueuedAmount)
		a.claimMgr.SetRefillManager(a.refillMgr)

		logger.Info("refill controller initialized",
			zap.String("vault", rc.Contract),
			zap.Int64("cooldown_seconds", rc.CooldownTime))
	}

	logger.Info("services initialized")
	return nil
}

// initKafkaConsumer 初始化 Kafka 消费者
func (a *App) initKafkaConsumer() error {
	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:      a.cfg.Kafka.Brokers,
		GroupID:      a.cfg.Kafka.GroupID,
		ClaimManager: a.claimMgr,
	})
	if err != nil {
		return err
	}
	a.kafkaConsumer = consumer
	return nil
}

// initServers 初始化对外端口
func (a *App) initServers() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: mux,
	}
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动派发管线 (恢复队列 + 首次对账 + tick 循环)
	if err := a.claimMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start claim pipeline: %w", err)
	}

	// 启动 Kafka 消费者
	if err := a.kafkaConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kafka consumer: %w", err)
	}

	// 启动 Prometheus HTTP 端口
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 启动 gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// 停止 Kafka 消费者
	if a.kafkaConsumer != nil {
		a.kafkaConsumer.Stop()
	}

	// 停止派发管线
	if a.claimMgr != nil {
		a.claimMgr.Stop()
	}

	// 关闭 gRPC 服务器
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	// 关闭 HTTP 端口
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.httpServer.Shutdown(shutdownCtx)
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	// 关闭区块链客户端
	if a.client != nil {
		a.client.Close()
	}

	// 关闭 Redis
	if a.redis != nil {
		a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
