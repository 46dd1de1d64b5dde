package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/pkg/config"
	"github.com/wyfcoding/pkg/database"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/messagequeue/kafka"
	"github.com/wyfcoding/pkg/messagequeue/outbox"
	"github.com/wyfcoding/pkg/metrics"
	"github.com/wyfcoding/pkg/redis"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	marginapp "github.com/quantclear/optionscore/internal/margin/application"
	oracleapp "github.com/quantclear/optionscore/internal/oracle/application"
	oracledomain "github.com/quantclear/optionscore/internal/oracle/domain"
	oraclemysql "github.com/quantclear/optionscore/internal/oracle/infrastructure/persistence/mysql"
	oracleredis "github.com/quantclear/optionscore/internal/oracle/infrastructure/persistence/redis"
	"github.com/quantclear/optionscore/internal/oracle/interfaces/consumer"
	obapp "github.com/quantclear/optionscore/internal/orderbook/application"
	obdomain "github.com/quantclear/optionscore/internal/orderbook/domain"
	obmysql "github.com/quantclear/optionscore/internal/orderbook/infrastructure/persistence/mysql"
	optionsapp "github.com/quantclear/optionscore/internal/options/application"
	optionsdomain "github.com/quantclear/optionscore/internal/options/domain"
	"github.com/quantclear/optionscore/internal/options/infrastructure/messaging"
	optionsmysql "github.com/quantclear/optionscore/internal/options/infrastructure/persistence/mysql"
	httpserver "github.com/quantclear/optionscore/internal/options/interfaces/http"
	"github.com/quantclear/optionscore/internal/protocol"
	vaultapp "github.com/quantclear/optionscore/internal/vault/application"
	vaultdomain "github.com/quantclear/optionscore/internal/vault/domain"
	vaultmysql "github.com/quantclear/optionscore/internal/vault/infrastructure/persistence/mysql"
)

var (
	configPath = flag.String("config", "configs/optionscore/config.toml", "config file path")
	paramsPath = flag.String("params", "configs/optionscore/params.toml", "protocol params file path")
)

func main() {
	flag.Parse()

	// 1. Config
	var cfg config.Config
	if err := config.Load(*configPath, &cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	params, err := protocol.Load(*paramsPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load protocol params: %v", err))
	}

	// 2. Logger
	logCfg := &logging.Config{
		Service:    cfg.Server.Name,
		Module:     "optionscore",
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
	logger := logging.NewFromConfig(logCfg)
	slog.SetDefault(logger.Logger)

	// 3. Metrics
	metricsImpl := metrics.NewMetrics(cfg.Server.Name)
	if cfg.Metrics.Enabled {
		go metricsImpl.ExposeHTTP(cfg.Metrics.Port)
	}

	// 4. Infrastructure
	db, err := database.NewDB(cfg.Data.Database, cfg.CircuitBreaker, logger, metricsImpl)
	if err != nil {
		slog.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	if cfg.Server.Environment == "dev" {
		if err := db.RawDB().AutoMigrate(
			&oracledomain.SettlementPrice{},
			&oracledomain.ObservationRecord{},
			&vaultdomain.Vault{},
			&vaultdomain.CollateralLock{},
			&obdomain.Order{},
			&obdomain.Fill{},
			&optionsdomain.OptionSeries{},
			&optionsdomain.Position{},
		); err != nil {
			slog.Error("failed to migrate database", "error", err)
		}
	}

	redisClient, redisCleanup, err := redis.NewClient(&cfg.Data.Redis, logger)
	if err != nil {
		slog.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}
	defer redisCleanup()

	outboxMgr := outbox.NewManager(db.RawDB(), logger.Logger)
	publisher := messaging.NewOutboxPublisher(outboxMgr)

	// 5. Repositories
	settlementRepo := oraclemysql.NewSettlementPriceRepository(db.RawDB())
	observationRepo := oraclemysql.NewObservationRepository(db.RawDB())
	quoteCache := oracleredis.NewQuoteCache(redisClient)
	vaultRepo := vaultmysql.NewVaultRepository(db.RawDB())
	lockRepo := vaultmysql.NewLockRepository(db.RawDB())
	orderRepo := obmysql.NewOrderRepository(db.RawDB())
	fillRepo := obmysql.NewFillRepository(db.RawDB())
	seriesRepo := optionsmysql.NewSeriesRepository(db.RawDB())
	positionRepo := optionsmysql.NewPositionRepository(db.RawDB())

	// 6. Application
	oracleSvc := oracleapp.NewOracleService(params, settlementRepo, observationRepo, quoteCache, publisher, logger.Logger)
	vaultSvc := vaultapp.NewVaultService("USDC", vaultRepo, lockRepo, publisher, logger.Logger)
	bookSvc := obapp.NewOrderBookService(orderRepo, fillRepo, publisher, logger.Logger)

	optionsSvc := optionsapp.NewOptionsService(
		params,
		oracleSvc,
		vaultSvc,
		marginapp.NewMarginService(params, oracleSvc, vaultSvc, publisher, logger.Logger),
		bookSvc,
		seriesRepo,
		positionRepo,
		publisher,
		logger.Logger,
	)

	// 7. Kafka price ingestion
	kafkaCfg := &cfg.MessageQueue.Kafka
	kafkaCfg.GroupID = "optionscore-oracle"
	kafkaCfg.Topic = "oracle.price"

	kafkaConsumer := kafka.NewConsumer(kafkaCfg, logger, metricsImpl)
	priceHandler := consumer.NewPriceFeedHandler(optionsSvc)
	priceHandler.Subscribe(context.Background(), kafkaConsumer)

	// 8. Interfaces
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, health.NewServer())
	reflection.Register(grpcSrv)

	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	httpHandler := httpserver.NewOptionsHandler(optionsSvc)
	httpHandler.RegisterRoutes(r.Group(""))

	// 9. Start
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		slog.Info("gRPC server starting", "addr", addr)
		return grpcSrv.Serve(lis)
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.HTTP.Port)
		server := &http.Server{Addr: addr, Handler: r}
		slog.Info("HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			slog.Info("shutting down servers...")
		case <-ctx.Done():
			slog.Info("context cancelled, shutting down...")
		}
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
	}
}
