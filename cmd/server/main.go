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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"hydra/api/grpcserver"
	"hydra/config"
	"hydra/domain/orderbook"
	"hydra/engine"
	"hydra/infra/kafka"
	"hydra/infra/kv"
	"hydra/infra/logging"
	"hydra/infra/memory"
	"hydra/infra/metrics"
	"hydra/infra/sequence"
	"hydra/jobs/broadcaster"
	"hydra/router"
	"hydra/service"
	"hydra/settlement"
)

func main() {
	path := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// ---------------- Storage ----------------

	store, err := kv.OpenPebble(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	buffers := memory.NewBufferPool(cfg.Buffers)

	// ---------------- Settlement ----------------

	network, closeNetwork, err := openNetwork(cfg.Network, store, log)
	if err != nil {
		return err
	}
	defer closeNetwork()

	queue, err := settlement.New(cfg.Settlement, settlement.NewStore(store, buffers), network, log, settlement.WithMetrics(m))
	if err != nil {
		return err
	}

	// ---------------- Engine & Router ----------------

	orderIDs, tradeIDs := sequence.New(0), sequence.New(0)
	eng, err := engine.New(cfg.Engine, queue, orderIDs, tradeIDs, log, engine.WithMetrics(m))
	if err != nil {
		return err
	}

	ropts := []router.Option{router.WithMetrics(m)}
	if len(cfg.Pool.Markets) > 0 {
		pool, err := simulatedPool(cfg.Pool)
		if err != nil {
			return err
		}
		ropts = append(ropts, router.WithPool(pool))
	}
	rtr := router.New(cfg.Router, eng, queue, log, ropts...)

	// ---------------- Service ----------------

	x, err := service.New(cfg.Service, service.Components{
		Engine:   eng,
		Router:   rtr,
		Queue:    queue,
		Store:    store,
		Buffers:  buffers,
		OrderIDs: orderIDs,
		TradeIDs: tradeIDs,
		Metrics:  m,
	}, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return x.Run(gctx) })

	// ---------------- Background Jobs ----------------

	if len(cfg.Feed.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Feed)
		defer producer.Close()
		bc := broadcaster.New(cfg.Broadcast, queue.Failures(), queue, broadcaster.NewOutbox(store), producer, log)
		g.Go(func() error { return bc.Run(gctx) })
	} else {
		log.Info("failure feed disabled")
	}

	// ---------------- Metrics HTTP ----------------

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcserver.LoggingInterceptor(log)))
	grpcserver.Register(grpcSrv, grpcserver.NewServer(x))

	g.Go(func() error {
		select {
		case <-x.Ready():
		case <-gctx.Done():
			lis.Close()
			return nil
		}
		log.Info("hydra serving", zap.String("grpc", cfg.GRPCAddr), zap.String("metrics", cfg.MetricsAddr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func openNetwork(cfg config.Network, receipts kv.Store, log *zap.Logger) (settlement.Network, func(), error) {
	switch cfg.Kind {
	case config.NetworkKafka:
		n, err := settlement.NewKafkaNetwork(cfg.Brokers, cfg.Topic, cfg.Timeout, settlement.WithReceipts(receipts, log))
		if err != nil {
			return nil, nil, err
		}
		return n, func() { _ = n.Close() }, nil
	default:
		return settlement.NewSimulatedNetwork(cfg.Latency), func() {}, nil
	}
}

func simulatedPool(cfg config.Pool) (*router.SimulatedPool, error) {
	pool := router.NewSimulatedPool(cfg.Latency)
	for pair, q := range cfg.Markets {
		price, err := orderbook.ParsePrice(q.Price)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", pair, err)
		}
		pool.SetMarket(pair, price, q.Capacity)
	}
	return pool, nil
}
