package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"github.com/wx-shi/ringledger/internal/config"
	"github.com/wx-shi/ringledger/internal/db"
	"github.com/wx-shi/ringledger/internal/dispatcher"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/internal/node"
	"github.com/wx-shi/ringledger/internal/peer"
	"github.com/wx-shi/ringledger/internal/server"
	"github.com/wx-shi/ringledger/internal/wallet"
	"github.com/wx-shi/ringledger/pkg"
	"go.uber.org/zap"
)

var (
	flagconf string
)

func init() {
	flag.StringVar(&flagconf, "conf", "./config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(flagconf)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	base, err := pkg.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := pkg.NodeLogger(base, cfg.Node.PublicPort)
	defer logger.Sync()

	initialCoins, err := decimal.NewFromString(cfg.Ledger.InitialCoins)
	if err != nil {
		logger.Fatal("Error parsing initial coins", zap.Error(err))
	}

	w, err := wallet.LoadOrCreate(cfg.Wallet.KeyFile)
	if err != nil {
		logger.Fatal("Error loading wallet", zap.Error(err))
	}

	// Initialize DB
	store, err := db.NewDB(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Error initializing DB", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Fatal("DB::Close", zap.Error(err))
		}
	}()

	client := peer.NewClient(cfg.Peer, logger)
	n := node.New(node.Params{
		RingSize:     cfg.Ledger.RingSize,
		Capacity:     cfg.Ledger.Capacity,
		Difficulty:   cfg.Ledger.Difficulty,
		InitialCoins: initialCoins,
	}, cfg.Node.Bootstrap, model.RingEntry{
		Address: cfg.Node.PublicHost,
		Port:    cfg.Node.PublicPort,
	}, w, client, logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start control loop
	d := dispatcher.NewDispatcher(ctx, logger, n, store, store)
	d.Start()

	// Start HTTP server
	httpServer := server.NewServer(cfg.Server, logger, store)
	httpServer.Run()

	if !n.Bootstrap() {
		go join(ctx, cfg, client, w, logger)
	}

	// Wait for signal
	<-sigCh
	logger.Info("Shutting down...")

	// Shutdown context
	cancel()
	<-d.Finish // mining stopped and no event half applied
	client.Close()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Error shutting down HTTP server", zap.Error(err))
	}
}

// join announces this node to the bootstrap node until it answers.
func join(ctx context.Context, cfg *config.Config, client *peer.Client, w *wallet.Wallet, logger *zap.Logger) {
	bootstrap := peer.URL(cfg.Node.BootstrapHost, cfg.Node.BootstrapPort, "")
	req := &model.NodeJoined{
		Address:   cfg.Node.PublicHost,
		Port:      cfg.Node.PublicPort,
		PublicKey: w.Address(),
	}
	err := retry.Do(func() error {
		return client.Join(ctx, bootstrap, req)
	}, retry.Attempts(10), retry.Delay(time.Second), retry.Context(ctx))
	if err != nil {
		logger.Error("Node::Join", zap.String("bootstrap", bootstrap), zap.Error(err))
		return
	}
	logger.Info("Node::Join", zap.String("bootstrap", bootstrap), zap.String("key", pkg.ShortAddress(w.Address())))
}
