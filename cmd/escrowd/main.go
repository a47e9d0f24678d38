package main

import (
	"flag"
	"log/slog"
	"os"

	"escrowd/config"
	"escrowd/core"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.NetworkName)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	admin, err := cfg.Admin()
	if err != nil {
		logger.Error("invalid administrator address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err), slog.String("dataDir", cfg.DataDir))
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, admin, cfg.DefaultFeeBps, logger)
	if err != nil {
		logger.Error("failed to initialize node", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(node, rpc.Options{
		AuthToken: cfg.RPCAuthToken,
		JWTSecret: cfg.RPCJWTSecret,
		Logger:    logger,
	})
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
