// Command hive-node bootstraps a single node of the hive: it loads
// configuration, starts the job scheduler, opens a message endpoint over
// the configured transport, and wires the service registry on top,
// tearing everything down in reverse order on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/hivecore/hive/internal/config"
	"github.com/hivecore/hive/internal/telemetry"
	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/hivecore/hive/kernel/network"
	"github.com/hivecore/hive/kernel/network/transport"
	"github.com/hivecore/hive/kernel/services"
	"github.com/hivecore/hive/kernel/utils"
)

func main() {
	configPath := flag.String("config", "hive.yaml", "path to the node's YAML config file")
	identityPath := flag.String("identity", "node_identity.json", "path to the persisted node identity file")
	flag.Parse()

	logger := utils.DefaultLogger("hive-node")

	cfg, err := config.Load(*configPath, *identityPath)
	if err != nil {
		logger.Fatal("failed loading configuration", utils.Err(err))
	}

	logger.Info("starting node",
		utils.String("node_id", cfg.Net.Node.ID),
		utils.String("transport", cfg.Net.Transport),
		utils.String("address", cfg.Net.Address),
		utils.Int("port", cfg.Net.Port),
	)

	shutdown := utils.NewGracefulShutdown(10*time.Second, logger)

	manager := jobsystem.NewManager(jobsystem.Config{
		Concurrency: cfg.Jobs.Concurrency,
		Logger:      logger,
	})
	manager.StartExecution()
	shutdown.Register("job-scheduler", func() error {
		manager.StopExecution()
		return nil
	})

	tr, err := newTransport(cfg)
	if err != nil {
		logger.Fatal("failed constructing transport", utils.Err(err))
	}

	endpoint := network.NewEndpoint(cfg.Net.Node.ID, tr, manager, network.Config{
		HandshakeTimeout: cfg.Net.HandshakeTimeout,
		CleanupInterval:  cfg.Net.CleanupInterval,
		IdleTimeout:      cfg.Net.IdleTimeout,
		Logger:           logger,
	})

	ctx, cancelListen := context.WithCancel(context.Background())
	if cfg.Net.Server.AutoInit {
		listenCtx := transport.WithListenAddr(ctx, listenAddrOf(cfg))
		if err := endpoint.Startup(listenCtx); err != nil {
			logger.Fatal("failed starting endpoint", utils.Err(err))
		}
	}
	shutdown.Register("network-endpoint", func() error {
		cancelListen()
		return endpoint.Shutdown()
	})

	registry := services.NewRegistry(cfg.Net.Node.ID, manager, endpoint, logger)
	_ = registry

	var metricsServer *telemetry.Server
	if cfg.Telemetry.MetricsAddr != "" {
		metricsServer, err = telemetry.Start(cfg.Telemetry.MetricsAddr)
		if err != nil {
			logger.Error("failed starting telemetry server", utils.Err(err))
		} else {
			shutdown.Register("telemetry-server", func() error {
				return metricsServer.Stop(context.Background())
			})
		}
	}

	cycleStop := runCycleLoop(manager, logger)
	shutdown.Register("cycle-loop", func() error {
		cycleStop()
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown did not complete cleanly", utils.Err(err))
		os.Exit(1)
	}
}

// runCycleLoop drives the scheduler's cycle ticker, returning a stop
// function that halts it.
func runCycleLoop(manager *jobsystem.Manager, logger *utils.Logger) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.InvokeCycleAndWait()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func newTransport(cfg *config.Config) (network.Transport, error) {
	switch cfg.Net.Transport {
	case "websocket":
		return transport.NewWebsocketTransport(cfg.Net.Node.ID), nil
	default:
		priv, err := libp2pIdentity(cfg)
		if err != nil {
			return nil, err
		}
		return transport.NewLibp2pTransport(cfg.Net.Node.ID, listenAddrOf(cfg), priv)
	}
}

func libp2pIdentity(cfg *config.Config) (crypto.PrivKey, error) {
	return transport.LoadOrCreateIdentity("libp2p_identity.json")
}

func listenAddrOf(cfg *config.Config) string {
	if cfg.Net.Transport == "websocket" {
		return cfg.Net.Address + ":" + strconv.Itoa(cfg.Net.Port)
	}
	return "/ip4/" + cfg.Net.Address + "/tcp/" + strconv.Itoa(cfg.Net.Port)
}
