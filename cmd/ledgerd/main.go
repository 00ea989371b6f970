// Package main provides the ledgerd daemon - the offline-first sync agent
// for a single ledger wallet.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tallyup/ledgerd/internal/adminapi"
	"github.com/tallyup/ledgerd/internal/apiclient"
	"github.com/tallyup/ledgerd/internal/backoff"
	"github.com/tallyup/ledgerd/internal/config"
	"github.com/tallyup/ledgerd/internal/deviceid"
	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/ledgerdb"
	"github.com/tallyup/ledgerd/internal/realtime"
	"github.com/tallyup/ledgerd/internal/syncengine"
	"github.com/tallyup/ledgerd/internal/walletctx"
	"github.com/tallyup/ledgerd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.ledgerd", "Data directory")
		serverURL   = flag.String("server-url", "", "Ledger server base URL, overrides config")
		adminAddr   = flag.String("admin-addr", "", "Admin API listen address, overrides config")
		walletID    = flag.String("wallet-id", "", "Wallet id to sync, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ledgerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *serverURL != "" {
		cfg.Server.BaseURL = *serverURL
	}
	if *adminAddr != "" {
		cfg.AdminAPI.ListenAddr = *adminAddr
	}
	if *walletID != "" {
		cfg.Wallet.DefaultWalletID = *walletID
	}
	cfg.Logging.Level = *logLevel

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventstore.Open(&eventstore.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("Failed to open event store", "error", err)
	}
	defer store.Close()
	log.Info("Event store opened", "path", cfg.DataDir)

	auxDB, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "aux.db"))
	if err != nil {
		log.Fatal("Failed to open snapshot database", "error", err)
	}
	defer auxDB.Close()

	device, err := deviceid.LoadOrCreate(cfg.DataDir)
	if err != nil {
		log.Fatal("Failed to load device identity", "error", err)
	}
	log.Info("Device identity ready", "device_id", device.Value)

	wallet := walletctx.New(nil)
	if cfg.Wallet.DefaultWalletID != "" {
		wallet.SetWallet(cfg.Wallet.DefaultWalletID)
	}

	client := apiclient.New(cfg.Server.BaseURL, device.Value)

	ledger, err := ledgerdb.Open(store, auxDB, wallet, nil)
	if err != nil {
		log.Fatal("Failed to open local ledger", "error", err)
	}
	log.Info("Local ledger ready")

	engine := syncengine.New(ledger, client, wallet, backoff.New())
	wallet.SetOnWalletReset(engine.ResetWatermark)
	engine.Start(ctx)
	log.Info("Sync engine started")

	admin := adminapi.New(ledger, engine)
	ledger.OnWrite(engine.StartLocalToServerSync)
	if err := admin.Start(cfg.AdminAPI.ListenAddr); err != nil {
		log.Fatal("Failed to start admin API", "error", err)
	}

	realtimeClient := realtime.New(cfg.RealtimeEndpoint(), wallet.Token(), realtime.Handlers{
		OnNotification: engine.OnRealtimeNotification,
		OnBackOnline:   engine.OnBackOnline,
		OnOnlineChange: func(online bool) {
			admin.Hub().Broadcast(adminapi.EventSyncStatus, map[string]interface{}{
				"online": online,
			})
		},
	})
	go realtimeClient.Run(ctx)
	log.Info("Realtime client started", "url", cfg.RealtimeEndpoint())

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	realtimeClient.Stop()
	engine.Stop()

	if err := admin.Stop(); err != nil {
		log.Error("Error stopping admin API", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  ledgerd (%s)", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Server:    %s", cfg.Server.BaseURL)
	log.Infof("  Realtime:  %s", cfg.RealtimeEndpoint())
	log.Infof("  Admin API: http://%s", cfg.AdminAPI.ListenAddr)
	log.Infof("  Data dir:  %s", cfg.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
