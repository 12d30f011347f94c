// Package cmd implements the pgmanager CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zabbix-tools/pgmanager/internal/bootstrap"
	"github.com/zabbix-tools/pgmanager/internal/config"
	"github.com/zabbix-tools/pgmanager/internal/controlloop"
	"github.com/zabbix-tools/pgmanager/internal/dcpeer"
	"github.com/zabbix-tools/pgmanager/internal/ipc"
	"github.com/zabbix-tools/pgmanager/internal/pgdb"
)

// version is injected at build time via ldflags.
var version = "dev"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "pgmanager",
	Short: "Proxy group manager control loop",
	Long: `pgmanager reconciles a pool of proxies organized into proxy groups
against a Postgres-backed schema and a configuration-cache peer.

It runs a single control-loop thread that pulls group definitions, evaluates
proxy and group health against per-group failover delays, plans host-to-proxy
assignments, and flushes the result back to the database — while serving a
read-only accessor API for sibling processes on its own IPC endpoint.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagConfig, "config", "c", "pgmanager.yaml", "Path to the YAML configuration file")
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("[init] connecting to database")
	db, err := pgdb.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	dc := dcpeer.NewHTTPClient(cfg.DCPeer.BaseURL)

	log.Printf("[init] loading cache from database and dc peer")
	cache, err := bootstrap.Load(ctx, db.Pool(), dc)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	cache.Lock()
	numGroups, numProxies := len(cache.GroupsLocked()), len(cache.ProxiesLocked())
	cache.Unlock()
	log.Printf("[init] cache loaded: %d groups, %d proxies", numGroups, numProxies)

	// ---- IPC accessor service --------------------------------------------
	ipcSrv := ipc.New(cfg.IPC.Listen, cache)
	ipcErr := make(chan error, 1)
	go func() {
		log.Printf("[init] IPC service listening on http://%s", cfg.IPC.Listen)
		if err := ipcSrv.Start(); err != nil && err != http.ErrServerClosed {
			ipcErr <- err
			return
		}
		ipcErr <- nil
	}()
	defer ipcSrv.Stop()

	select {
	case err := <-ipcErr:
		if err != nil {
			return fmt.Errorf("ipc service failed to initialize: %w", err)
		}
	default:
	}

	// ---- Control loop -----------------------------------------------------
	loop := controlloop.New(cache, dc, db.Pool(), db.Pool(), cfg.CheckInterval)
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("[init] received %s, shutting down", sig)
	case err := <-ipcErr:
		if err != nil {
			log.Printf("[init] ipc service error: %v", err)
			runErr = fmt.Errorf("ipc service failed: %w", err)
		}
	}

	cancel()
	<-loopDone
	return runErr
}
