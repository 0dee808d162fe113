// Command receive_files runs the receiver daemon: it subscribes to every
// file_id under the configured topic prefix and drives each through the
// resumable receive state machine until it is acked.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/orcatransfer/bridge/internal/bus"
	"github.com/orcatransfer/bridge/internal/config"
	"github.com/orcatransfer/bridge/internal/observability"
	"github.com/orcatransfer/bridge/internal/receiver"
	"github.com/orcatransfer/bridge/internal/topic"
)

func main() {
	var (
		storageDir  = flag.String("storage-dir", "", "directory to reconstruct files into (default from config)")
		prefix      = flag.String("prefix", "", "topic prefix (default from config)")
		statusEvery = flag.Int("status-every", 50, "newly-received chunks between periodic status messages (lowered to max(1, total_chunks/10) when that is smaller)")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics and /health on (empty disables)")
		indexPath   = flag.String("index-db", "", "path to the sqlite transfer-index catalog (default <storage-dir>/transfers.db)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "receive_files: load config: %v\n", err)
		os.Exit(1)
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *prefix != "" {
		cfg.TopicPrefix = *prefix
	}
	if *indexPath == "" {
		*indexPath = filepath.Join(cfg.StorageDir, "transfers.db")
	}

	logger := observability.NewLogger("orca-receive", "v1", os.Stdout)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		logger.Fatal(err, "create storage dir")
	}

	index, err := receiver.NewTransferIndex(*indexPath)
	if err != nil {
		logger.Fatal(err, "open transfer index")
	}
	defer index.Close()

	b := bus.NewMQTTBus(cfg.BusConfig())
	defer b.Disconnect()

	if err := b.Connect(ctx); err != nil {
		metrics.RecordBusConnection(false)
		logger.Fatal(err, "connect to bus")
	}
	metrics.RecordBusConnection(true)
	logger.BusConnected(fmt.Sprintf("%s:%d", cfg.MQTTBrokerHost, cfg.MQTTBrokerPort))

	store := receiver.NewStore(cfg.StorageDir, cfg.TopicPrefix, b, logger, metrics, *statusEvery)

	err = b.Subscribe(ctx, topic.Filter(cfg.TopicPrefix, ""), func(msg bus.Message) {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if fileID, _, ok := topic.Parse(cfg.TopicPrefix, msg.Topic); ok {
			go recordTransferState(store, index, fileID)
		}
		if err := store.Dispatch(dispatchCtx, msg); err != nil {
			logger.Error(err, "dispatch failed")
		}
	})
	if err != nil {
		logger.Fatal(err, "subscribe to file topics")
	}

	var httpServer *http.Server
	if *metricsAddr != "" {
		httpServer = startObservabilityServer(*metricsAddr, cfg, b, metrics, logger)
	}

	logger.Info(fmt.Sprintf("receive_files ready: prefix=%s storage_dir=%s", cfg.TopicPrefix, cfg.StorageDir))
	<-ctx.Done()
	logger.Info("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
}

// recordTransferState mirrors a file_id's current phase into the
// secondary sqlite catalog so it can be enumerated without scanning
// every state.json on disk.
func recordTransferState(store *receiver.Store, index *receiver.TransferIndex, fileID string) {
	cell, err := store.CellState(fileID)
	if err != nil || cell == nil {
		return
	}
	err = index.Upsert(receiver.TransferRecord{
		FileID:      fileID,
		FileName:    cell.FileName,
		Size:        cell.Size,
		TotalChunks: cell.TotalChunks,
		State:       string(cell.Phase),
	})
	if err != nil {
		return
	}
}

func startObservabilityServer(addr string, cfg *config.Config, b *bus.MQTTBus, metrics *observability.Metrics, logger *observability.Logger) *http.Server {
	health := observability.NewHealthChecker("v1")
	health.RegisterCheck("storage_dir", observability.StorageDirCheck(cfg.StorageDir))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "observability server stopped")
		}
	}()
	logger.Info(fmt.Sprintf("observability server listening on %s", addr))
	return srv
}
