// Command send_file publishes a single file over the bus, using the
// sender's manifest/chunk/ack protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orcatransfer/bridge/internal/bus"
	"github.com/orcatransfer/bridge/internal/config"
	"github.com/orcatransfer/bridge/internal/observability"
	"github.com/orcatransfer/bridge/internal/sender"
)

func main() {
	var (
		chunkSize  = flag.Int("chunk-size", 0, "chunk size in bytes (default from config)")
		qos        = flag.Int("qos", -1, "bus QoS (0, 1, or 2; default from config)")
		prefix     = flag.String("prefix", "", "topic prefix (default from config)")
		waitForAck = flag.Bool("wait", true, "block until the receiver acks, retransmitting on request")
		timeout    = flag.Duration("timeout", 5*time.Minute, "deadline for -wait to receive an ack")
		probeEvery = flag.Duration("status-probe-interval", sender.DefaultOptions().StatusProbeInterval, "how often to nudge the receiver for a status report while waiting for an ack")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "send_file: load config: %v\n", err)
		os.Exit(1)
	}
	if *chunkSize > 0 {
		cfg.ChunkSize = *chunkSize
	}
	if *qos >= 0 {
		if *qos > 2 {
			fmt.Fprintf(os.Stderr, "send_file: -qos must be 0, 1, or 2\n")
			os.Exit(2)
		}
		cfg.QoS = bus.QoS(*qos)
	}
	if *prefix != "" {
		cfg.TopicPrefix = *prefix
	}

	logger := observability.NewLogger("orca-send", "v1", os.Stderr)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *waitForAck {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	b := bus.NewMQTTBus(cfg.BusConfig())
	defer b.Disconnect()

	pub := sender.NewPublisher(b, logger, metrics)
	result, err := pub.Send(ctx, path, sender.Options{
		ChunkSize:           cfg.ChunkSize,
		QoS:                 cfg.QoS,
		Prefix:              cfg.TopicPrefix,
		WaitForAck:          *waitForAck,
		StatusProbeInterval: *probeEvery,
	})
	if err != nil {
		logger.Error(err, "send failed")
		os.Exit(1)
	}

	fmt.Printf("file_id=%s total_chunks=%d acked=%t\n", result.FileID, result.TotalChunks, result.Acked)
	if *waitForAck && !result.Acked {
		os.Exit(1)
	}
}
