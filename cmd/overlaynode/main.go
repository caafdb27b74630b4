// Command overlaynode runs a standalone overlay node: it binds a ZeroMQ
// ROUTER socket, loads/persists its peer registry, and serves the
// request/response/ack protocol while the stabilizer keeps it connected to
// its target neighbor count.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshward/overlay/overlay"
	"github.com/meshward/overlay/transport"
)

func main() {
	var (
		name       = flag.String("name", "overlaynode", "advertised node name")
		host       = flag.String("host", "0.0.0.0", "address to bind the ROUTER socket on")
		advertise  = flag.String("advertise-host", "127.0.0.1", "address peers dial back; must be reachable from the overlay")
		port       = flag.Int("port", 9400, "p2p port to bind and advertise")
		listenCap  = flag.Int("listen-cap", 8, "target neighbor count")
		netVersion = flag.Int("net-version", 1, "overlay network version, namespaces the peer registry")
		dataDir    = flag.String("data-dir", "", "directory for peer.dat and blob storage (empty: OS temp dir)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	header := transport.Header{Name: *name, P2PPort: *port, P2PAccept: true}
	tr := transport.NewZMQ4(*host, *port, header)
	tr.SetAdvertiseHost(*advertise)

	client, err := overlay.New(overlay.Config{
		NetVersion:     *netVersion,
		ListenCap:      *listenCap,
		NeedConnection: 3,
	}, tr, *dataDir)
	if err != nil {
		logger.Error("failed to construct overlay client", "err", err)
		os.Exit(1)
	}

	if err := client.Start(true, true); err != nil {
		logger.Error("failed to start overlay client", "err", err)
		os.Exit(1)
	}
	logger.Info("overlay node started", "name", *name, "host", *host, "port", *port)

	go logBroadcasts(logger, client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if err := client.Close(); err != nil {
		logger.Error("error during shutdown", "err", err)
		os.Exit(1)
	}
}

func logBroadcasts(logger *slog.Logger, client *overlay.Client) {
	sub := client.BroadcastFeed()
	defer sub.Close()
	for item := range sub.C {
		logger.Info("broadcast received", "uuid", item.UUID)
	}
}
