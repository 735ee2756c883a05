package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/client"
	"quickdrop/internal/config"
	"quickdrop/internal/discovery"
	"quickdrop/internal/models"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, errUsage) {
			color.Red.Println("error:", err)
		}
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadPeer(os.Environ())
	if err != nil {
		return err
	}

	relayURL := flag.String("relay", cfg.RelayURL, "Relay WebSocket URL (discovered over mDNS when empty)")
	name := flag.String("name", cfg.DeviceName, "Device name shown to the other side")
	dir := flag.String("out", cfg.DownloadDir, "Directory received files are written to")
	flag.Usage = usage
	flag.Parse()
	cfg.RelayURL = *relayURL
	cfg.DeviceName = *name
	cfg.DownloadDir = *dir

	args := flag.Args()
	if len(args) < 2 {
		usage()
		return errUsage
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "share":
		return runShare(ctx, cfg, log, args[1:])
	case "receive":
		if len(args) != 2 {
			usage()
			return errUsage
		}
		return runReceive(ctx, cfg, log, args[1])
	default:
		usage()
		return errUsage
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  peer [flags] share <file>...")
	fmt.Fprintln(out, "  peer [flags] receive <code>")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

func resolveRelay(ctx context.Context, cfg config.PeerConfig, log *logrus.Entry) (string, error) {
	if cfg.RelayURL != "" {
		return cfg.RelayURL, nil
	}
	log.Info("RELAY_URL not set, looking for a relay on the local network")
	relay, err := discovery.First(ctx, discovery.Config{})
	if err != nil {
		return "", fmt.Errorf("find relay: %w", err)
	}
	log.WithFields(logrus.Fields{"instance": relay.Instance, "url": relay.URL()}).Info("relay found")
	return relay.URL(), nil
}

func connect(ctx context.Context, cfg config.PeerConfig, log *logrus.Entry) (*client.Session, error) {
	relayURL, err := resolveRelay(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	session := client.NewSession(client.Config{
		RelayURL:       relayURL,
		DeviceInfo:     models.DeviceInfo{Name: cfg.DeviceName, Type: cfg.DeviceType},
		ConnectTimeout: cfg.ConnectTimeout,
		RoomTimeout:    cfg.RoomTimeout,
		ChunkSize:      cfg.ChunkSize,
	}, log)
	if err := session.Init(ctx); err != nil {
		return nil, err
	}
	return session, nil
}
