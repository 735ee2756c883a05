package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/api"
	"quickdrop/internal/config"
	"quickdrop/internal/discovery"
	"quickdrop/internal/mailer"
	"quickdrop/internal/rooms"
	"quickdrop/internal/signaling"
	"quickdrop/internal/storage"
	"quickdrop/pkg/utils"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadRelay(os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	port := flag.Int("port", cfg.Port, "HTTP/WebSocket port")
	mdns := flag.Bool("mdns", cfg.MDNSEnabled, "Advertise the relay on the local network")
	flag.Parse()
	cfg.Port = *port
	cfg.MDNSEnabled = *mdns

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := rooms.NewRegistry(
		rooms.WithMaxAttempts(cfg.RoomCodeAttempts),
		rooms.WithTombstoneTTL(cfg.RoomTombstoneTTL),
	)

	var opts []signaling.Option
	var store *storage.Store
	var recorder *storage.Recorder
	if cfg.DatabaseURL != "" {
		store, err = storage.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("cannot connect to database; unset DATABASE_URL to run without the audit trail")
		}
		defer store.Close()
		log.Info("connected to PostgreSQL, audit trail enabled")

		recorder = storage.NewRecorder(store, cfg.AuditBufferSize, log)
		go recorder.Run(ctx)
		opts = append(opts, signaling.WithAuditor(recorder))
	}

	relay := signaling.NewRelay(registry, rooms.NewDirectory(), log, opts...)
	server := api.NewServer(cfg, relay, log)
	if store != nil {
		server.SetHistory(store)
	}
	if cfg.SMTPFrom != "" && cfg.SMTPPass != "" {
		server.SetMailer(mailer.New(mailer.Config{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			From: cfg.SMTPFrom,
			Pass: cfg.SMTPPass,
		}))
	}

	if cfg.MDNSEnabled {
		adv, err := discovery.Advertise(discovery.Config{Instance: cfg.MDNSInstance, Port: cfg.Port})
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement disabled")
		} else {
			defer adv.Stop()
		}
	}

	printBanner(cfg, utils.GetLocalIP(), store != nil)

	if err := server.Start(ctx); err != nil {
		log.WithError(err).Error("server stopped")
	}
	stop()
	if recorder != nil {
		<-recorder.Done()
		if n := recorder.Dropped(); n > 0 {
			log.WithField("dropped", n).Warn("audit events dropped")
		}
	}
}

func printBanner(cfg config.RelayConfig, localIP string, audit bool) {
	title := color.New(color.FgGreen, color.OpBold)
	label := color.New(color.FgCyan)
	enabled := func(on bool) string {
		if on {
			return color.Green.Render("on")
		}
		return color.Gray.Render("off")
	}

	fmt.Println()
	title.Println("  Quickdrop relay ready")
	fmt.Printf("  %s ws://%s:%d/ws\n", label.Render("Relay   :"), localIP, cfg.Port)
	fmt.Printf("  %s http://%s:%d/api/health\n", label.Render("Health  :"), localIP, cfg.Port)
	fmt.Printf("  %s %s\n", label.Render("Audit   :"), enabled(audit))
	fmt.Printf("  %s %s\n", label.Render("Invites :"), enabled(cfg.SMTPFrom != "" && cfg.SMTPPass != ""))
	fmt.Printf("  %s %s\n", label.Render("mDNS    :"), enabled(cfg.MDNSEnabled))
	fmt.Println()
}
