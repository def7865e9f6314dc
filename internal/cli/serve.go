package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	mcodanats "github.com/bekirdag/mcoda/internal/nats"
	"github.com/bekirdag/mcoda/internal/notifications"
	"github.com/bekirdag/mcoda/internal/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the local jobs API server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (defaults to config)"},
			&cli.BoolFlag{Name: "nats", Usage: "start the embedded NATS event bridge"},
			&cli.StringFlag{Name: "notify-webhook", Usage: "webhook URL for terminal job notifications"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	e, err := openEnv("serve")
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := c.String("addr")
	if addr == "" {
		addr = e.cfg.Serve.Addr
	}

	if c.Bool("nats") || e.cfg.Events.NATSEnabled {
		ns := mcodanats.NewEmbeddedServer(mcodanats.EmbeddedServerConfig{Port: e.cfg.Events.NATSPort})
		if err := ns.Start(); err != nil {
			return err
		}
		defer ns.Stop()

		bridge, err := mcodanats.NewBridge(ns.URL(), e.bus, e.logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		e.logger.Info("nats event bridge running", "url", ns.URL())
	}

	notifiers := []notifications.Notifier{notifications.NewToastNotifier("mcoda")}
	if url := c.String("notify-webhook"); url != "" {
		notifiers = append(notifiers, notifications.NewWebhookNotifier(notifications.WebhookConfig{URL: url}))
	}
	dispatcher := notifications.NewDispatcher(e.bus, e.logger, notifiers...)
	go dispatcher.Run(ctx)

	srv := server.New(addr, e.runtime, e.ledger, e.bus, e.logger)
	return srv.Start(ctx)
}
