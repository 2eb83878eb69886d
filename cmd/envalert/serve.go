package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/api"
	"github.com/sensorwatch/envalert/internal/datastore/v2"
	"github.com/sensorwatch/envalert/internal/ingest"
	"github.com/sensorwatch/envalert/internal/logger"
	"github.com/sensorwatch/envalert/internal/notification"
	"github.com/sensorwatch/envalert/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, alert stream and measurement ingestion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				a.settings.WebServer.Listen = listen
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "override webserver.listen")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	s := a.settings

	mgr, err := v2.NewManager(v2.ConfigFromSettings(&s.Database))
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	if err := mgr.Initialize(); err != nil {
		return err
	}

	reporter, err := telemetry.NewReporter(s.Sentry, a.log)
	if err != nil {
		return err
	}
	defer reporter.Flush()

	transport, err := notification.NewTransport(ctx, &s.Notification, a.log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := alerting.ServiceDeps{
		Settings:   s,
		DB:         mgr.DB(),
		Transport:  transport,
		Registerer: reg,
		Logger:     a.log,
	}
	if reporter != nil {
		deps.Reporter = reporter
	}
	if s.Forward.Enabled {
		sender, err := alerting.NewShoutrrrSender(s.Forward.URLs)
		if err != nil {
			_ = transport.Close()
			return err
		}
		deps.Sender = sender
	}

	svc, err := alerting.NewService(deps)
	if err != nil {
		_ = transport.Close()
		return err
	}
	defer func() { _ = svc.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	server := api.NewServer(gctx, s, svc, reg, a.log)

	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return svc.Supervise(gctx) })
	g.Go(func() error { return svc.RunPruner(gctx, pruneInterval) })
	if svc.Forwarder != nil {
		g.Go(func() error { return svc.Forwarder.Run(gctx) })
	}

	ingestMetrics := ingest.NewMetrics(reg)
	if s.Ingest.MQTT.Enabled {
		src, err := ingest.NewMQTTSource(s.Ingest.MQTT, svc.Pipeline, ingestMetrics, a.log)
		if err != nil {
			return abort(g, err)
		}
		g.Go(func() error { return src.Run(gctx) })
	}
	if s.Ingest.Kafka.Enabled {
		src, err := ingest.NewKafkaSource(s.Ingest.Kafka, svc.Pipeline, ingestMetrics, a.log)
		if err != nil {
			return abort(g, err)
		}
		defer func() { _ = src.Close() }()
		g.Go(func() error { return src.Run(gctx) })
	}

	a.log.Info("envalert started",
		logger.String("listen", s.WebServer.Listen),
		logger.String("database", mgr.Dialect()),
		logger.String("notification_mode", s.Notification.Mode),
		logger.Bool("forwarding", svc.Forwarder != nil))

	err = g.Wait()
	a.log.Info("envalert stopped")
	return err
}

// abort returns err after the already started group members exit. They
// stop because the first error returned from g.Go cancels the group context.
func abort(g *errgroup.Group, err error) error {
	g.Go(func() error { return err })
	_ = g.Wait()
	return err
}
