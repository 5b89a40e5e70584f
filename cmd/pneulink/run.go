package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/groutine"
	"github.com/srg/pneulink/internal/link"
	"github.com/srg/pneulink/internal/metrics"
	"github.com/srg/pneulink/internal/queue"
	"github.com/srg/pneulink/internal/syncer"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the patch, queue its readings and sync them periodically",
		Long: `Connect to the configured patch, store every pressure reading in the local
queue and upload the queue to the remote service every sync interval.

The link reconnects on its own when the patch goes out of range. Readings are
purged locally only after the remote service accepted them. Press Ctrl+C to stop;
an upload in flight is allowed to finish.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}
	cmd.Flags().String("user", "", "User id readings are uploaded for (overrides sync.user_id)")
	cmd.Flags().Duration("interval", 0, "Sync interval (overrides sync.interval)")
	cmd.Flags().String("metrics-addr", "", "Prometheus listen address (overrides metrics.addr, \"off\" disables)")
	return cmd
}

// queueConsumer stores every streamed reading in the local queue.
type queueConsumer struct {
	q      *queue.Queue
	ctx    context.Context
	logger *logrus.Logger
}

func (c *queueConsumer) Consume(r codec.Reading) error {
	ids, err := c.q.Append(c.ctx, []codec.Reading{r})
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"local_id": ids[0],
		"reading":  r.String(),
	}).Debug("Queued reading")
	return nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	userID, err := e.userID(cmd)
	if err != nil {
		return err
	}
	interval := e.cfg.Sync.Interval
	if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
		interval = d
	}
	metricsAddr := e.cfg.Metrics.Addr
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		metricsAddr = addr
	}
	if metricsAddr == "off" {
		metricsAddr = ""
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	m := metrics.New()

	q, err := e.openQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	if n, err := q.Count(ctx); err == nil {
		m.SetQueueDepth(n)
		e.logger.WithField("pending", n).Info("Opened local queue")
	}

	gw, err := e.newGateway()
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		stopMetrics, err := serveMetrics(ctx, metricsAddr, m, e.logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	radio := radioFactory(e.logger)
	defer closeRadio(radio)

	lnk, err := e.newLink(radio, m)
	if err != nil {
		return err
	}
	defer lnk.Close()
	lnk.OnStateChange(func(from, to link.State) {
		e.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("Link state")
	})

	s := syncer.New(q, gw, syncer.Config{
		BatchSize: e.cfg.Sync.BatchSize,
		Timeout:   e.cfg.Gateway.Timeout,
	}, e.logger, m)

	// Sync runs independently of the link so readings queued while offline are
	// forwarded even before the patch comes back.
	stopSync, err := s.Start(ctx, userID, interval)
	if err != nil {
		return err
	}
	defer func() {
		stopSync()
		s.Wait()
	}()

	if err := lnk.Connect(ctx); err != nil {
		return err
	}
	// Writes continue past Ctrl+C so readings already decoded are not lost mid-insert.
	consumer := &queueConsumer{q: q, ctx: context.WithoutCancel(ctx), logger: e.logger}
	if err := lnk.StartStreaming(consumer); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Streaming from %s, syncing every %s for user %s. Press Ctrl+C to stop.\n",
		e.cfg.Device.Name, interval, userID)

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	return ctx.Err()
}

// serveMetrics exposes m on addr until the returned stop func is called.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *logrus.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	groutine.Go(ctx, "metrics-server", func(context.Context) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	})
	logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
	}, nil
}
