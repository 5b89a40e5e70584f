package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/device"
	goble "github.com/srg/pneulink/internal/device/go-ble"
	"github.com/srg/pneulink/internal/gateway"
	"github.com/srg/pneulink/internal/link"
	"github.com/srg/pneulink/internal/metrics"
	"github.com/srg/pneulink/internal/queue"
	"github.com/srg/pneulink/pkg/config"
)

// radioFactory creates the BLE adapter (can be overridden in tests).
var radioFactory = func(logger *logrus.Logger) device.Radio {
	return goble.NewRadio(logger)
}

// httpClient is used for every gateway request (can be overridden in tests).
var httpClient = http.DefaultClient

// env is what every command needs after the config file is loaded.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// loadEnv reads --config (pneulink.yaml when absent and present on disk) and builds the logger.
// All arguments are validated at this point, so usage is no longer printed on errors.
func loadEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	optional := path == ""
	if optional {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	cmd.SilenceUsage = true
	return &env{cfg: cfg, logger: logger}, nil
}

// userID resolves --user over sync.user_id.
func (e *env) userID(cmd *cobra.Command) (string, error) {
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		e.cfg.Sync.UserID = user
	}
	return e.cfg.Sync.UserID, e.cfg.RequireUserID()
}

func (e *env) openQueue(ctx context.Context) (*queue.Queue, error) {
	return queue.Open(ctx, e.cfg.Queue.Path, e.logger)
}

func (e *env) newGateway() (*gateway.Client, error) {
	return gateway.New(gateway.Config{
		BaseURL: e.cfg.Gateway.BaseURL,
		Timeout: e.cfg.Gateway.Timeout,
		Token:   e.cfg.Gateway.Token,
	}, httpClient, e.logger)
}

func (e *env) zones() codec.Zones {
	return codec.Zones(e.cfg.Device.Zones)
}

func (e *env) newLink(radio device.Radio, m *metrics.Metrics) (*link.Manager, error) {
	d := e.cfg.Device
	return link.New(radio, link.Config{
		DeviceName:     d.Name,
		ServiceUUID:    d.ServiceUUID,
		SensorUUID:     d.SensorUUID,
		CommandUUID:    d.CommandUUID,
		StatusUUID:     d.StatusUUID,
		ChannelID:      d.ChannelID,
		Zones:          e.zones(),
		ConnectTimeout: d.ConnectTimeout,
		ScanTimeout:    d.ScanTimeout,
		InitialBackoff: e.cfg.Reconnect.InitialBackoff,
		MaxBackoff:     e.cfg.Reconnect.MaxBackoff,
		StreamBuffer:   e.cfg.Stream.Buffer,
	}, e.logger, m)
}

// closeRadio releases the adapter when the radio holds one.
func closeRadio(radio device.Radio) {
	if c, ok := radio.(io.Closer); ok {
		_ = c.Close()
	}
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
