package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/device"
	"github.com/srg/pneulink/internal/gateway"
	"github.com/srg/pneulink/internal/queue"
	"github.com/srg/pneulink/internal/testutils"
	"github.com/srg/pneulink/pkg/config"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"
)

const testUserID = "user-1"

// fakeGateway records uploads and serves canned aggregates.
type fakeGateway struct {
	mu         sync.Mutex
	uploads    [][]gateway.UploadReading
	failStatus int
	aggregates []gateway.Aggregate
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && r.URL.Path == "/sensor-data/upload":
		if g.failStatus != 0 {
			http.Error(w, "backend unavailable", g.failStatus)
			return
		}
		var body struct {
			UserID   string                  `json:"user_id"`
			Readings []gateway.UploadReading `json:"readings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID != testUserID {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		g.uploads = append(g.uploads, body.Readings)
		_ = json.NewEncoder(w).Encode(gateway.UploadResponse{Status: "success", RowsInserted: len(body.Readings)})
	case r.Method == http.MethodGet && r.URL.Path == "/sensor-data/aggregates/"+testUserID:
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"aggregates": g.aggregates})
	default:
		http.NotFound(w, r)
	}
}

func (g *fakeGateway) setFailStatus(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStatus = code
}

func (g *fakeGateway) uploadedReadings() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, u := range g.uploads {
		n += len(u)
	}
	return n
}

func (g *fakeGateway) uploadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.uploads)
}

// CommandTestSuite runs pneulink commands against a fake radio, a fake gateway
// and a queue in a temp dir.
type CommandTestSuite struct {
	suite.Suite

	dir        string
	configPath string
	gateway    *fakeGateway
	server     *httptest.Server
	radio      *testutils.FakeRadio

	origRadioFactory func(*logrus.Logger) device.Radio
	origHTTPClient   *http.Client
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
}

func (s *CommandTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.gateway = &fakeGateway{}
	s.server = httptest.NewServer(s.gateway)
	s.radio = testutils.PatchPeripheral().Build()

	s.origRadioFactory = radioFactory
	s.origHTTPClient = httpClient
	radioFactory = func(*logrus.Logger) device.Radio { return s.radio }
	httpClient = s.server.Client()

	s.WriteConfig(nil)
}

func (s *CommandTestSuite) TearDownTest() {
	radioFactory = s.origRadioFactory
	httpClient = s.origHTTPClient
	s.server.Close()
}

// WriteConfig writes a config pointing at the test queue and gateway, with fast timeouts.
func (s *CommandTestSuite) WriteConfig(mutate func(*config.Config)) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	cfg.Device.ScanTimeout = 100 * time.Millisecond
	cfg.Device.ConnectTimeout = time.Second
	cfg.Reconnect.InitialBackoff = 5 * time.Millisecond
	cfg.Reconnect.MaxBackoff = 20 * time.Millisecond
	cfg.Queue.Path = filepath.Join(s.dir, "queue.db")
	cfg.Sync.UserID = testUserID
	cfg.Gateway.BaseURL = s.server.URL
	cfg.Gateway.Timeout = 2 * time.Second
	cfg.Metrics.Addr = "off"
	if mutate != nil {
		mutate(cfg)
	}

	data, err := yaml.Marshal(cfg)
	s.Require().NoError(err)
	s.configPath = filepath.Join(s.dir, "pneulink.yaml")
	s.Require().NoError(os.WriteFile(s.configPath, data, 0o600))
}

// ExecuteCommand runs pneulink with args and the test config, returns stdout and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(testWriter{s})
	cmd.SetArgs(append([]string{"--config", s.configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// SeedQueue appends n readings with pressures 1..n.
func (s *CommandTestSuite) SeedQueue(n int) {
	ctx := context.Background()
	q, err := queue.Open(ctx, filepath.Join(s.dir, "queue.db"), testutils.NewSilentLogger())
	s.Require().NoError(err)
	defer q.Close()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	readings := make([]codec.Reading, n)
	for i := range readings {
		readings[i], err = codec.NewReading("bottom_left", float64(i+1), base.Add(time.Duration(i)*time.Second))
		s.Require().NoError(err)
	}
	_, err = q.Append(ctx, readings)
	s.Require().NoError(err)
}

// QueueCount returns the number of pending readings.
func (s *CommandTestSuite) QueueCount() int64 {
	ctx := context.Background()
	q, err := queue.Open(ctx, filepath.Join(s.dir, "queue.db"), testutils.NewSilentLogger())
	s.Require().NoError(err)
	defer q.Close()

	n, err := q.Count(ctx)
	s.Require().NoError(err)
	return n
}

// testWriter forwards command stderr (log output) to the test log.
type testWriter struct {
	s *CommandTestSuite
}

func (w testWriter) Write(p []byte) (int, error) {
	w.s.T().Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
