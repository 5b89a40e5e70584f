package main

import (
	"context"
		"net/http"
	"strings"
	"testing"
	"time"

	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/device"
	"github.com/srg/pneulink/internal/gateway"
	"github.com/srg/pneulink/internal/testutils"
	"github.com/srg/pneulink/pkg/config"
	"github.com/stretchr/testify/suite"
)

// =============================================================================
// sync / clear
// =============================================================================

func (s *CommandTestSuite) TestSync_UploadsAndPurges() {
	s.SeedQueue(3)

	out, err := s.ExecuteCommand("sync")

	s.Require().NoError(err)
	s.Equal("Synced 3 readings (3 rows inserted)\n", out)
	s.Equal(3, s.gateway.uploadedReadings())
	s.Zero(s.QueueCount(), "confirmed readings MUST be purged")
}

func (s *CommandTestSuite) TestSync_EmptyQueue() {
	out, err := s.ExecuteCommand("sync")

	s.Require().NoError(err)
	s.Equal("Nothing to sync\n", out)
	s.Zero(s.gateway.uploadCount(), "an empty queue MUST NOT trigger a request")
}

func (s *CommandTestSuite) TestSync_GatewayFailureKeepsQueue() {
	// GOAL: a rejected upload leaves every reading queued for the next run
	//
	// TEST SCENARIO: 3 queued → gateway 503 → error, 3 still queued → gateway back → sync purges
	s.SeedQueue(3)
	s.gateway.setFailStatus(http.StatusServiceUnavailable)

	_, err := s.ExecuteCommand("sync")

	var statusErr *gateway.StatusError
	s.Require().ErrorAs(err, &statusErr)
	s.Equal(http.StatusServiceUnavailable, statusErr.Code)
	s.Contains(FormatUserError(err), "will be retried")
	s.Equal(int64(3), s.QueueCount())

	s.gateway.setFailStatus(0)
	_, err = s.ExecuteCommand("sync")
	s.Require().NoError(err)
	s.Zero(s.QueueCount())
}

func (s *CommandTestSuite) TestSync_AllDrainsEveryBatch() {
	s.WriteConfig(func(c *config.Config) { c.Sync.BatchSize = 2 })
	s.SeedQueue(5)

	out, err := s.ExecuteCommand("sync", "--all")

	s.Require().NoError(err)
	s.Equal("Synced 5 readings (5 rows inserted)\n", out)
	s.Equal(3, s.gateway.uploadCount(), "5 readings in batches of 2 MUST take 3 uploads")
	s.Zero(s.QueueCount())
}

func (s *CommandTestSuite) TestSync_SingleBatchByDefault() {
	s.WriteConfig(func(c *config.Config) { c.Sync.BatchSize = 2 })
	s.SeedQueue(5)

	_, err := s.ExecuteCommand("sync")

	s.Require().NoError(err)
	s.Equal(int64(3), s.QueueCount())
}

func (s *CommandTestSuite) TestSync_RequiresUser() {
	s.WriteConfig(func(c *config.Config) { c.Sync.UserID = "" })

	_, err := s.ExecuteCommand("sync")
	s.Require().Error(err)
	s.Contains(err.Error(), "sync.user_id is required")

	s.SeedQueue(1)
	_, err = s.ExecuteCommand("sync", "--user", testUserID)
	s.NoError(err, "--user MUST satisfy the user requirement")
}

func (s *CommandTestSuite) TestClear() {
	s.SeedQueue(3)

	_, err := s.ExecuteCommand("clear")
	s.ErrorIs(err, ErrConfirmationRequired)
	s.Equal(int64(3), s.QueueCount(), "clear without --yes MUST NOT delete anything")

	out, err := s.ExecuteCommand("clear", "--yes")
	s.Require().NoError(err)
	s.Equal("Deleted 3 queued readings\n", out)
	s.Zero(s.QueueCount())

	out, err = s.ExecuteCommand("clear")
	s.Require().NoError(err)
	s.Equal("Queue is already empty\n", out)
}

// =============================================================================
// status
// =============================================================================

func (s *CommandTestSuite) TestStatus() {
	s.SeedQueue(2)

	out, err := s.ExecuteCommand("status")
	s.Require().NoError(err)

	expected := `Queue:       2 readings pending
Last sync:   never
Gateway:     reachable (` + s.server.URL + `)
`
	testutils.NewTextAsserter(s.T()).Assert(out, expected)
}

func (s *CommandTestSuite) TestStatus_AfterSync() {
	s.SeedQueue(1)
	_, err := s.ExecuteCommand("sync")
	s.Require().NoError(err)

	out, err := s.ExecuteCommand("status")
	s.Require().NoError(err)
	s.Contains(out, "Queue:       empty")
	s.NotContains(out, "never")
}

func (s *CommandTestSuite) TestStatus_GatewayDown() {
	s.server.Close()

	out, err := s.ExecuteCommand("status")
	s.Require().NoError(err, "an unreachable gateway MUST be reported, not fail the command")
	s.Contains(out, "Gateway:     unreachable")
}

func (s *CommandTestSuite) TestStatus_Device() {
	out, err := s.ExecuteCommand("status", "--device")

	s.Require().NoError(err)
	s.Contains(out, `Patch:       ESP32_BLUETOOTH connected, status "ready"`)
	s.True(s.radio.Client().Cancelled(), "status MUST disconnect when done")
}

func (s *CommandTestSuite) TestStatus_DeviceUnreachable() {
	s.radio.SetAdvertising(false)

	out, err := s.ExecuteCommand("status", "--device", "--timeout", "150ms")

	s.Require().NoError(err)
	s.Contains(out, "Patch:       ESP32_BLUETOOTH not reachable")
}

// =============================================================================
// send
// =============================================================================

func (s *CommandTestSuite) TestSend_DryRun() {
	out, err := s.ExecuteCommand("send", "top_left", "--inflate", "--pump", "--dry-run")

	s.Require().NoError(err)
	s.Equal("top_left (zone=2 inflate=true deflate=false pump=true): 02010001\n", out)
	s.Zero(s.radio.DialCount(), "dry run MUST NOT touch the radio")
}

func (s *CommandTestSuite) TestSend_WritesFrame() {
	out, err := s.ExecuteCommand("send", "3", "--deflate")

	s.Require().NoError(err)
	s.Contains(out, "Sent zone=3 inflate=false deflate=true pump=false to top_right: 03000100")
	s.Equal([][]byte{{3, 0, 1, 0}}, s.radio.Client().Writes())
}

func (s *CommandTestSuite) TestSend_InvalidZone() {
	for _, zone := range []string{"heel", "4", "99"} {
		_, err := s.ExecuteCommand("send", zone, "--dry-run")
		s.ErrorIs(err, codec.ErrInvalidCommand, "zone %q", zone)
	}
}

func (s *CommandTestSuite) TestSend_InflateAndDeflateRejected() {
	_, err := s.ExecuteCommand("send", "top_left", "--inflate", "--deflate", "--dry-run")
	s.Error(err)
}

func (s *CommandTestSuite) TestSend_AdapterOff() {
	s.radio.SetReadyErr(device.ErrAdapterOff)

	_, err := s.ExecuteCommand("send", "0", "--pump")

	s.Require().Error(err)
	s.Equal("Bluetooth is turned off. Turn it on and try again.", FormatUserError(err))
}

// =============================================================================
// aggregates
// =============================================================================

func (s *CommandTestSuite) seedAggregates() {
	s.gateway.mu.Lock()
	defer s.gateway.mu.Unlock()
	s.gateway.aggregates = []gateway.Aggregate{
		{PatchID: "bottom_left", AvgPressure: 10, MaxPressure: 15, MinPressure: 5, SampleCount: 10},
		{PatchID: "bottom_left", AvgPressure: 20, MaxPressure: 25, MinPressure: 12, SampleCount: 30},
		{PatchID: "top_right", AvgPressure: 4, MaxPressure: 6, MinPressure: 2, SampleCount: 10},
	}
}

func (s *CommandTestSuite) TestAggregates_JSON() {
	s.seedAggregates()

	out, err := s.ExecuteCommand("aggregates", "--format", "json", "--start", "2024-06-01")

	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"user_id": "user-1",
		"avg_pressure": 14.8,
		"max_pressure": 25,
		"min_pressure": 2,
		"total_samples": 50,
		"patches": [
			{"patch_id": "bottom_left", "avg_pressure": 17.5, "max_pressure": 25, "min_pressure": 5, "sample_count": 40},
			{"patch_id": "top_right", "avg_pressure": 4, "max_pressure": 6, "min_pressure": 2, "sample_count": 10}
		]
	}`)
}

func (s *CommandTestSuite) TestAggregates_Table() {
	s.seedAggregates()

	out, err := s.ExecuteCommand("aggregates")

	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, `
ZONE         AVG    MAX    MIN   SAMPLES
bottom_left  17.50  25.00  5.00  40
top_right    4.00   6.00   2.00  10
ALL          14.80  25.00  2.00  50
`[1:])
}

func (s *CommandTestSuite) TestAggregates_Empty() {
	out, err := s.ExecuteCommand("aggregates", "--user", testUserID)

	s.Require().NoError(err)
	s.Equal("No aggregated data for user user-1\n", out)
}

func (s *CommandTestSuite) TestAggregates_InvalidArgs() {
	tests := [][]string{
		{"aggregates", "--format", "xml"},
		{"aggregates", "--start", "yesterday"},
		{"aggregates", "--start", "2024-06-02", "--end", "2024-06-01"},
	}
	for _, args := range tests {
		_, err := s.ExecuteCommand(args...)
		s.Error(err, "%v", args)
	}
}

// =============================================================================
// scan
// =============================================================================

func (s *CommandTestSuite) TestScan_MarksPatch() {
	s.radio.AddAdvertisement(testutils.FakeAdvertisement{Name: "Heart Rate", Address: "11:22:33:44:55:66", Signal: -80})
	s.radio.AddAdvertisement(testutils.FakeAdvertisement{Address: "11:22:33:44:55:77", Signal: -90})

	out, err := s.ExecuteCommand("scan", "--duration", "50ms")

	s.Require().NoError(err)
	lines := splitLines(out)
	s.Require().Len(lines, 4)
	s.Contains(lines[0], "ADDRESS")
	s.Contains(lines[1], testutils.PatchAddress)
	s.Contains(lines[1], "<- patch")
	s.Contains(lines[2], "Heart Rate")
	s.NotContains(lines[2], "<- patch")
	s.Contains(lines[3], "-90")
}

func (s *CommandTestSuite) TestScan_Filters() {
	s.radio.AddAdvertisement(testutils.FakeAdvertisement{Name: "Heart Rate", Address: "11:22:33:44:55:66", Signal: -80})

	out, err := s.ExecuteCommand("scan", "-d", "30ms", "--patch-only")
	s.Require().NoError(err)
	s.Len(splitLines(out), 2)
	s.NotContains(out, "Heart Rate")

	out, err = s.ExecuteCommand("scan", "-d", "30ms", "--block", testutils.PatchAddress)
	s.Require().NoError(err)
	s.NotContains(out, testutils.PatchAddress)
	s.Contains(out, "Heart Rate")
}

func (s *CommandTestSuite) TestScan_NothingFound() {
	s.radio.SetAdvertising(false)

	out, err := s.ExecuteCommand("scan", "-d", "20ms")

	s.Require().NoError(err)
	s.Equal("No devices found\n", out)
}

// =============================================================================
// run
// =============================================================================

func (s *CommandTestSuite) TestRun_StreamsQueuesAndSyncs() {
	// GOAL: readings streamed from the patch end up at the remote service
	//
	// TEST SCENARIO: run → patch connected → 3 notifications → next sync uploads them → Ctrl+C exits cleanly

	s.WriteConfig(func(c *config.Config) { c.Sync.Interval = 30 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteCommandContext(ctx, "run")
		done <- err
	}()

	s.Require().Eventually(func() bool {
		c := s.radio.Client()
		return c != nil && c.Subscribed(testutils.PatchServiceUUID, testutils.PatchSensorUUID)
	}, 2*time.Second, 5*time.Millisecond, "run MUST connect and start streaming")

	client := s.radio.Client()
	for _, frame := range []string{"11.5", "12", "12.5"} {
		s.True(client.Notify(testutils.PatchServiceUUID, testutils.PatchSensorUUID, []byte(frame)))
	}

	s.Eventually(func() bool { return s.gateway.uploadedReadings() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled, "Ctrl+C MUST surface as context.Canceled so main exits 0")
	case <-time.After(2 * time.Second):
		s.Fail("run MUST stop after cancellation")
	}
	s.Zero(s.QueueCount())
	s.True(client.Cancelled(), "run MUST disconnect on shutdown")
}

func (s *CommandTestSuite) TestRun_RequiresUser() {
	s.WriteConfig(func(c *config.Config) { c.Sync.UserID = "" })

	_, err := s.ExecuteCommand("run")
	s.Require().Error(err)
	s.Contains(err.Error(), "sync.user_id")
	s.Zero(s.radio.ScanCount())
}

// =============================================================================
// global flags
// =============================================================================

func (s *CommandTestSuite) TestInvalidLogLevel() {
	_, err := s.ExecuteCommand("--log-level", "chatty", "status")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level")
}

func (s *CommandTestSuite) TestMissingExplicitConfig() {
	s.configPath = s.dir + "/absent.yaml"
	_, err := s.ExecuteCommand("status")
	s.Error(err, "an explicit --config that does not exist MUST fail")
}

func splitLines(out string) []string {
	return strings.Split(strings.TrimRight(out, "\n"), "\n")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
