// Package gateway is the HTTP client of the remote aggregation service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"
)

const (
	uploadPath     = "sensor-data/upload"
	aggregatesPath = "sensor-data/aggregates"

	requestIDHeader = "X-Request-ID"

	// maxErrorBody caps how much of a failed response is kept in StatusError.
	maxErrorBody = 4 << 10
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Timeout bounds each request. Zero means the caller's context is the only bound.
	Timeout time.Duration
	// Token is sent as a bearer token when set.
	Token string
}

// Client talks to the remote aggregation service.
type Client struct {
	baseURL *url.URL
	cfg     Config
	http    *http.Client
	logger  *logrus.Logger
}

// New creates a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *logrus.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{baseURL: base, cfg: cfg, http: httpClient, logger: logger}, nil
}

// UploadReading is the wire form of one reading.
type UploadReading struct {
	PatchID   string  `json:"patch_id"`
	Pressure  float64 `json:"pressure"`
	Timestamp string  `json:"timestamp"`
}

type uploadRequest struct {
	UserID   string          `json:"user_id"`
	Readings []UploadReading `json:"readings"`
}

// UploadResponse is the service's acknowledgement of an upload.
type UploadResponse struct {
	Status       string `json:"status"`
	RowsInserted int    `json:"rows_inserted"`
}

// Upload sends readings for userID. Any non-2xx answer is a *StatusError.
func (c *Client) Upload(ctx context.Context, userID string, readings []codec.Reading) (UploadResponse, error) {
	if userID == "" {
		return UploadResponse{}, errors.New("upload requires a user id")
	}
	body := uploadRequest{UserID: userID, Readings: make([]UploadReading, 0, len(readings))}
	for _, r := range readings {
		body.Readings = append(body.Readings, UploadReading{
			PatchID:   r.ChannelID(),
			Pressure:  r.Pressure(),
			Timestamp: r.FormatTimestamp(),
		})
	}

	var resp UploadResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, uploadPath), body, &resp); err != nil {
		return UploadResponse{}, fmt.Errorf("upload of %d readings failed: %w", len(readings), err)
	}
	return resp, nil
}

// Aggregate is one server-side aggregate window for a patch.
type Aggregate struct {
	PatchID     string  `json:"patch_id"`
	AvgPressure float64 `json:"avg_pressure"`
	MaxPressure float64 `json:"max_pressure"`
	MinPressure float64 `json:"min_pressure"`
	SampleCount int     `json:"sample_count"`
}

type aggregatesResponse struct {
	Aggregates []Aggregate `json:"aggregates"`
}

// Aggregates fetches the aggregates of userID. Zero start or end leaves that bound open.
func (c *Client) Aggregates(ctx context.Context, userID string, start, end time.Time) ([]Aggregate, error) {
	if userID == "" {
		return nil, errors.New("aggregates require a user id")
	}
	query := url.Values{}
	if !start.IsZero() {
		query.Set("start_date", start.UTC().Format(codec.TimestampLayout))
	}
	if !end.IsZero() {
		query.Set("end_date", end.UTC().Format(codec.TimestampLayout))
	}

	var resp aggregatesResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint(query, aggregatesPath, url.PathEscape(userID)), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching aggregates failed: %w", err)
	}
	return resp.Aggregates, nil
}

// Ping checks that the service answers on its root path.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.endpoint(nil, "/"), nil, nil)
}

// endpoint joins already escaped path elements onto the base url.
func (c *Client) endpoint(query url.Values, elems ...string) string {
	u := c.baseURL.JoinPath(elems...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	log := c.logger.WithFields(logrus.Fields{
		"method":     method,
		"url":        endpoint,
		"request_id": requestID,
	})
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		// Surface the context error so callers can match on context.DeadlineExceeded.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	log = log.WithFields(logrus.Fields{"status": resp.StatusCode, "elapsed": time.Since(start)})
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Debug("Gateway request rejected")
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	log.Debug("Gateway request completed")

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PatchSummary holds weighted statistics of one patch.
type PatchSummary struct {
	Avg   float64
	Max   float64
	Min   float64
	Count int
}

// Summary holds weighted statistics across all aggregates.
type Summary struct {
	AvgPressure  float64
	MaxPressure  float64
	MinPressure  float64
	TotalSamples int
	ByPatch      map[string]PatchSummary
}

// Summarize folds aggregates into overall and per-patch statistics.
// Averages are weighted by sample count. Empty input yields zero values.
func Summarize(aggregates []Aggregate) Summary {
	s := Summary{ByPatch: make(map[string]PatchSummary)}
	if len(aggregates) == 0 {
		return s
	}

	overallMax, overallMin := math.Inf(-1), math.Inf(1)
	var weightedSum float64
	patchSums := make(map[string]float64)

	for _, agg := range aggregates {
		s.TotalSamples += agg.SampleCount
		weightedSum += agg.AvgPressure * float64(agg.SampleCount)
		overallMax = math.Max(overallMax, agg.MaxPressure)
		overallMin = math.Min(overallMin, agg.MinPressure)

		p, ok := s.ByPatch[agg.PatchID]
		if !ok {
			p = PatchSummary{Max: math.Inf(-1), Min: math.Inf(1)}
		}
		p.Count += agg.SampleCount
		p.Max = math.Max(p.Max, agg.MaxPressure)
		p.Min = math.Min(p.Min, agg.MinPressure)
		s.ByPatch[agg.PatchID] = p
		patchSums[agg.PatchID] += agg.AvgPressure * float64(agg.SampleCount)
	}

	for id, p := range s.ByPatch {
		if p.Count > 0 {
			p.Avg = patchSums[id] / float64(p.Count)
		}
		s.ByPatch[id] = p
	}

	if s.TotalSamples > 0 {
		s.AvgPressure = weightedSum / float64(s.TotalSamples)
	}
	s.MaxPressure = overallMax
	s.MinPressure = overallMin
	return s
}
