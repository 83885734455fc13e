package tracking

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caljoseph/photochrom-ai/logging"
	"github.com/caljoseph/photochrom-ai/training"
)

// RemoteConfig contains configuration for the remote metrics endpoint
type RemoteConfig struct {
	Endpoint      string        `json:"endpoint"`
	Project       string        `json:"project"`
	RunID         string        `json:"run_id"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultRemoteConfig returns default configuration for the remote sink
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// RemoteResponse represents the response from the metrics endpoint
type RemoteResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ScalarPayload is the body posted to <endpoint>/api/scalars.
type ScalarPayload struct {
	Project string             `json:"project"`
	RunID   string             `json:"run_id"`
	Step    int                `json:"step"`
	Scalars map[string]float64 `json:"scalars"`
}

// ImagePayload is the body posted to <endpoint>/api/images. Images are
// base64 PNG.
type ImagePayload struct {
	Project string         `json:"project"`
	RunID   string         `json:"run_id"`
	Step    int            `json:"step"`
	Images  []RemoteTriple `json:"images"`
}

// RemoteTriple is one encoded visualization sample.
type RemoteTriple struct {
	Caption   string `json:"caption"`
	Gray      string `json:"gray"`
	Predicted string `json:"predicted"`
	Truth     string `json:"truth"`
}

// RemoteSink posts metrics as JSON to an HTTP dashboard service.
type RemoteSink struct {
	config     RemoteConfig
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteSink creates a sink for config.Endpoint.
func NewRemoteSink(config RemoteConfig, logger *slog.Logger) (*RemoteSink, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRemoteConfig().Timeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RemoteSink{
		config:     config,
		baseURL:    strings.TrimRight(config.Endpoint, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// LogScalars implements training.MetricsSink.
func (rs *RemoteSink) LogScalars(ctx context.Context, step int, scalars map[string]float64) error {
	return rs.sendWithRetry(ctx, "/api/scalars", ScalarPayload{
		Project: rs.config.Project,
		RunID:   rs.config.RunID,
		Step:    step,
		Scalars: scalars,
	})
}

// LogImages implements training.MetricsSink.
func (rs *RemoteSink) LogImages(ctx context.Context, step int, triples []training.ImageTriple) error {
	if len(triples) == 0 {
		return nil
	}
	payload := ImagePayload{Project: rs.config.Project, RunID: rs.config.RunID, Step: step}
	for _, t := range triples {
		var encoded RemoteTriple
		encoded.Caption = t.Caption
		var err error
		if encoded.Gray, err = encodePNG(t.Gray); err != nil {
			return err
		}
		if encoded.Predicted, err = encodePNG(t.Predicted); err != nil {
			return err
		}
		if encoded.Truth, err = encodePNG(t.Truth); err != nil {
			return err
		}
		payload.Images = append(payload.Images, encoded)
	}
	return rs.sendWithRetry(ctx, "/api/images", payload)
}

// Close implements training.MetricsSink.
func (rs *RemoteSink) Close() error {
	rs.httpClient.CloseIdleConnections()
	return nil
}

// CheckHealth checks if the metrics endpoint is available
func (rs *RemoteSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rs.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (rs *RemoteSink) sendWithRetry(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < rs.config.RetryAttempts; attempt++ {
		_, err := rs.send(ctx, path, body)
		if err == nil {
			return nil
		}
		lastErr = err
		rs.logger.DebugContext(ctx, "remote sink request failed",
			slog.String("path", path), slog.Int("attempt", attempt+1), logging.Error(lastErr))

		// Wait before retry (except for the last attempt)
		if attempt < rs.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rs.config.RetryDelay):
			}
		}
	}
	return fmt.Errorf("failed to send %s after %d attempts: %w", path, rs.config.RetryAttempts, lastErr)
}

func (rs *RemoteSink) send(ctx context.Context, path string, body []byte) (*RemoteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "photochrom-training")

	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var remote RemoteResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &remote); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &remote, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, remote.Message)
	}
	return &remote, nil
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

var _ training.MetricsSink = (*RemoteSink)(nil)
