package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// UsagePath is the accounting API endpoint that receives usage reports.
	UsagePath = "/revivamomentos/bandwidth/create/usage"

	// DefaultTimeout bounds a single report request.
	DefaultTimeout = 10 * time.Second

	typeFileVideo = "video"
)

// ErrReportFailed is returned when the accounting API rejects a report or
// cannot be reached.
var ErrReportFailed = errors.New("bandwidth report failed")

type usagePayload struct {
	MomentaryID     string `json:"momentary_id"`
	FileID          string `json:"file_id"`
	UserID          string `json:"user_id"`
	URL             string `json:"url"`
	TypeFile        string `json:"type_file"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
}

// HTTPReporter posts usage reports to the accounting API.
type HTTPReporter struct {
	baseURL string
	token   string
	client  *http.Client
}

// ReporterOption configures an HTTPReporter.
type ReporterOption func(*HTTPReporter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ReporterOption {
	return func(r *HTTPReporter) {
		r.client = client
	}
}

// WithBearerToken sets the bearer token sent with each report.
func WithBearerToken(token string) ReporterOption {
	return func(r *HTTPReporter) {
		r.token = token
	}
}

// NewHTTPReporter creates a reporter for the API rooted at baseURL.
func NewHTTPReporter(baseURL string, opts ...ReporterOption) *HTTPReporter {
	r := &HTTPReporter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, telemetry.TargetAccounting),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report posts one usage delta. Any transport error or non-2xx status is
// returned wrapped in ErrReportFailed.
func (r *HTTPReporter) Report(ctx context.Context, rep Report) error {
	body, err := json.Marshal(usagePayload{
		MomentaryID:     rep.Subject.MomentaryID,
		FileID:          rep.Subject.FileID,
		UserID:          rep.Subject.UserID,
		URL:             string(rep.Subject.Key),
		TypeFile:        typeFileVideo,
		BytesDownloaded: rep.Bytes,
	})
	if err != nil {
		return fmt.Errorf("encoding usage report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+UsagePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReportFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d", ErrReportFailed, resp.StatusCode)
	}
	return nil
}
