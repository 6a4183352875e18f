package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// restClient is a thin wrapper around net/http shared by the catalog and
// archive clients. Upstream rejections (HTTP >= 400) become structured
// *appErrors.Error values; network-level failures stay plain errors so the
// scheduler can retry them.
type restClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func newRESTClient(baseURL string, timeout time.Duration, logger *zap.Logger) *restClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// get issues a GET for path (which may carry a query string) and returns the
// raw response body.
func (c *restClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	return c.do(req)
}

// postForm issues a form-encoded POST and returns the raw response body.
func (c *restClient) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *restClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		message := parseUpstreamMessage(body)
		if message == "" {
			message = fmt.Sprintf("%s returned %d", req.URL.Path, resp.StatusCode)
		}
		c.logger.Sugar().Warnw("upstream rejection", "path", req.URL.Path, "status", resp.StatusCode, "message", message)
		return nil, appErrors.FromStatus(resp.StatusCode, message)
	}

	return body, nil
}

// urlLength measures the full GET URL for a path+query as the upstream server
// would see it.
func (c *restClient) urlLength(path string) int {
	return len(c.baseURL) + 1 + len(path)
}

func parseUpstreamMessage(body []byte) string {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	return payload.Message
}
