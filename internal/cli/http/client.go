package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client calls the status API of the evaluation service.
type Client struct {
	rc   *resty.Client
	user func() string
}

// New creates a client for baseURL. user supplies the operator id sent with
// every request.
func New(baseURL string, timeout time.Duration, user func() string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc, user: user}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.rc.SetBaseURL(strings.TrimRight(baseURL, "/"))
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.rc.SetTimeout(timeout)
	}
}

// GetJob fetches the stored state of one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (ResponseInfo, error) {
	return c.get(ctx, "/api/v1/evaluations/jobs/{id}", map[string]string{"id": jobID})
}

// GetQueue fetches the number of queued jobs.
func (c *Client) GetQueue(ctx context.Context) (ResponseInfo, error) {
	return c.get(ctx, "/api/v1/evaluations/queue", nil)
}

func (c *Client) get(ctx context.Context, path string, pathParams map[string]string) (ResponseInfo, error) {
	var info ResponseInfo
	req := c.rc.R().SetContext(ctx).SetPathParams(pathParams)
	if c.user != nil {
		if user := c.user(); user != "" {
			req.SetHeader("X-User-Id", user)
		}
	}
	resp, err := req.Get(path)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	info.StatusCode = resp.StatusCode()
	info.Headers = resp.Header()
	info.Body = resp.Body()
	info.Duration = resp.Time()
	return info, nil
}
