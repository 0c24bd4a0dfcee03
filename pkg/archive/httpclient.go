package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"threadline/pkg/models"
)

// HTTPClient talks to an archive gateway speaking JSON over HTTP. The wire
// shape here is one concrete realization of the opaque query/response
// exchange; the sync engine never depends on it.
type HTTPClient struct {
	endpoint string
	client   *fasthttp.Client
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

func (c *HTTPClient) Version(ctx context.Context) (Version, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.endpoint+"/version", nil)
	if err != nil {
		return "", err
	}
	var vr versionResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return "", fmt.Errorf("invalid version response: %w", err)
	}
	return Version(vr.Version), nil
}

type queryRequest struct {
	Conversation string `json:"conversation"`
	After        string `json:"after,omitempty"`
	Before       string `json:"before,omitempty"`
	SinceTS      int64  `json:"since_ts,omitempty"`
	PageSize     int    `json:"page_size"`
	Version      string `json:"version,omitempty"`
}

type queryResponse struct {
	Events     []models.Event `json:"events"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (c *HTTPClient) FetchPage(ctx context.Context, q Query) (*Page, error) {
	reqBody, err := json.Marshal(queryRequest{
		Conversation: q.Conversation,
		After:        q.After,
		Before:       q.Before,
		SinceTS:      q.SinceTS,
		PageSize:     q.PageSize,
		Version:      string(q.Version),
	})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, fasthttp.MethodPost, c.endpoint+"/query", reqBody)
	if err != nil {
		return nil, err
	}
	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("invalid archive page: %w", err)
	}
	return &Page{Events: qr.Events, HasMore: qr.HasMore, NextCursor: qr.NextCursor}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("archive request %s: %w", url, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("archive request %s: status %d", url, resp.StatusCode())
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}
