package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xiaoxuxiansheng/goxa"
)

const defaultTimeout = 10 * time.Second

// NewHTTPClient 带链路追踪的默认 http client
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Client 通过 http 访问远端协调者
type Client struct {
	serverID string
	localID  string
	baseURL  string
	http     *http.Client
}

// NewClient serverID 为远端 server id，localID 为本 server id
func NewClient(serverID, localID, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(defaultTimeout)
	}
	return &Client{
		serverID: serverID,
		localID:  localID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
	}
}

func (c *Client) ServerID() string {
	return c.serverID
}

func (c *Client) Prepare(ctx context.Context, xid goxa.Xid) error {
	return c.post(ctx, pathPrepare, xidRequest{Xid: xid.String(), From: c.localID}, nil)
}

func (c *Client) Commit(ctx context.Context, xid goxa.Xid) error {
	return c.post(ctx, pathCommit, xidRequest{Xid: xid.String(), From: c.localID}, nil)
}

func (c *Client) Rollback(ctx context.Context, xid goxa.Xid) error {
	return c.post(ctx, pathRollback, xidRequest{Xid: xid.String(), From: c.localID}, nil)
}

func (c *Client) Ready(ctx context.Context, xid goxa.Xid) error {
	return c.post(ctx, pathReady, xidRequest{Xid: xid.String(), From: c.localID}, nil)
}

func (c *Client) Done(ctx context.Context, xid goxa.Xid) error {
	return c.post(ctx, pathDone, xidRequest{Xid: xid.String(), From: c.localID}, nil)
}

func (c *Client) Retry(ctx context.Context, xid goxa.Xid) error {
	return c.post(ctx, pathRetry, xidRequest{Xid: xid.String(), From: c.localID}, nil)
}

func (c *Client) InDoubt(ctx context.Context) ([]goxa.Xid, error) {
	var resp inDoubtResponse
	if err := c.post(ctx, pathInDoubt, xidRequest{From: c.localID}, &resp); err != nil {
		return nil, err
	}
	xids := make([]goxa.Xid, 0, len(resp.Xids))
	for _, s := range resp.Xids {
		xid, err := goxa.ParseXid(s)
		if err != nil {
			return nil, err
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

func (c *Client) post(ctx context.Context, path string, body xidRequest, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s %s: %w", c.serverID, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("peer %s %s: status %d: %s", c.serverID, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ goxa.Peer = (*Client)(nil)
