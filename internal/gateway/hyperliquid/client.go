package hyperliquid

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/hlgrid/pkg/ratelimit"
)

// restClient /info 与 /exchange 两个 POST 端点
//
// 交易请求不在传输层重试：重试由 dispatcher 带着同一个 cloid 完成。
type restClient struct {
	client  *resty.Client
	limiter *ratelimit.RateLimitManager
}

func newRESTClient(host string, timeout time.Duration, limiter *ratelimit.RateLimitManager) *restClient {
	host = strings.TrimSuffix(host, "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "hlgrid/1.0")
	return &restClient{client: client, limiter: limiter}
}

func (c *restClient) post(ctx context.Context, endpoint, limitKey string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, limitKey); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
	}
	resp, err := c.client.R().SetContext(ctx).SetBody(body).Post(endpoint)
	if err != nil {
		return errors.Wrapf(err, "POST %s", endpoint)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("POST %s: http %d: %s", endpoint, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s response", endpoint)
	}
	return nil
}

func (c *restClient) info(ctx context.Context, req map[string]interface{}, out interface{}) error {
	return c.post(ctx, "/info", ratelimit.EndpointInfo, req, out)
}

func (c *restClient) exchange(ctx context.Context, req exchangeRequest, out *exchangeResponse) error {
	return c.post(ctx, "/exchange", ratelimit.EndpointExchange, req, out)
}
