package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/pkg/logger"
)

// 请求头名称。
const (
	HeaderNetwork   = "X-Network"
	HeaderAccount   = "X-Account"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

const defaultTimeout = 15 * time.Second

// Config 描述协议网关的访问参数。
type Config struct {
	BaseURL string
	Network string
	Timeout time.Duration
	// RetryMax 只作用于 GET 请求，0 表示不重试。下单等 POST 请求从不重试。
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// HTTPClient 主要用于测试注入。
	HTTPClient *http.Client
}

// APIError 表示网关返回的错误响应。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Client 是带重试与请求签名的 JSON 客户端。
type Client struct {
	base    *url.URL
	network string
	// reads 用于幂等请求，writes 共享同一连接池但不重试。
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
	signer *Signer
	now    func() time.Time
}

// New 创建网关客户端。signer 为 nil 时发送未签名请求。
func New(cfg Config, signer *Signer) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gateway base url is empty")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid gateway base url")
	}

	reads := newRetryClient(cfg, max(cfg.RetryMax, 0))
	if cfg.HTTPClient != nil {
		reads.HTTPClient = cfg.HTTPClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reads.HTTPClient.Timeout = timeout

	writes := newRetryClient(cfg, 0)
	writes.HTTPClient = reads.HTTPClient

	return &Client{base: base, network: cfg.Network, reads: reads, writes: writes, signer: signer, now: time.Now}, nil
}

func newRetryClient(cfg Config, retryMax int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.Logger = logger.Named("httpapi")
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RetryMax = retryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	return rc
}

// Signer 返回客户端使用的签名者，可能为 nil。
func (c *Client) Signer() *Signer { return c.signer }

// Get 发送 GET 请求并解码 JSON 响应。
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, out)
}

// Post 发送 JSON 请求体并解码 JSON 响应。
func (c *Client) Post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request")
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte, out any) error {
	rel := &url.URL{Path: path.Join(c.base.Path, endpoint)}
	u := c.base.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rawBody)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.network != "" {
		req.Header.Set(HeaderNetwork, c.network)
	}
	if c.signer != nil {
		ts := c.now().Unix()
		sig, err := c.signer.Sign(method, u.Path, ts, body)
		if err != nil {
			return err
		}
		req.Header.Set(HeaderAccount, c.signer.Address().Hex())
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, sig)
	}

	hc := c.writes
	if method == http.MethodGet || method == http.MethodHead {
		hc = c.reads
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "gateway request cancelled")
		}
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "gateway request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "read gateway response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "decode gateway response")
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		apiErr.Message = payload.Error
		if apiErr.Message == "" {
			apiErr.Message = payload.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
