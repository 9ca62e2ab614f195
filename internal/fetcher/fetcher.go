package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// embeddedDataMarker 是服务端渲染页面内嵌 JSON 的标记。
const embeddedDataMarker = "__NEXT_DATA__"

// ErrBadStatus 表示上游返回非 2xx 状态码。
var ErrBadStatus = errors.New("unexpected status")

// Config 定义抓取端配置。
type Config struct {
	BaseURL          string            `yaml:"base_url" json:"base_url"`
	Timeout          string            `yaml:"timeout" json:"timeout"`
	RateLimitDelay   string            `yaml:"rate_limit_delay" json:"rate_limit_delay"`
	MinContentLength int               `yaml:"min_content_length" json:"min_content_length"`
	Cookies          map[string]string `yaml:"cookies" json:"cookies"`
}

// SearchParams 描述一次搜索页请求的查询参数。
type SearchParams struct {
	Manufacturer int
	Model        int
	PriceRange   string
	KMRange      string
	Page         int
}

// Client 以固定浏览器身份访问站点：随机化 Chrome 版本头、固定 cookie 集、
// 请求间隔限流。所有请求共用同一身份，避免并发指纹触发反爬。
type Client struct {
	baseURL  string
	client   *http.Client
	cookies  map[string]string
	versions []string
	minLen   int
	limiter  *rate.Limiter
	randInt  func(n int) int
	logger   *log.Logger
}

// NewClient 创建 Client，client 为空时使用带超时的默认客户端。
func NewClient(cfg Config, client *http.Client) *Client {
	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	delay := 2 * time.Second
	if cfg.RateLimitDelay != "" {
		if d, err := time.ParseDuration(cfg.RateLimitDelay); err == nil && d >= 0 {
			delay = d
		}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	minLen := cfg.MinContentLength
	if minLen <= 0 {
		minLen = 50000
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.yad2.co.il"
	}

	return &Client{
		baseURL:  baseURL,
		client:   client,
		cookies:  cfg.Cookies,
		versions: []string{"137.0.0.0", "136.0.0.0", "135.0.0.0", "134.0.0.0"},
		minLen:   minLen,
		limiter:  limiter,
		randInt:  rand.Intn,
		logger:   log.New(os.Stdout, "[fetcher] ", log.LstdFlags),
	}
}

// BaseURL 返回站点根地址。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get 发起一次 GET 请求并返回响应体，请求前等待限流配额。
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.applyIdentity(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w %d for %s", ErrBadStatus, resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Validate 判断响应体是否为可用页面：长度达标且包含内嵌数据标记。
// 返回 false 通常意味着反爬拦截页，需要人工处理而非立即重试。
func (c *Client) Validate(body []byte) bool {
	return len(body) >= c.minLen && strings.Contains(string(body), embeddedDataMarker)
}

// SearchURL 构造搜索页地址。
func (c *Client) SearchURL(p SearchParams) string {
	q := url.Values{}
	q.Set("manufacturer", strconv.Itoa(p.Manufacturer))
	q.Set("model", strconv.Itoa(p.Model))
	q.Set("hand", "0-2")
	if p.PriceRange != "" {
		q.Set("price", p.PriceRange)
	}
	if p.KMRange != "" {
		q.Set("km", p.KMRange)
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	return c.baseURL + "/vehicles/cars?" + q.Encode()
}

// DetailURL 构造单条车源详情页地址。
func (c *Client) DetailURL(token string) string {
	return c.baseURL + "/vehicles/item/" + token
}

func (c *Client) applyIdentity(req *http.Request) {
	version := c.versions[c.randInt(len(c.versions))]
	major := strings.SplitN(version, ".", 2)[0]

	req.Header.Set("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
	req.Header.Set("accept-language", "en-US,en;q=0.9")
	req.Header.Set("cache-control", "max-age=0")
	req.Header.Set("dnt", "1")
	req.Header.Set("sec-ch-ua", fmt.Sprintf(`"Chromium";v="%s", "Not/A)Brand";v="24"`, major))
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"macOS"`)
	req.Header.Set("sec-fetch-dest", "document")
	req.Header.Set("sec-fetch-mode", "navigate")
	req.Header.Set("sec-fetch-site", "same-origin")
	req.Header.Set("sec-fetch-user", "?1")
	req.Header.Set("upgrade-insecure-requests", "1")
	req.Header.Set("user-agent", fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", version))

	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}
