package models

import (
	"net/url"
	"strings"
	"time"
)

// DefaultMaxRetries 请求默认最大重试次数
const DefaultMaxRetries = 3

// RequestOptions 入队参数
// 由种子URL或链接发现产生,经过规范化后成为CrawlRequest
type RequestOptions struct {
	URL      string // 原始URL(可以是相对URL,由调用方先行解析)
	Depth    int    // 深度层级, 0为种子
	Priority int    // 优先级(仅priority策略使用,越大越先)
}

// CrawlRequest 一个爬取工作单元
// UniqueKey是去重标识(规范化后的URL),同一UniqueKey无论被发现多少次都视为同一请求
type CrawlRequest struct {
	URL        string `json:"url"`
	UniqueKey  string `json:"uniqueKey"`
	Depth      int    `json:"depth"`
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`
	Priority   int    `json:"priority"`

	// Seq 入队序号,FIFO/LIFO策略据此排序; 每次重新入队都会分配新的序号
	Seq int64 `json:"seq"`
}

// Domain 返回请求的主机名(限流粒度)
func (r *CrawlRequest) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// CanRetry 是否还有剩余重试次数
func (r *CrawlRequest) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// Clone 返回请求副本,避免调用方修改队列内部状态
func (r *CrawlRequest) Clone() *CrawlRequest {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ScrapedContent 页面抓取内容
type ScrapedContent struct {
	// Links 页面上发现的链接(原始形式,由链接过滤器负责解析和规范化)
	Links []string `json:"links"`
	Text  string   `json:"text,omitempty"`
}

// CrawlResult 成功处理请求的输出
type CrawlResult struct {
	Request        *CrawlRequest   `json:"request"`
	URL            string          `json:"url"`
	StatusCode     int             `json:"status_code,omitempty"`
	Title          string          `json:"title,omitempty"`
	ScrapedContent *ScrapedContent `json:"scraped_content,omitempty"`

	// Payload 抓取器自定义数据
	Payload map[string]any `json:"payload,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// DiscoveredLinks 返回结果中携带的链接,没有内容时返回nil
func (r *CrawlResult) DiscoveredLinks() []string {
	if r == nil || r.ScrapedContent == nil {
		return nil
	}
	return r.ScrapedContent.Links
}
