package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LinkStrategy 链接范围策略
type LinkStrategy string

const (
	LinkStrategyAll        LinkStrategy = "all"         // 不限制域名
	LinkStrategySameDomain LinkStrategy = "same-domain" // 与基准URL主机名相同
	LinkStrategySameSite   LinkStrategy = "same-site"   // 与基准URL注册域(eTLD+1)相同
)

// CrawlConfig 爬取配置
type CrawlConfig struct {
	QueueID       string       `mapstructure:"queue_id" json:"queue_id"`             // 队列ID(为空时自动生成)
	MaxDepth      int          `mapstructure:"max_depth" json:"max_depth"`           // 最大深度 (0: 不限制)
	MaxRetries    int          `mapstructure:"max_retries" json:"max_retries"`       // 单请求最大重试次数 (默认:3)
	QueueStrategy string       `mapstructure:"queue_strategy" json:"queue_strategy"` // fifo|lifo|priority|breadth-first
	LinkStrategy  LinkStrategy `mapstructure:"link_strategy" json:"link_strategy"`   // 链接范围策略
	Exclude       []string     `mapstructure:"exclude" json:"exclude"`               // 排除模式(glob或/正则/)
	RespectRobots bool         `mapstructure:"respect_robots" json:"respect_robots"` // 是否遵守robots.txt
	UserAgent     string       `mapstructure:"user_agent" json:"user_agent"`

	RequestTimeout  time.Duration `mapstructure:"request_timeout" json:"request_timeout"`   // 单请求超时 (默认:30s)
	RobotsTimeout   time.Duration `mapstructure:"robots_timeout" json:"robots_timeout"`     // robots.txt超时 (默认:5s)
	PersistInterval time.Duration `mapstructure:"persist_interval" json:"persist_interval"` // 状态持久化周期 (默认:60s)

	// 自适应并发
	MinConcurrency int           `mapstructure:"min_concurrency" json:"min_concurrency"`
	MaxConcurrency int           `mapstructure:"max_concurrency" json:"max_concurrency"`
	ScaleInterval  time.Duration `mapstructure:"scale_interval" json:"scale_interval"`

	// 按域名限流
	MaxPerMinute           int           `mapstructure:"max_per_minute" json:"max_per_minute"`                       // 0: 不限制
	MaxConcurrentPerDomain int           `mapstructure:"max_concurrent_per_domain" json:"max_concurrent_per_domain"` // 0: 不限制
	RateWindow             time.Duration `mapstructure:"rate_window" json:"rate_window"`                             // 滑动窗口长度 (默认:1m)

	// 错误追踪
	MaxErrorGroups    int `mapstructure:"max_error_groups" json:"max_error_groups"`
	MaxErrorSnapshots int `mapstructure:"max_error_snapshots" json:"max_error_snapshots"`
	SnapshotEvery     int `mapstructure:"snapshot_every" json:"snapshot_every"` // 0: 仅首次出现时快照
}

// DefaultCrawlConfig 默认爬取配置
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		MaxRetries:             DefaultMaxRetries,
		QueueStrategy:          "fifo",
		LinkStrategy:           LinkStrategySameDomain,
		RespectRobots:          true,
		UserAgent:              "crawlengine/1.0",
		RequestTimeout:         30 * time.Second,
		RobotsTimeout:          5 * time.Second,
		PersistInterval:        60 * time.Second,
		MinConcurrency:         1,
		MaxConcurrency:         10,
		ScaleInterval:          2 * time.Second,
		MaxPerMinute:           120,
		MaxConcurrentPerDomain: 4,
		RateWindow:             time.Minute,
		MaxErrorGroups:         100,
		MaxErrorSnapshots:      50,
	}
}

// Validate 验证配置
func (c *CrawlConfig) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("最大深度不能为负数")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 20 {
		return fmt.Errorf("重试次数必须在0-20之间")
	}
	if c.MinConcurrency < 1 {
		return fmt.Errorf("最小并发数必须大于0")
	}
	if c.MaxConcurrency < c.MinConcurrency {
		return fmt.Errorf("最大并发数(%d)不能小于最小并发数(%d)", c.MaxConcurrency, c.MinConcurrency)
	}
	if c.MaxPerMinute < 0 || c.MaxConcurrentPerDomain < 0 {
		return fmt.Errorf("限流参数不能为负数")
	}
	switch c.LinkStrategy {
	case LinkStrategyAll, LinkStrategySameDomain, LinkStrategySameSite:
	default:
		return fmt.Errorf("无效的链接策略: %s", c.LinkStrategy)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("请求超时必须大于0")
	}
	return nil
}

// RunError 运行期间记录的请求错误
type RunError struct {
	URL     string    `json:"url"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunResult 一次运行的最终结果
// 部分失败不会使运行报错,调用方需检查Errors
type RunResult struct {
	QueueID     string         `json:"queue_id"`
	Stats       QueueStats     `json:"stats"`
	Duration    time.Duration  `json:"duration"`
	Errors      []RunError     `json:"errors"`
	Results     []*CrawlResult `json:"results,omitempty"`
	ErrorGroups []ErrorGroup   `json:"error_groups,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Stopped     bool           `json:"stopped"` // 是否由Stop提前结束
}

// ToJSON 序列化为JSON
func (r *RunResult) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
