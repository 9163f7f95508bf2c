package crawlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
)

// DefaultRobotsTimeout robots.txt抓取超时
const DefaultRobotsTimeout = 5 * time.Second

// robots.txt最大读取字节数
const maxRobotsBytes = 2 << 20

// RobotsTxtRules 解析后的robots.txt规则
// 运行期间只读;nil表示没有规则(全部允许)
type RobotsTxtRules struct {
	data *robotstxt.RobotsData
}

// ParseRobotsTxt 解析robots.txt文本
func ParseRobotsTxt(text string) (*RobotsTxtRules, error) {
	data, err := robotstxt.FromString(text)
	if err != nil {
		return nil, fmt.Errorf("解析robots.txt失败: %w", err)
	}
	return &RobotsTxtRules{data: data}, nil
}

// group 匹配userAgent的规则组: 最长前缀匹配的agent组优先,否则回退到"*"组
func (r *RobotsTxtRules) group(userAgent string) *robotstxt.Group {
	if r == nil || r.data == nil {
		return nil
	}
	return r.data.FindGroup(userAgent)
}

// IsAllowed 判断path是否允许userAgent访问
// rules为nil时全部允许;path可以带query
func IsAllowed(rules *RobotsTxtRules, path string, userAgent string) bool {
	g := rules.group(userAgent)
	if g == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return g.Test(path)
}

// CrawlDelay 返回匹配组的Crawl-delay,未设置时为0
func (r *RobotsTxtRules) CrawlDelay(userAgent string) time.Duration {
	g := r.group(userAgent)
	if g == nil {
		return 0
	}
	return g.CrawlDelay
}

// FetchRobotsTxt 抓取 {origin}/robots.txt
// 抓取失败或非200响应都不是致命错误: 返回nil规则(全部允许)并记录日志,
// 以区分"robots.txt不存在"和"抓取出错"
func FetchRobotsTxt(ctx context.Context, client *http.Client, origin *url.URL, userAgent string) *RobotsTxtRules {
	if client == nil {
		client = http.DefaultClient
	}
	robotsURL := &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: "/robots.txt"}

	ctx, cancel := context.WithTimeout(ctx, DefaultRobotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL.String()).Msg("构造robots.txt请求失败,按全部允许处理")
		return nil
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL.String()).Msg("抓取robots.txt失败,按全部允许处理")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("url", robotsURL.String()).Msg("robots.txt不存在,全部允许")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL.String()).Msg("读取robots.txt失败,按全部允许处理")
		return nil
	}

	rules, err := ParseRobotsTxt(string(body))
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL.String()).Msg("robots.txt格式无效,按全部允许处理")
		return nil
	}

	log.Debug().Str("url", robotsURL.String()).Dur("crawl_delay", rules.CrawlDelay(userAgent)).Msg("已加载robots.txt")
	return rules
}
