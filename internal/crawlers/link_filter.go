package crawlers

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// SkipReason 链接被拒绝的原因
type SkipReason string

const (
	SkipInvalidURL       SkipReason = "invalid-url"
	SkipOutOfDomain      SkipReason = "out-of-domain"
	SkipExcludedPattern  SkipReason = "excluded-pattern"
	SkipRobotsDisallowed SkipReason = "robots-disallowed"
	SkipDuplicate        SkipReason = "duplicate"
	SkipMaxDepth         SkipReason = "max-depth"
)

// SkippedRequest 被过滤掉的链接
type SkippedRequest struct {
	URL    string     `json:"url"`
	Reason SkipReason `json:"reason"`
}

// ExcludePattern 排除模式
// "/.../"形式按正则匹配,其余按glob匹配完整的规范化URL
type ExcludePattern struct {
	raw  string
	glob glob.Glob
	re   *regexp.Regexp
}

// CompileExcludePattern 编译单个排除模式
func CompileExcludePattern(pattern string) (ExcludePattern, error) {
	p := strings.TrimSpace(pattern)
	if len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
		re, err := regexp.Compile(p[1 : len(p)-1])
		if err != nil {
			return ExcludePattern{}, fmt.Errorf("无效的排除正则 %q: %w", pattern, err)
		}
		return ExcludePattern{raw: pattern, re: re}, nil
	}
	g, err := glob.Compile(p)
	if err != nil {
		return ExcludePattern{}, fmt.Errorf("无效的排除glob %q: %w", pattern, err)
	}
	return ExcludePattern{raw: pattern, glob: g}, nil
}

// RegexpPattern 使用已编译的正则作为排除模式
func RegexpPattern(re *regexp.Regexp) ExcludePattern {
	return ExcludePattern{raw: "/" + re.String() + "/", re: re}
}

// CompileExcludePatterns 批量编译排除模式
func CompileExcludePatterns(patterns []string) ([]ExcludePattern, error) {
	compiled := make([]ExcludePattern, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		ep, err := CompileExcludePattern(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, ep)
	}
	return compiled, nil
}

// Match 判断URL是否命中模式
func (p ExcludePattern) Match(u string) bool {
	if p.re != nil {
		return p.re.MatchString(u)
	}
	if p.glob != nil {
		return p.glob.Match(u)
	}
	return false
}

// String 返回原始模式
func (p ExcludePattern) String() string {
	return p.raw
}

// EnqueueLinksOptions 链接过滤参数
type EnqueueLinksOptions struct {
	URLs     []string
	BaseURL  string
	Strategy models.LinkStrategy

	Exclude []ExcludePattern

	// Robots 按host[:port]索引的robots规则,缺失的主机视为全部允许
	Robots    map[string]*RobotsTxtRules
	UserAgent string

	// Depth 新请求的深度; MaxDepth为0时不限制
	Depth    int
	MaxDepth int

	// Seen 报告规范化URL是否已知(已入队或已处理),可为nil
	Seen func(uniqueKey string) bool

	// OnSkippedRequest 每个被拒绝的URL调用一次
	OnSkippedRequest func(SkippedRequest)
}

// EnqueueResult 过滤结果
type EnqueueResult struct {
	ProcessedRequests []models.RequestOptions
	Skipped           []SkippedRequest
}

// EnqueueLinks 规范化、过滤并去重发现的链接
// 检查顺序: invalid-url → max-depth → out-of-domain → excluded-pattern → robots-disallowed → duplicate
func EnqueueLinks(opts EnqueueLinksOptions) EnqueueResult {
	var result EnqueueResult

	skip := func(raw string, reason SkipReason) {
		s := SkippedRequest{URL: raw, Reason: reason}
		result.Skipped = append(result.Skipped, s)
		if opts.OnSkippedRequest != nil {
			opts.OnSkippedRequest(s)
		}
	}

	var base *url.URL
	if opts.BaseURL != "" {
		parsed, err := url.Parse(opts.BaseURL)
		if err == nil {
			base = parsed
		}
	}

	batch := make(map[string]struct{}, len(opts.URLs))
	for _, raw := range opts.URLs {
		key, err := NormalizeURL(raw, base)
		if err != nil {
			skip(raw, SkipInvalidURL)
			continue
		}
		if opts.MaxDepth > 0 && opts.Depth > opts.MaxDepth {
			skip(key, SkipMaxDepth)
			continue
		}

		u, _ := url.Parse(key)
		if !inScope(opts.Strategy, base, u) {
			skip(key, SkipOutOfDomain)
			continue
		}
		if matchesAny(opts.Exclude, key) {
			skip(key, SkipExcludedPattern)
			continue
		}
		if rules, ok := opts.Robots[u.Host]; ok && !IsAllowed(rules, u.RequestURI(), opts.UserAgent) {
			skip(key, SkipRobotsDisallowed)
			continue
		}
		if _, dup := batch[key]; dup {
			skip(key, SkipDuplicate)
			continue
		}
		if opts.Seen != nil && opts.Seen(key) {
			skip(key, SkipDuplicate)
			continue
		}

		batch[key] = struct{}{}
		result.ProcessedRequests = append(result.ProcessedRequests, models.RequestOptions{URL: key, Depth: opts.Depth})
	}

	return result
}

// inScope 按策略判断链接是否在范围内
func inScope(strategy models.LinkStrategy, base, u *url.URL) bool {
	if base == nil || strategy == models.LinkStrategyAll || strategy == "" {
		return true
	}
	baseHost := strings.ToLower(base.Hostname())
	host := u.Hostname()
	switch strategy {
	case models.LinkStrategySameDomain:
		return host == baseHost
	case models.LinkStrategySameSite:
		if host == baseHost {
			return true
		}
		a, errA := publicsuffix.EffectiveTLDPlusOne(host)
		b, errB := publicsuffix.EffectiveTLDPlusOne(baseHost)
		return errA == nil && errB == nil && a == b
	default:
		return true
	}
}

func matchesAny(patterns []ExcludePattern, u string) bool {
	for _, p := range patterns {
		if p.Match(u) {
			return true
		}
	}
	return false
}

// LinkFilterConfig 链接过滤器配置
type LinkFilterConfig struct {
	Strategy  models.LinkStrategy
	Exclude   []string
	UserAgent string
	MaxDepth  int

	// 布隆过滤器预估容量和误判率
	ExpectedItems     uint
	FalsePositiveRate float64
}

// LinkFilter 带状态的链接过滤器
// 持有每个主机的robots规则,并用布隆过滤器做快速否定判断;
// 布隆命中时再由exact回调(通常是RequestQueue.Contains)确认
type LinkFilter struct {
	cfg     LinkFilterConfig
	exclude []ExcludePattern
	exact   func(uniqueKey string) bool

	mu     sync.RWMutex
	robots map[string]*RobotsTxtRules
	bloom  *bloom.BloomFilter
}

// NewLinkFilter 创建链接过滤器
func NewLinkFilter(cfg LinkFilterConfig, exact func(uniqueKey string) bool) (*LinkFilter, error) {
	exclude, err := CompileExcludePatterns(cfg.Exclude)
	if err != nil {
		return nil, err
	}
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = 100000
	}
	if cfg.FalsePositiveRate <= 0 {
		cfg.FalsePositiveRate = 0.001
	}
	return &LinkFilter{
		cfg:     cfg,
		exclude: exclude,
		exact:   exact,
		robots:  make(map[string]*RobotsTxtRules),
		bloom:   bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
	}, nil
}

// AddExclude 追加已编译的排除模式
func (f *LinkFilter) AddExclude(patterns ...ExcludePattern) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclude = append(f.exclude, patterns...)
}

// SetRobots 设置host[:port]的robots规则(nil表示全部允许)
func (f *LinkFilter) SetRobots(host string, rules *RobotsTxtRules) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.robots[strings.ToLower(host)] = rules
}

// Robots 返回主机的robots规则
func (f *LinkFilter) Robots(host string) *RobotsTxtRules {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.robots[strings.ToLower(host)]
}

// Remember 将已入队的Key写入布隆过滤器
func (f *LinkFilter) Remember(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.bloom.AddString(k)
	}
}

// seen 布隆未命中即确定未见过;命中后由exact确认,排除误判
func (f *LinkFilter) seen(key string) bool {
	f.mu.RLock()
	maybe := f.bloom.TestString(key)
	f.mu.RUnlock()
	if !maybe {
		return false
	}
	if f.exact == nil {
		return true
	}
	return f.exact(key)
}

// Filter 过滤发现的链接
// strategy为空时使用配置中的策略(种子入队时传入LinkStrategyAll)
func (f *LinkFilter) Filter(urls []string, baseURL string, depth int, strategy models.LinkStrategy, onSkipped func(SkippedRequest)) EnqueueResult {
	if strategy == "" {
		strategy = f.cfg.Strategy
	}

	f.mu.RLock()
	robots := make(map[string]*RobotsTxtRules, len(f.robots))
	for h, r := range f.robots {
		robots[h] = r
	}
	exclude := f.exclude
	f.mu.RUnlock()

	result := EnqueueLinks(EnqueueLinksOptions{
		URLs:             urls,
		BaseURL:          baseURL,
		Strategy:         strategy,
		Exclude:          exclude,
		Robots:           robots,
		UserAgent:        f.cfg.UserAgent,
		Depth:            depth,
		MaxDepth:         f.cfg.MaxDepth,
		Seen:             f.seen,
		OnSkippedRequest: onSkipped,
	})

	if len(result.Skipped) > 0 {
		log.Debug().Str("base", baseURL).Int("processed", len(result.ProcessedRequests)).Int("skipped", len(result.Skipped)).Msg("链接过滤完成")
	}
	return result
}

// ExtractLinksFromHTML 从HTML中提取a[href]链接,相对链接按baseURL解析
// 供自定义RequestHandler填充CrawlResult.ScrapedContent.Links
func ExtractLinksFromHTML(htmlContent string, baseURL string) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("解析baseURL失败: %w", err)
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err == nil {
					links = append(links, base.ResolveReference(ref).String())
				}
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return links, nil
}
