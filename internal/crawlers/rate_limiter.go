package crawlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimiterConfig 按域名限流配置
type RateLimiterConfig struct {
	// MaxPerMinute 滑动窗口内最多放行的请求数, 0表示不限制
	MaxPerMinute int

	// MaxConcurrent 单个域名同时进行的请求数, 0表示不限制
	MaxConcurrent int

	// Window 滑动窗口长度, 默认1分钟
	Window time.Duration
}

// DomainRateLimiter 按域名的准入控制
// 两个约束同时满足才放行: 窗口内请求数 < MaxPerMinute, 并发数 < MaxConcurrent。
// 各域名状态相互独立,慢域名不会阻塞其他域名
type DomainRateLimiter struct {
	cfg RateLimiterConfig

	mu      sync.Mutex
	domains map[string]*domainWindow
}

// domainWindow 单个域名的限流状态
type domainWindow struct {
	mu sync.Mutex

	// 已记录请求的时间戳(升序)
	timestamps []time.Time

	// 已放行但尚未RecordRequest的名额
	reserved int

	// 状态变化通知,等待者在此唤醒后重新检查
	changed chan struct{}

	sem   *semaphore.Weighted
	delay *rate.Limiter
}

// NewDomainRateLimiter 创建限流器
func NewDomainRateLimiter(cfg RateLimiterConfig) *DomainRateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &DomainRateLimiter{
		cfg:     cfg,
		domains: make(map[string]*domainWindow),
	}
}

func (l *DomainRateLimiter) window(domain string) *domainWindow {
	domain = strings.ToLower(domain)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.domains[domain]
	if !ok {
		w = &domainWindow{changed: make(chan struct{})}
		if l.cfg.MaxConcurrent > 0 {
			w.sem = semaphore.NewWeighted(int64(l.cfg.MaxConcurrent))
		}
		l.domains[domain] = w
	}
	return w
}

// SetCrawlDelay 为域名设置最小请求间隔(来自robots.txt的Crawl-delay)
func (l *DomainRateLimiter) SetCrawlDelay(domain string, d time.Duration) {
	w := l.window(domain)
	w.mu.Lock()
	defer w.mu.Unlock()
	if d <= 0 {
		w.delay = nil
		return
	}
	w.delay = rate.NewLimiter(rate.Every(d), 1)
}

// WaitForSlot 阻塞直到域名可以放行一个请求
// 成功返回后调用方必须先RecordRequest,请求结束后ReleaseSlot
func (l *DomainRateLimiter) WaitForSlot(ctx context.Context, domain string) error {
	w := l.window(domain)

	if w.sem != nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	w.mu.Lock()
	delay := w.delay
	w.mu.Unlock()
	if delay != nil {
		if err := delay.Wait(ctx); err != nil {
			w.releaseSem()
			return err
		}
	}

	for {
		w.mu.Lock()
		now := time.Now()
		w.pruneLocked(now, l.cfg.Window)

		if l.cfg.MaxPerMinute <= 0 || len(w.timestamps)+w.reserved < l.cfg.MaxPerMinute {
			w.reserved++
			w.mu.Unlock()
			return nil
		}

		// 窗口已满: 等最早的时间戳滑出窗口,或等预留名额被记录/归还
		var timer *time.Timer
		var timerC <-chan time.Time
		if len(w.timestamps) > 0 {
			timer = time.NewTimer(w.timestamps[0].Add(l.cfg.Window).Sub(now))
			timerC = timer.C
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-timerC:
		case <-changed:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.releaseSem()
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// RecordRequest 将预留名额计入窗口
// 在WaitForSlot放行之后、发起网络请求之前调用
func (l *DomainRateLimiter) RecordRequest(domain string) {
	w := l.window(domain)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserved > 0 {
		w.reserved--
	}
	w.timestamps = append(w.timestamps, time.Now())
	w.notifyLocked()
}

// CancelSlot 放弃WaitForSlot放行的名额: 归还预留和并发名额,不计入窗口
func (l *DomainRateLimiter) CancelSlot(domain string) {
	w := l.window(domain)
	w.mu.Lock()
	if w.reserved > 0 {
		w.reserved--
	}
	w.notifyLocked()
	w.mu.Unlock()
	w.releaseSem()
}

// ReleaseSlot 归还并发名额
func (l *DomainRateLimiter) ReleaseSlot(domain string) {
	l.window(domain).releaseSem()
}

// WindowUsage 当前窗口内已记录和预留的请求数
func (l *DomainRateLimiter) WindowUsage(domain string) int {
	w := l.window(domain)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now(), l.cfg.Window)
	return len(w.timestamps) + w.reserved
}

func (w *domainWindow) releaseSem() {
	if w.sem != nil {
		w.sem.Release(1)
	}
}

// pruneLocked 丢弃窗口外的时间戳
func (w *domainWindow) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

func (w *domainWindow) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}
