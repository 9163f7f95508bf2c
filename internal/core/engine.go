package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RecoveryAshes/crawlengine/internal/crawlers"
	"github.com/RecoveryAshes/crawlengine/internal/database"
	"github.com/RecoveryAshes/crawlengine/internal/models"
	"github.com/RecoveryAshes/crawlengine/internal/utils"
)

// ErrAlreadyRunning 同一个引擎实例上并发调用Run
var ErrAlreadyRunning = errors.New("引擎已在运行")

// RequestHandler 抓取和解析一个请求
// 返回的CrawlResult.ScrapedContent.Links会经过链接过滤后以depth+1入队;
// 用crawlers.Permanent包装的错误不会重试
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *models.CrawlRequest) (*models.CrawlResult, error)
}

// HandlerFunc 函数形式的RequestHandler
type HandlerFunc func(ctx context.Context, req *models.CrawlRequest) (*models.CrawlResult, error)

// HandleRequest 实现RequestHandler
func (f HandlerFunc) HandleRequest(ctx context.Context, req *models.CrawlRequest) (*models.CrawlResult, error) {
	return f(ctx, req)
}

// Option 引擎可选项
type Option func(*Engine)

// WithQueueStore 设置队列存储(默认内存)
func WithQueueStore(store crawlers.QueueStore) Option {
	return func(e *Engine) { e.queueStore = store }
}

// WithStateStore 设置状态快照存储(默认内存)
func WithStateStore(store crawlers.StateStore) Option {
	return func(e *Engine) { e.stateStore = store }
}

// WithSnapshotter 设置错误快照器(默认内存)
func WithSnapshotter(s crawlers.ErrorSnapshotter) Option {
	return func(e *Engine) { e.snapshotter = s }
}

// WithLoadMonitor 设置自适应池的负载信号
func WithLoadMonitor(m crawlers.LoadMonitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithSessionPool 启用会话轮换
func WithSessionPool(p *crawlers.SessionPool) Option {
	return func(e *Engine) { e.sessions = p }
}

// WithHTTPClient 设置抓取robots.txt使用的HTTP客户端
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithShutdownSignals 是否在SIGINT/SIGTERM时停止运行并保存状态(默认开启)
func WithShutdownSignals(enabled bool) Option {
	return func(e *Engine) { e.handleSignals = enabled }
}

// Engine 爬虫引擎
// 组合队列、限流、链接过滤、自适应池、状态持久化和错误追踪;
// 抓取本身委托给注入的RequestHandler
type Engine struct {
	cfg     models.CrawlConfig
	handler RequestHandler

	queueStore    crawlers.QueueStore
	stateStore    crawlers.StateStore
	snapshotter   crawlers.ErrorSnapshotter
	monitor       crawlers.LoadMonitor
	sessions      *crawlers.SessionPool
	httpClient    *http.Client
	handleSignals bool

	events  *crawlers.EventEmitter
	limiter *crawlers.DomainRateLimiter

	running atomic.Bool

	// 保护以下字段
	mu            sync.Mutex
	phase         models.Phase
	pool          *crawlers.AutoscaledPool
	stopRequested bool
	stopCancel    context.CancelFunc
	run           *runState
}

// runState 单次Run的状态
type runState struct {
	queue     *crawlers.RequestQueue
	filter    *crawlers.LinkFilter
	tracker   *crawlers.ErrorTracker
	persister *crawlers.StatePersister
	startedAt time.Time

	// Stop时取消,用于中断限流等待
	stopCtx context.Context

	// inFlight: 正在执行的processRequest数; claimed: 其中已取到请求的数量
	inFlight atomic.Int64
	claimed  atomic.Int64

	mu       sync.Mutex
	results  []*models.CrawlResult
	errors   []models.RunError
	lastURL  string
	sessions map[string]*crawlers.Session // UniqueKey -> 处理中请求使用的会话
}

// NewEngine 创建引擎
func NewEngine(cfg models.CrawlConfig, handler RequestHandler, opts ...Option) (*Engine, error) {
	if handler == nil {
		return nil, fmt.Errorf("RequestHandler不能为空")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("爬取配置无效: %w", err)
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = crawlers.DefaultPersistInterval
	}
	if cfg.RobotsTimeout <= 0 {
		cfg.RobotsTimeout = crawlers.DefaultRobotsTimeout
	}

	e := &Engine{
		cfg:           cfg,
		handler:       handler,
		handleSignals: true,
		events:        crawlers.NewEventEmitter(),
		phase:         models.PhaseIdle,
		limiter: crawlers.NewDomainRateLimiter(crawlers.RateLimiterConfig{
			MaxPerMinute:  cfg.MaxPerMinute,
			MaxConcurrent: cfg.MaxConcurrentPerDomain,
			Window:        cfg.RateWindow,
		}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.queueStore == nil || e.stateStore == nil {
		mem := database.NewMemoryStore()
		if e.queueStore == nil {
			e.queueStore = mem
		}
		if e.stateStore == nil {
			e.stateStore = mem
		}
	}
	if e.snapshotter == nil {
		e.snapshotter = crawlers.NewMemorySnapshotter(cfg.MaxErrorSnapshots)
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: cfg.RobotsTimeout}
	}

	return e, nil
}

// Events 返回事件分发器,在Run之前注册监听器
func (e *Engine) Events() *crawlers.EventEmitter {
	return e.events
}

// Phase 当前阶段
func (e *Engine) Phase() models.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p models.Phase) {
	e.mu.Lock()
	old := e.phase
	e.phase = p
	e.mu.Unlock()
	if old != p {
		utils.Debugf("引擎阶段: %s -> %s", old, p)
	}
}

// Stats 当前运行的队列统计,没有运行时返回零值
func (e *Engine) Stats() models.QueueStats {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return models.QueueStats{}
	}
	return run.queue.GetStats()
}

// Stop 停止派发新请求,处理中的请求继续完成
// 还在等待限流配额的请求立即放回pending
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopRequested = true
	pool := e.pool
	cancel := e.stopCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pool != nil {
		pool.Stop()
	}
	utils.Infof("已请求停止,等待处理中的请求完成...")
}

// Pause 暂停派发,不改变队列状态
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != models.PhaseCrawling || e.pool == nil {
		return
	}
	e.pool.Pause()
	e.phase = models.PhasePaused
	utils.Infof("⏸ 爬取已暂停")
}

// Resume 从暂停处继续
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != models.PhasePaused || e.pool == nil {
		return
	}
	e.pool.Resume()
	e.phase = models.PhaseCrawling
	utils.Infof("▶ 爬取已恢复")
}

func (e *Engine) isStopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

// Run 执行一次爬取
// 执行流程:
//  1. 校验种子(任一无效即返回错误,不做任何工作)
//  2. seeding: 打开队列,并发抓取各种子源站的robots.txt,种子经过滤后入队
//  3. crawling: 周期持久化状态,自适应池驱动processRequest直到队列耗尽或Stop
//  4. finished: 最终持久化,触发crawlFinished
//
// 部分请求失败不会使Run返回错误,调用方需检查RunResult.Errors
func (e *Engine) Run(ctx context.Context, seeds []string) (*models.RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	origins := make([]*url.URL, 0, len(seeds))
	seenOrigins := make(map[string]bool)
	for _, seed := range seeds {
		if err := models.ValidateURL(seed); err != nil {
			return nil, fmt.Errorf("无效的种子URL %q: %w", seed, err)
		}
		// robots规则按规范化后的host[:port]索引,与链接过滤时一致
		normalized, err := crawlers.NormalizeURL(seed, nil)
		if err != nil {
			return nil, fmt.Errorf("无效的种子URL %q: %w", seed, err)
		}
		u, _ := url.Parse(normalized)
		origin := u.Scheme + "://" + u.Host
		if !seenOrigins[origin] {
			seenOrigins[origin] = true
			origins = append(origins, u)
		}
	}

	strategy, err := crawlers.CreateQueueStrategy(e.cfg.QueueStrategy)
	if err != nil {
		return nil, err
	}

	stopCtx, stopCancel := context.WithCancel(ctx)
	defer stopCancel()

	e.mu.Lock()
	e.stopRequested = false
	e.stopCancel = stopCancel
	e.pool = nil
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.stopCancel = nil
		e.mu.Unlock()
	}()
	e.setPhase(models.PhaseSeeding)

	run, err := e.prepareRun(ctx, strategy)
	if err != nil {
		e.setPhase(models.PhaseIdle)
		return nil, err
	}
	run.stopCtx = stopCtx
	defer run.persister.Close()

	if len(seeds) == 0 && run.queue.IsEmpty() {
		e.setPhase(models.PhaseIdle)
		return nil, fmt.Errorf("没有种子URL且队列 [%s] 中没有待处理请求", run.queue.QueueID())
	}

	utils.Infof("🚀 开始爬取, 队列: %s, 种子数: %d", run.queue.QueueID(), len(seeds))

	if e.cfg.RespectRobots {
		e.loadRobots(ctx, run, origins)
	}
	if err := e.enqueueSeeds(ctx, run, seeds); err != nil {
		e.setPhase(models.PhaseIdle)
		return nil, err
	}

	if e.handleSignals {
		unregister := run.persister.RegisterShutdownHook(e.Stop)
		defer unregister()
	}
	run.persister.StartPeriodicPersist(ctx, func(ctx context.Context) error {
		return e.persistState(ctx, run)
	})

	var pool *crawlers.AutoscaledPool
	pool, err = crawlers.NewAutoscaledPool(crawlers.AutoscaledPoolOptions{
		MinConcurrency: e.cfg.MinConcurrency,
		MaxConcurrency: e.cfg.MaxConcurrency,
		ScaleInterval:  e.cfg.ScaleInterval,
		TaskFn: func(ctx context.Context) error {
			return e.processRequest(ctx, run)
		},
		IsTaskReadyFn: func(context.Context) bool {
			if e.isStopRequested() {
				return false
			}
			// 已派发但还没出队的任务会各自取走一个pending请求
			unclaimed := pool.CurrentConcurrency() - int(run.claimed.Load())
			return run.queue.GetStats().Pending > unclaimed
		},
		IsFinishedFn: func(context.Context) bool {
			return run.queue.IsEmpty() && run.inFlight.Load() == 0
		},
		Monitor: e.monitor,
	})
	if err != nil {
		run.persister.StopPeriodicPersist()
		e.setPhase(models.PhaseIdle)
		return nil, err
	}

	e.mu.Lock()
	e.pool = pool
	stopEarly := e.stopRequested
	e.phase = models.PhaseCrawling
	e.mu.Unlock()
	if stopEarly {
		pool.Stop()
	}

	runErr := pool.Run(ctx)

	run.persister.StopPeriodicPersist()
	e.mu.Lock()
	e.pool = nil
	e.phase = models.PhaseFinished
	e.mu.Unlock()

	if err := e.persistState(context.WithoutCancel(ctx), run); err != nil {
		utils.Errorf("最终状态保存失败: %v", err)
	}

	result := e.buildResult(run)
	e.events.EmitCrawlFinished(result)

	utils.Infof("✅ 爬取完成: 完成 %d, 失败 %d, 待处理 %d, 耗时 %s",
		result.Stats.Completed, result.Stats.Failed, result.Stats.Pending, result.Duration.Round(time.Millisecond))

	if runErr != nil {
		return result, fmt.Errorf("爬取被中断: %w", runErr)
	}
	return result, nil
}

// prepareRun 打开队列并创建本次运行的组件
func (e *Engine) prepareRun(ctx context.Context, strategy crawlers.QueueStrategy) (*runState, error) {
	queue, err := crawlers.OpenRequestQueue(ctx, crawlers.QueueConfig{
		QueueID:    e.cfg.QueueID,
		Strategy:   strategy,
		MaxRetries: e.cfg.MaxRetries,
	}, e.queueStore)
	if err != nil {
		return nil, fmt.Errorf("打开请求队列失败: %w", err)
	}

	filter, err := crawlers.NewLinkFilter(crawlers.LinkFilterConfig{
		Strategy:  e.cfg.LinkStrategy,
		Exclude:   e.cfg.Exclude,
		UserAgent: e.cfg.UserAgent,
		MaxDepth:  e.cfg.MaxDepth,
	}, queue.Contains)
	if err != nil {
		return nil, fmt.Errorf("创建链接过滤器失败: %w", err)
	}
	filter.Remember(queue.UniqueKeys()...)

	run := &runState{
		queue:  queue,
		filter: filter,
		tracker: crawlers.NewErrorTracker(crawlers.ErrorTrackerConfig{
			MaxGroups:     e.cfg.MaxErrorGroups,
			SnapshotEvery: e.cfg.SnapshotEvery,
		}, e.snapshotter),
		persister: crawlers.NewStatePersister(crawlers.StatePersisterConfig{Interval: e.cfg.PersistInterval}, e.stateStore),
		startedAt: time.Now(),
		sessions:  make(map[string]*crawlers.Session),
	}

	e.mu.Lock()
	e.run = run
	e.mu.Unlock()
	return run, nil
}

// loadRobots 并发抓取各源站的robots.txt
// 抓取失败视为全部允许,不会中断运行
func (e *Engine) loadRobots(ctx context.Context, run *runState, origins []*url.URL) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, origin := range origins {
		origin := origin
		g.Go(func() error {
			rules := crawlers.FetchRobotsTxt(gctx, e.httpClient, origin, e.cfg.UserAgent)
			run.filter.SetRobots(origin.Host, rules)
			if d := rules.CrawlDelay(e.cfg.UserAgent); d > 0 {
				e.limiter.SetCrawlDelay(origin.Hostname(), d)
				utils.Infof("robots.txt Crawl-delay: %s -> %s", origin.Host, d)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// enqueueSeeds 种子经过链接过滤(范围策略为all)后入队
func (e *Engine) enqueueSeeds(ctx context.Context, run *runState, seeds []string) error {
	var requests []models.RequestOptions
	for _, seed := range seeds {
		res := run.filter.Filter([]string{seed}, seed, 0, models.LinkStrategyAll, e.onSkipped)
		requests = append(requests, res.ProcessedRequests...)
	}
	if len(requests) == 0 {
		return nil
	}

	added, err := run.queue.AddRequests(ctx, requests)
	if errors.Is(err, crawlers.ErrNotPersisted) {
		e.infrastructureError(fmt.Errorf("种子入队: %w", err))
	} else if err != nil {
		return fmt.Errorf("种子入队失败: %w", err)
	}
	run.filter.Remember(uniqueKeys(added)...)
	utils.Debugf("种子入队: %d", len(added))
	return nil
}

func (e *Engine) onSkipped(s crawlers.SkippedRequest) {
	utils.Debugf("跳过链接 [%s]: %s", s.Reason, s.URL)
	e.events.EmitRequestSkipped(s)
}

// processRequest 处理一个请求
// in-flight计数在出队前增加、返回时减少,无论handler成功、失败还是panic
// 队列存储故障只上报基础设施错误,已出队的请求照常处理
func (e *Engine) processRequest(ctx context.Context, run *runState) error {
	run.inFlight.Add(1)
	defer run.inFlight.Add(-1)

	if e.isStopRequested() {
		return nil
	}

	// 取消后的记账仍需落盘
	bookCtx := context.WithoutCancel(ctx)

	req, err := run.queue.FetchNextRequest(ctx)
	if err != nil {
		e.infrastructureError(fmt.Errorf("出队: %w", err))
	}
	if req == nil {
		return err
	}
	run.claimed.Add(1)
	defer run.claimed.Add(-1)

	domain := req.Domain()
	if err := e.limiter.WaitForSlot(run.stopCtx, domain); err != nil {
		e.reclaim(bookCtx, run, req)
		return nil
	}
	if e.isStopRequested() {
		e.limiter.CancelSlot(domain)
		e.reclaim(bookCtx, run, req)
		return nil
	}
	e.limiter.RecordRequest(domain)
	defer e.limiter.ReleaseSlot(domain)

	if e.sessions != nil {
		run.attachSession(req.UniqueKey, e.sessions.GetSession())
		defer run.detachSession(req.UniqueKey)
	}

	e.events.EmitRequestStarted(req)

	result, err := e.invokeHandler(ctx, run, req)
	if err != nil && ctx.Err() != nil {
		// 运行被取消,放回pending,不消耗重试次数
		e.reclaim(bookCtx, run, req)
		return nil
	}
	if err != nil {
		e.handleFailure(bookCtx, run, req, err)
		return err
	}
	e.handleSuccess(bookCtx, run, req, result)
	return nil
}

// reclaim 把已出队但未抓取的请求放回pending,不消耗重试次数
func (e *Engine) reclaim(ctx context.Context, run *runState, req *models.CrawlRequest) {
	if err := run.queue.ReclaimRequest(ctx, req.UniqueKey); err != nil {
		e.infrastructureError(fmt.Errorf("回收请求: %w", err))
	}
}

// invokeHandler 带超时调用handler,panic转为错误
func (e *Engine) invokeHandler(ctx context.Context, run *runState, req *models.CrawlRequest) (result *models.CrawlResult, err error) {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	if s := run.session(req.UniqueKey); s != nil {
		hctx = crawlers.WithSession(hctx, s)
	}

	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("处理器panic [%s]: %v\n%s", req.URL, r, debug.Stack())
			result, err = nil, fmt.Errorf("处理器panic: %v", r)
		}
	}()

	result, err = e.handler.HandleRequest(hctx, req.Clone())
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.CrawlResult{}
	}
	result.Request = req
	if result.URL == "" {
		result.URL = req.URL
	}
	if result.LoadedAt.IsZero() {
		result.LoadedAt = time.Now()
	}
	return result, nil
}

func (e *Engine) handleSuccess(ctx context.Context, run *runState, req *models.CrawlRequest, result *models.CrawlResult) {
	if err := run.queue.MarkCompleted(ctx, req.UniqueKey); err != nil {
		e.infrastructureError(fmt.Errorf("标记完成: %w", err))
	}
	if e.sessions != nil {
		e.sessions.MarkGood(run.session(req.UniqueKey))
	}

	run.mu.Lock()
	run.results = append(run.results, result)
	run.lastURL = req.URL
	run.mu.Unlock()

	e.events.EmitRequestCompleted(result)

	links := result.DiscoveredLinks()
	if len(links) == 0 {
		return
	}

	filtered := run.filter.Filter(links, result.URL, req.Depth+1, "", e.onSkipped)
	if len(filtered.ProcessedRequests) == 0 {
		return
	}
	added, err := run.queue.AddRequests(ctx, filtered.ProcessedRequests)
	if err != nil {
		e.infrastructureError(fmt.Errorf("发现链接入队: %w", err))
	}
	run.filter.Remember(uniqueKeys(added)...)
}

func (e *Engine) handleFailure(ctx context.Context, run *runState, req *models.CrawlRequest, err error) {
	session := run.session(req.UniqueKey)
	ectx := models.ErrorContext{
		URL:        req.URL,
		UniqueKey:  req.UniqueKey,
		Depth:      req.Depth,
		RetryCount: req.RetryCount,
	}
	if session != nil {
		ectx.SessionID = session.ID
		e.sessions.MarkBad(session)
	}
	run.tracker.Add(ctx, err, ectx)

	retried, qerr := run.queue.MarkFailed(ctx, req.UniqueKey, crawlers.IsPermanent(err))
	if qerr != nil {
		e.infrastructureError(fmt.Errorf("标记失败状态: %w", qerr))
	}

	if retried {
		utils.Warnf("请求失败,将重试 (%d/%d) [%s]: %v", req.RetryCount+1, req.MaxRetries, req.URL, err)
		e.events.EmitRequestRetried(req, err)
		return
	}

	utils.Errorf("请求失败 [%s]: %v", req.URL, err)
	run.mu.Lock()
	run.errors = append(run.errors, models.RunError{URL: req.URL, Message: err.Error(), At: time.Now()})
	run.mu.Unlock()
	e.events.EmitRequestFailed(req, err)
}

// infrastructureError 队列或状态存储故障: 持久性已无法保证,继续在内存中处理
// 每次失败的存储写入只上报一次
func (e *Engine) infrastructureError(err error) {
	utils.Errorf("基础设施错误: %v", err)
	e.events.EmitInfrastructureError(err)
}

// persistState 保存当前进度快照
func (e *Engine) persistState(ctx context.Context, run *runState) error {
	run.mu.Lock()
	lastURL := run.lastURL
	run.mu.Unlock()

	stats := run.queue.GetStats()
	state := models.NewCrawlerState(run.queue.QueueID(), lastURL, e.Phase(), stats, time.Now())
	if err := run.persister.Persist(ctx, state, stats); err != nil {
		e.infrastructureError(err)
		return err
	}
	return nil
}

func (e *Engine) buildResult(run *runState) *models.RunResult {
	finishedAt := time.Now()

	run.mu.Lock()
	defer run.mu.Unlock()

	return &models.RunResult{
		QueueID:     run.queue.QueueID(),
		Stats:       run.queue.GetStats(),
		Duration:    finishedAt.Sub(run.startedAt),
		Errors:      append([]models.RunError(nil), run.errors...),
		Results:     append([]*models.CrawlResult(nil), run.results...),
		ErrorGroups: run.tracker.Groups(),
		StartedAt:   run.startedAt,
		FinishedAt:  finishedAt,
		Stopped:     e.isStopRequested(),
	}
}

func (r *runState) attachSession(key string, s *crawlers.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key] = s
}

func (r *runState) detachSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

func (r *runState) session(key string) *crawlers.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

func uniqueKeys(reqs []*models.CrawlRequest) []string {
	keys := make([]string, 0, len(reqs))
	for _, r := range reqs {
		keys = append(keys, r.UniqueKey)
	}
	return keys
}
