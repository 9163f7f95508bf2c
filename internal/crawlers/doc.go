// Package crawlers 提供爬虫引擎的调度、限流和持久化组件
//
// # 概述
//
// crawlers包中的组件都是并发安全的,由core.Engine组合使用,也可以单独使用。
// 引擎之外的抓取逻辑通过RequestHandler注入,StaticHandler是基于Colly的默认实现。
//
// # 核心组件
//
// ## RequestQueue (持久化请求队列)
//
// 去重的工作队列,每个UniqueKey(规范化URL)在任意时刻只属于
// pending / in-flight / completed / failed 之一。所有状态变更先写QueueStore再改内存,
// 存储失败时返回错误且内存状态不变。
//
//	queue, err := OpenRequestQueue(ctx, QueueConfig{QueueID: "news", MaxRetries: 3}, store)
//	added, err := queue.AddRequests(ctx, []models.RequestOptions{{URL: "https://example.com"}})
//	req, err := queue.FetchNextRequest(ctx) // pending为空时返回nil
//	retried, err := queue.MarkFailed(ctx, req.UniqueKey, false)
//
// 出队顺序由QueueStrategy决定: fifo, lifo, priority, breadth-first。
//
// ## DomainRateLimiter (按域名限流)
//
// 每个域名一个滑动窗口和一个并发信号量,域名之间互不影响:
//
//	if err := limiter.WaitForSlot(ctx, domain); err != nil { return err }
//	limiter.RecordRequest(domain)
//	defer limiter.ReleaseSlot(domain)
//
// ## AutoscaledPool (自适应并发池)
//
// 在[MinConcurrency, MaxConcurrency]之间调整并发:
//   - 负载过高或失败率超过MaxErrorRatio: 缩容
//   - 有就绪任务但并发已满: 扩容
//   - 整个周期空闲: 缩容
//
// ResourceMonitor基于gopsutil采样系统内存和CPU,作为池的LoadMonitor。
//
// ## LinkFilter / EnqueueLinks
//
// 对发现的链接依次做规范化、深度、范围(same-domain/same-site/all)、排除模式、
// robots.txt和去重检查,每个被拒绝的链接回调一次OnSkippedRequest。
//
// ## 其他
//
//   - RobotsTxtRules: robots.txt解析,抓取失败时全部允许
//   - SessionPool: 轮换User-Agent和cookie
//   - StatePersister: 周期和关闭时的进度快照
//   - ErrorTracker / ErrorSnapshotter: 错误分组和诊断快照
//   - EventEmitter: 生命周期事件
package crawlers
