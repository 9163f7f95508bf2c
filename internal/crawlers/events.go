package crawlers

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// EventType 生命周期事件类型
type EventType string

const (
	EventRequestStarted      EventType = "requestStarted"
	EventRequestCompleted    EventType = "requestCompleted"
	EventRequestFailed       EventType = "requestFailed"
	EventRequestRetried      EventType = "requestRetried"
	EventRequestSkipped      EventType = "requestSkipped"
	EventCrawlFinished       EventType = "crawlFinished"
	EventInfrastructureError EventType = "infrastructureError"
)

// EventEmitter 爬虫生命周期事件
// 监听器在触发事件的goroutine中同步调用,panic会被恢复并记录
type EventEmitter struct {
	mu sync.RWMutex

	started   []func(*models.CrawlRequest)
	completed []func(*models.CrawlResult)
	failed    []func(*models.CrawlRequest, error)
	retried   []func(*models.CrawlRequest, error)
	skipped   []func(SkippedRequest)
	finished  []func(*models.RunResult)
	infra     []func(error)
}

// NewEventEmitter 创建事件分发器
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

// OnRequestStarted 请求开始处理(已通过限流准入)
func (e *EventEmitter) OnRequestStarted(fn func(*models.CrawlRequest)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, fn)
}

// OnRequestCompleted 请求处理成功
func (e *EventEmitter) OnRequestCompleted(fn func(*models.CrawlResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, fn)
}

// OnRequestFailed 请求进入失败终态
func (e *EventEmitter) OnRequestFailed(fn func(*models.CrawlRequest, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, fn)
}

// OnRequestRetried 请求失败后重新入队
func (e *EventEmitter) OnRequestRetried(fn func(*models.CrawlRequest, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retried = append(e.retried, fn)
}

// OnRequestSkipped 链接被过滤器拒绝
func (e *EventEmitter) OnRequestSkipped(fn func(SkippedRequest)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipped = append(e.skipped, fn)
}

// OnCrawlFinished 运行结束
func (e *EventEmitter) OnCrawlFinished(fn func(*models.RunResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, fn)
}

// OnInfrastructureError 队列或状态存储出错
func (e *EventEmitter) OnInfrastructureError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infra = append(e.infra, fn)
}

// EmitRequestStarted 触发requestStarted
func (e *EventEmitter) EmitRequestStarted(req *models.CrawlRequest) {
	e.mu.RLock()
	ls := e.started
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventRequestStarted, func() { fn(req) })
	}
}

// EmitRequestCompleted 触发requestCompleted
func (e *EventEmitter) EmitRequestCompleted(res *models.CrawlResult) {
	e.mu.RLock()
	ls := e.completed
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventRequestCompleted, func() { fn(res) })
	}
}

// EmitRequestFailed 触发requestFailed
func (e *EventEmitter) EmitRequestFailed(req *models.CrawlRequest, err error) {
	e.mu.RLock()
	ls := e.failed
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventRequestFailed, func() { fn(req, err) })
	}
}

// EmitRequestRetried 触发requestRetried
func (e *EventEmitter) EmitRequestRetried(req *models.CrawlRequest, err error) {
	e.mu.RLock()
	ls := e.retried
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventRequestRetried, func() { fn(req, err) })
	}
}

// EmitRequestSkipped 触发requestSkipped
func (e *EventEmitter) EmitRequestSkipped(s SkippedRequest) {
	e.mu.RLock()
	ls := e.skipped
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventRequestSkipped, func() { fn(s) })
	}
}

// EmitCrawlFinished 触发crawlFinished
func (e *EventEmitter) EmitCrawlFinished(res *models.RunResult) {
	e.mu.RLock()
	ls := e.finished
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventCrawlFinished, func() { fn(res) })
	}
}

// EmitInfrastructureError 触发infrastructureError
func (e *EventEmitter) EmitInfrastructureError(err error) {
	e.mu.RLock()
	ls := e.infra
	e.mu.RUnlock()
	for _, fn := range ls {
		safeCall(EventInfrastructureError, func() { fn(err) })
	}
}

func safeCall(event EventType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", string(event)).Str("stack", string(debug.Stack())).Msgf("事件监听器panic: %v", r)
		}
	}()
	fn()
}
