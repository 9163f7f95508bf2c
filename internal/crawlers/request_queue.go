package crawlers

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// ErrNotInFlight 对非in-flight请求执行完成/失败标记
var ErrNotInFlight = errors.New("请求不在处理中")

// ErrNotPersisted 内存状态已变更但写入存储失败
// 队列以降级模式继续运行,存储恢复后下一次写入会覆盖对应记录
var ErrNotPersisted = errors.New("队列状态未持久化")

// QueueStore 队列持久化存储
// 实现: database.CrawlDB(SQLite), database.MemoryStore
type QueueStore interface {
	SaveRequests(ctx context.Context, records []models.QueueRecord) error
	LoadRequests(ctx context.Context, queueID string) ([]models.QueueRecord, error)
}

// QueueConfig 请求队列配置
type QueueConfig struct {
	QueueID    string        // 队列ID(为空时自动生成)
	Strategy   QueueStrategy // 出队策略(为空时使用FIFO)
	MaxRetries int           // 新请求的最大重试次数
}

// RequestQueue 持久化请求队列
// 职责: 去重入队、按策略出队、完成/失败记账
// 状态变更总是先作用于内存;写存储失败时返回包装了ErrNotPersisted的错误,
// 调用方据此上报基础设施错误,内存中的状态机照常推进
type RequestQueue struct {
	cfg   QueueConfig
	store QueueStore

	// 保护以下所有字段,同时串行化对存储的访问
	mu sync.Mutex

	// 所有见过的请求(任意状态), UniqueKey -> entry
	entries map[string]*queueEntry

	// 待处理请求堆
	pending *pendingHeap

	// 各状态计数
	counts map[models.RequestStatus]int

	// 下一个入队序号
	nextSeq int64
}

type queueEntry struct {
	req    *models.CrawlRequest
	status models.RequestStatus
}

// OpenRequestQueue 打开队列,从存储中恢复queueID已有的请求
// 上次运行遗留的in-flight请求会被放回pending
func OpenRequestQueue(ctx context.Context, cfg QueueConfig, store QueueStore) (*RequestQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("队列存储不能为空")
	}
	if cfg.QueueID == "" {
		cfg.QueueID = models.NewQueueID()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = fifoStrategy{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	q := &RequestQueue{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]*queueEntry),
		pending: &pendingHeap{strategy: cfg.Strategy},
		counts:  make(map[models.RequestStatus]int),
		nextSeq: 1,
	}

	records, err := store.LoadRequests(ctx, cfg.QueueID)
	if err != nil {
		return nil, fmt.Errorf("加载队列失败 [%s]: %w", cfg.QueueID, err)
	}

	var reclaimed []models.QueueRecord
	for _, rec := range records {
		req := rec.Request
		status := rec.Status
		if status == models.StatusInFlight {
			status = models.StatusPending
			reclaimed = append(reclaimed, q.record(&req, status))
		}
		q.entries[req.UniqueKey] = &queueEntry{req: &req, status: status}
		q.counts[status]++
		if status == models.StatusPending {
			q.pending.items = append(q.pending.items, &req)
		}
		if req.Seq >= q.nextSeq {
			q.nextSeq = req.Seq + 1
		}
	}
	heap.Init(q.pending)

	if len(reclaimed) > 0 {
		if err := store.SaveRequests(ctx, reclaimed); err != nil {
			return nil, fmt.Errorf("恢复in-flight请求失败: %w", err)
		}
	}

	if len(records) > 0 {
		log.Info().
			Str("queue_id", cfg.QueueID).
			Int("total", len(records)).
			Int("pending", q.counts[models.StatusPending]).
			Int("reclaimed", len(reclaimed)).
			Msg("已从存储恢复请求队列")
	}

	return q, nil
}

// QueueID 返回队列ID
func (q *RequestQueue) QueueID() string {
	return q.cfg.QueueID
}

// AddRequests 批量入队
// 规范化URL作为UniqueKey,已见过的Key(任意状态)静默丢弃;返回实际新增的请求
func (q *RequestQueue) AddRequests(ctx context.Context, opts []models.RequestOptions) ([]*models.CrawlRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make(map[string]struct{}, len(opts))
	added := make([]*models.CrawlRequest, 0, len(opts))
	records := make([]models.QueueRecord, 0, len(opts))
	seq := q.nextSeq

	for _, o := range opts {
		key, err := NormalizeURL(o.URL, nil)
		if err != nil {
			log.Debug().Str("url", o.URL).Err(err).Msg("入队时跳过无效URL")
			continue
		}
		if _, seen := q.entries[key]; seen {
			continue
		}
		if _, dup := batch[key]; dup {
			continue
		}
		batch[key] = struct{}{}

		req := &models.CrawlRequest{
			URL:        key,
			UniqueKey:  key,
			Depth:      o.Depth,
			MaxRetries: q.cfg.MaxRetries,
			Priority:   o.Priority,
			Seq:        seq,
		}
		seq++
		added = append(added, req)
		records = append(records, q.record(req, models.StatusPending))
	}

	if len(added) == 0 {
		return nil, nil
	}

	q.nextSeq = seq
	out := make([]*models.CrawlRequest, 0, len(added))
	for _, req := range added {
		q.entries[req.UniqueKey] = &queueEntry{req: req, status: models.StatusPending}
		heap.Push(q.pending, req)
		q.counts[models.StatusPending]++
		out = append(out, req.Clone())
	}

	return out, q.save(ctx, "新请求", records...)
}

// FetchNextRequest 按策略取出下一个请求并标记为in-flight
// pending为空时返回(nil, nil);存储失败时请求仍然出队,同时返回请求和错误
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*models.CrawlRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return nil, nil
	}

	req := heap.Pop(q.pending).(*models.CrawlRequest)
	q.transition(req.UniqueKey, models.StatusInFlight)
	return req.Clone(), q.save(ctx, "出队状态", q.record(req, models.StatusInFlight))
}

// MarkCompleted 标记请求完成
func (q *RequestQueue) MarkCompleted(ctx context.Context, uniqueKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.inFlightEntry(uniqueKey)
	if err != nil {
		return err
	}

	q.transition(uniqueKey, models.StatusCompleted)
	return q.save(ctx, "完成状态", q.record(entry.req, models.StatusCompleted))
}

// MarkFailed 标记请求失败
// 非永久错误且RetryCount < MaxRetries时,以RetryCount+1重新放回pending(排在当前pending之后),返回retried=true;
// 否则进入failed终态。单个请求最多被尝试MaxRetries+1次
// 存储失败不影响retried的取值
func (q *RequestQueue) MarkFailed(ctx context.Context, uniqueKey string, permanent bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.inFlightEntry(uniqueKey)
	if err != nil {
		return false, err
	}

	if !permanent && entry.req.CanRetry() {
		retry := entry.req.Clone()
		retry.RetryCount++
		retry.Seq = q.nextSeq
		q.nextSeq++

		entry.req = retry
		q.transition(uniqueKey, models.StatusPending)
		heap.Push(q.pending, retry)
		return true, q.save(ctx, "重试状态", q.record(retry, models.StatusPending))
	}

	q.transition(uniqueKey, models.StatusFailed)
	return false, q.save(ctx, "失败状态", q.record(entry.req, models.StatusFailed))
}

// ReclaimRequest 将in-flight请求放回pending,不消耗重试次数
// 用于派发后、真正抓取前被放弃的请求(如等待限流时上下文取消)
func (q *RequestQueue) ReclaimRequest(ctx context.Context, uniqueKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.inFlightEntry(uniqueKey)
	if err != nil {
		return err
	}

	q.transition(uniqueKey, models.StatusPending)
	heap.Push(q.pending, entry.req)
	return q.save(ctx, "回收状态", q.record(entry.req, models.StatusPending))
}

// IsEmpty pending是否为空
// 注意: in-flight可能非零;"不会再有新工作"由引擎判断(IsEmpty && in-flight为0)
func (q *RequestQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() == 0
}

// InFlightCount 处理中的请求数
func (q *RequestQueue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[models.StatusInFlight]
}

// Contains 是否已见过该UniqueKey(任意状态)
func (q *RequestQueue) Contains(uniqueKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[uniqueKey]
	return ok
}

// UniqueKeys 返回所有已见过的Key
func (q *RequestQueue) UniqueKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.entries))
	for k := range q.entries {
		keys = append(keys, k)
	}
	return keys
}

// GetStats 返回队列统计
func (q *RequestQueue) GetStats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.QueueStats{
		Total:     len(q.entries),
		Completed: q.counts[models.StatusCompleted],
		Failed:    q.counts[models.StatusFailed],
		Pending:   q.counts[models.StatusPending],
		InFlight:  q.counts[models.StatusInFlight],
	}
}

// inFlightEntry 调用方需持有q.mu
func (q *RequestQueue) inFlightEntry(uniqueKey string) (*queueEntry, error) {
	entry, ok := q.entries[uniqueKey]
	if !ok {
		return nil, fmt.Errorf("未知请求 [%s]", uniqueKey)
	}
	if entry.status != models.StatusInFlight {
		return nil, fmt.Errorf("%w: %s (当前状态=%s)", ErrNotInFlight, uniqueKey, entry.status)
	}
	return entry, nil
}

// transition 调用方需持有q.mu
func (q *RequestQueue) transition(uniqueKey string, to models.RequestStatus) {
	entry := q.entries[uniqueKey]
	q.counts[entry.status]--
	entry.status = to
	q.counts[to]++
}

// save 调用方需持有q.mu
func (q *RequestQueue) save(ctx context.Context, what string, records ...models.QueueRecord) error {
	if err := q.store.SaveRequests(ctx, records); err != nil {
		return fmt.Errorf("%w: 持久化%s失败: %w", ErrNotPersisted, what, err)
	}
	return nil
}

func (q *RequestQueue) record(req *models.CrawlRequest, status models.RequestStatus) models.QueueRecord {
	return models.QueueRecord{
		QueueID:   q.cfg.QueueID,
		Request:   *req,
		Status:    status,
		UpdatedAt: time.Now(),
	}
}
