package crawlers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// DefaultPersistInterval 默认状态持久化周期
const DefaultPersistInterval = 60 * time.Second

// StateStore 状态快照存储
// 实现: database.CrawlDB, database.MemoryStore, database.FileStateStore
type StateStore interface {
	SaveState(ctx context.Context, state models.CrawlerState) error
	LoadState(ctx context.Context, queueID string) (*models.CrawlerState, error)
}

// StatePersisterConfig 状态持久化配置
type StatePersisterConfig struct {
	Interval time.Duration // 周期 (默认:60s)
	Signals  []os.Signal   // 触发关闭钩子的信号 (默认:SIGINT, SIGTERM)
}

// StatePersister 周期性和关闭时的状态快照
type StatePersister struct {
	cfg   StatePersisterConfig
	store StateStore

	// 关闭钩子
	hookMu    sync.Mutex
	hooks     map[int]func()
	nextHook  int
	sigCh     chan os.Signal
	sigDone   chan struct{}
	hooksOnce sync.Once

	// 周期持久化
	periodicMu sync.Mutex
	cancel     context.CancelFunc
	loopDone   chan struct{}
	inflight   sync.WaitGroup
	busy       atomic.Bool
	skipped    atomic.Int64
}

// NewStatePersister 创建状态持久化器
func NewStatePersister(cfg StatePersisterConfig, store StateStore) *StatePersister {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPersistInterval
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	return &StatePersister{
		cfg:   cfg,
		store: store,
		hooks: make(map[int]func()),
	}
}

// RegisterShutdownHook 注册关闭钩子,收到终止信号时执行一次
// 返回的函数用于注销
func (p *StatePersister) RegisterShutdownHook(fn func()) (unregister func()) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()

	id := p.nextHook
	p.nextHook++
	p.hooks[id] = fn

	if p.sigCh == nil {
		p.sigCh = make(chan os.Signal, 1)
		p.sigDone = make(chan struct{})
		signal.Notify(p.sigCh, p.cfg.Signals...)
		go p.waitSignal(p.sigCh, p.sigDone)
	}

	return func() {
		p.hookMu.Lock()
		defer p.hookMu.Unlock()
		delete(p.hooks, id)
	}
}

// waitSignal 只处理第一个信号;之后恢复默认行为,再次Ctrl-C可直接终止进程
func (p *StatePersister) waitSignal(ch chan os.Signal, done chan struct{}) {
	select {
	case sig := <-ch:
		signal.Stop(ch)
		log.Warn().Msgf("收到中断信号: %v, 正在保存状态...(再次发送将强制退出)", sig)
		p.RunShutdownHooks()
	case <-done:
	}
}

// RunShutdownHooks 执行所有关闭钩子,多次调用只生效一次
func (p *StatePersister) RunShutdownHooks() {
	p.hooksOnce.Do(func() {
		p.hookMu.Lock()
		hooks := make([]func(), 0, len(p.hooks))
		for i := 0; i < p.nextHook; i++ {
			if fn, ok := p.hooks[i]; ok {
				hooks = append(hooks, fn)
			}
		}
		p.hookMu.Unlock()

		for _, fn := range hooks {
			fn()
		}
	})
}

// StartPeriodicPersist 每个周期调用一次fn
// 上一次fn尚未返回时本次触发被跳过而不是排队
func (p *StatePersister) StartPeriodicPersist(ctx context.Context, fn func(ctx context.Context) error) {
	p.periodicMu.Lock()
	defer p.periodicMu.Unlock()

	if p.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.loopDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if !p.busy.CompareAndSwap(false, true) {
					p.skipped.Add(1)
					log.Debug().Msg("上一次状态持久化尚未完成,跳过本次")
					continue
				}
				p.inflight.Add(1)
				go func() {
					defer p.inflight.Done()
					defer p.busy.Store(false)
					if err := fn(loopCtx); err != nil {
						log.Error().Err(err).Msg("周期性状态持久化失败")
					}
				}()
			}
		}
	}(p.loopDone)
}

// StopPeriodicPersist 停止周期持久化,等待进行中的一次结束
func (p *StatePersister) StopPeriodicPersist() {
	p.periodicMu.Lock()
	cancel, done := p.cancel, p.loopDone
	p.cancel, p.loopDone = nil, nil
	p.periodicMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.inflight.Wait()
}

// SkippedTicks 因重叠被跳过的周期数
func (p *StatePersister) SkippedTicks() int64 {
	return p.skipped.Load()
}

// Persist 用队列统计覆盖快照计数后写入存储,覆盖该queueID的上一份快照
func (p *StatePersister) Persist(ctx context.Context, state models.CrawlerState, stats models.QueueStats) error {
	state.TotalRequests = stats.Total
	state.CompletedRequests = stats.Completed
	state.FailedRequests = stats.Failed
	if state.Timestamp == 0 {
		state.Timestamp = time.Now().UnixMilli()
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("保存状态快照失败 [%s]: %w", state.QueueID, err)
	}
	log.Debug().Str("queue_id", state.QueueID).Str("phase", string(state.Phase)).Int("completed", stats.Completed).Msg("状态快照已保存")
	return nil
}

// Load 读取queueID的上一份快照,不存在时返回nil
func (p *StatePersister) Load(ctx context.Context, queueID string) (*models.CrawlerState, error) {
	return p.store.LoadState(ctx, queueID)
}

// Close 停止周期持久化并解除信号监听
func (p *StatePersister) Close() {
	p.StopPeriodicPersist()

	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	if p.sigCh != nil {
		signal.Stop(p.sigCh)
		close(p.sigDone)
		p.sigCh = nil
	}
}
