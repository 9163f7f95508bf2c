package crawlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrPoolRunning 对正在运行的池再次调用Run
var ErrPoolRunning = errors.New("自适应池已在运行")

// AutoscaledPoolOptions 自适应池配置
type AutoscaledPoolOptions struct {
	MinConcurrency     int
	MaxConcurrency     int
	DesiredConcurrency int // 初始并发数,0时从MinConcurrency开始

	ScaleInterval      time.Duration // 扩缩容检查周期 (默认:2s)
	ScaleUpStepRatio   float64       // 扩容步长比例 (默认:0.25)
	ScaleDownStepRatio float64       // 缩容步长比例 (默认:0.25)
	MaybeRunInterval   time.Duration // 无事件时的派发轮询周期 (默认:50ms)
	MaxErrorRatio      float64       // 一个周期内任务失败率超过该值时缩容 (默认:0.5)

	// TaskFn 执行一个任务;返回的错误只用于扩缩容统计
	TaskFn func(ctx context.Context) error

	// IsTaskReadyFn 是否有可派发的任务
	// 派发后的任务认领工作之前,池会再次调用它;已派发未认领的任务应从可派发的工作中扣除,
	// 否则会多派发空转的任务并被误判为积压而扩容
	IsTaskReadyFn func(ctx context.Context) bool

	// IsFinishedFn 在没有运行中任务时调用,返回true则Run结束
	IsFinishedFn func(ctx context.Context) bool

	// Monitor 系统负载信号,可为nil
	Monitor LoadMonitor
}

// AutoscaledPool 自适应并发池
// 驱动"派发直到完成"循环,并发数在[Min, Max]之间按负载调整:
//   - 负载监控的ShouldScaleDown返回true: desired设为其目标值(等于当前值时只是不再扩容)
//   - 周期内负载监控报告过载,或任务失败率超过MaxErrorRatio: 缩容一步
//   - 否则若周期内出现"有就绪任务但并发已满": 扩容一步
//   - 否则若周期内没有派发也没有运行中任务: 缩容一步
//
// 步长为max(1, ceil(desired*ratio))。持续积压时desired单调增长到Max并保持
type AutoscaledPool struct {
	opts AutoscaledPoolOptions

	mu      sync.Mutex
	desired int
	running int
	paused  bool
	stopped bool

	// 当前扩缩容周期的统计
	dispatched int
	succeeded  int
	failed     int
	saturated  bool

	wake     chan struct{}
	wg       sync.WaitGroup
	isActive atomic.Bool
}

// NewAutoscaledPool 创建自适应池
func NewAutoscaledPool(opts AutoscaledPoolOptions) (*AutoscaledPool, error) {
	if opts.TaskFn == nil || opts.IsTaskReadyFn == nil || opts.IsFinishedFn == nil {
		return nil, fmt.Errorf("TaskFn/IsTaskReadyFn/IsFinishedFn不能为空")
	}
	if opts.MinConcurrency < 1 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency < opts.MinConcurrency {
		opts.MaxConcurrency = opts.MinConcurrency
	}
	if opts.ScaleInterval <= 0 {
		opts.ScaleInterval = 2 * time.Second
	}
	if opts.ScaleUpStepRatio <= 0 {
		opts.ScaleUpStepRatio = 0.25
	}
	if opts.ScaleDownStepRatio <= 0 {
		opts.ScaleDownStepRatio = 0.25
	}
	if opts.MaybeRunInterval <= 0 {
		opts.MaybeRunInterval = 50 * time.Millisecond
	}
	if opts.MaxErrorRatio <= 0 {
		opts.MaxErrorRatio = 0.5
	}

	desired := opts.DesiredConcurrency
	if desired == 0 {
		desired = opts.MinConcurrency
	}

	p := &AutoscaledPool{
		opts: opts,
		wake: make(chan struct{}, 1),
	}
	p.desired = p.clamp(desired)
	return p, nil
}

// Run 运行直到IsFinishedFn返回true或Stop完成
// 上下文取消时停止派发,等待运行中任务结束后返回ctx.Err()
func (p *AutoscaledPool) Run(ctx context.Context) error {
	if !p.isActive.CompareAndSwap(false, true) {
		return ErrPoolRunning
	}
	defer p.isActive.Store(false)

	scaleTicker := time.NewTicker(p.opts.ScaleInterval)
	defer scaleTicker.Stop()
	pollTicker := time.NewTicker(p.opts.MaybeRunInterval)
	defer pollTicker.Stop()

	log.Debug().Int("min", p.opts.MinConcurrency).Int("max", p.opts.MaxConcurrency).Int("desired", p.DesiredConcurrency()).Msg("自适应池启动")

	for {
		p.maybeDispatch(ctx)

		if p.done(ctx) {
			p.wg.Wait()
			log.Debug().Msg("自适应池结束")
			return nil
		}

		select {
		case <-ctx.Done():
			p.Stop()
			p.wg.Wait()
			return ctx.Err()
		case <-scaleTicker.C:
			p.autoscale()
		case <-pollTicker.C:
		case <-p.wake:
		}
	}
}

// maybeDispatch 在并发未满、未暂停、未停止且有就绪任务时派发
func (p *AutoscaledPool) maybeDispatch(ctx context.Context) {
	for {
		p.mu.Lock()
		blocked := p.stopped || p.paused
		full := p.running >= p.desired
		p.mu.Unlock()

		if blocked || ctx.Err() != nil {
			return
		}
		if !p.opts.IsTaskReadyFn(ctx) {
			return
		}

		p.mu.Lock()
		if full || p.running >= p.desired {
			p.saturated = true
			p.mu.Unlock()
			return
		}
		p.running++
		p.dispatched++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runTask(ctx)
	}
}

func (p *AutoscaledPool) runTask(ctx context.Context) {
	defer p.wg.Done()

	err := p.safeTask(ctx)

	p.mu.Lock()
	p.running--
	if err != nil {
		p.failed++
	} else {
		p.succeeded++
	}
	p.mu.Unlock()

	p.notify()
}

// safeTask 任务panic被恢复并计为失败
func (p *AutoscaledPool) safeTask(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("任务panic: %v", r)
			err = fmt.Errorf("任务panic: %v", r)
		}
	}()
	return p.opts.TaskFn(ctx)
}

// done 没有运行中任务时,已停止或IsFinishedFn为true即结束
func (p *AutoscaledPool) done(ctx context.Context) bool {
	p.mu.Lock()
	running := p.running
	stopped := p.stopped
	p.mu.Unlock()

	if running > 0 {
		return false
	}
	if stopped {
		return true
	}
	return p.opts.IsFinishedFn(ctx)
}

// autoscale 按上一个周期的统计调整desired
func (p *AutoscaledPool) autoscale() {
	var (
		shrinkTo   = -1
		overloaded bool
		reason     string
	)
	if p.opts.Monitor != nil {
		p.mu.Lock()
		current := p.desired
		p.mu.Unlock()

		if shrink, target, why := p.opts.Monitor.ShouldScaleDown(current); shrink {
			shrinkTo, reason = target, why
		} else if ok, why := p.opts.Monitor.CheckResourceAvailability(); !ok {
			overloaded, reason = true, why
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.desired
	total := p.succeeded + p.failed
	errorRatio := 0.0
	if total > 0 {
		errorRatio = float64(p.failed) / float64(total)
	}

	switch {
	case shrinkTo >= 0:
		p.desired = p.clamp(shrinkTo)
	case overloaded:
		p.desired = p.clamp(p.desired - p.step(p.opts.ScaleDownStepRatio))
	case errorRatio > p.opts.MaxErrorRatio:
		p.desired = p.clamp(p.desired - p.step(p.opts.ScaleDownStepRatio))
		reason = fmt.Sprintf("失败率过高(%.0f%%)", errorRatio*100)
	case p.saturated:
		p.desired = p.clamp(p.desired + p.step(p.opts.ScaleUpStepRatio))
		reason = "任务积压"
	case p.dispatched == 0 && p.running == 0:
		p.desired = p.clamp(p.desired - p.step(p.opts.ScaleDownStepRatio))
		reason = "空闲"
	}

	if p.desired != old {
		log.Debug().Int("from", old).Int("to", p.desired).Int("running", p.running).Str("reason", reason).Msg("调整并发数")
	}

	p.dispatched, p.succeeded, p.failed = 0, 0, 0
	p.saturated = false
}

// step 调用方需持有p.mu
func (p *AutoscaledPool) step(ratio float64) int {
	s := int(math.Ceil(float64(p.desired) * ratio))
	if s < 1 {
		s = 1
	}
	return s
}

func (p *AutoscaledPool) clamp(n int) int {
	if n < p.opts.MinConcurrency {
		return p.opts.MinConcurrency
	}
	if n > p.opts.MaxConcurrency {
		return p.opts.MaxConcurrency
	}
	return n
}

func (p *AutoscaledPool) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop 停止派发新任务,运行中任务继续执行直到结束
func (p *AutoscaledPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.notify()
}

// Pause 暂停派发
func (p *AutoscaledPool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume 恢复派发
func (p *AutoscaledPool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.notify()
}

// IsPaused 是否处于暂停状态
func (p *AutoscaledPool) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// CurrentConcurrency 运行中的任务数
func (p *AutoscaledPool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// DesiredConcurrency 当前目标并发数
func (p *AutoscaledPool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}
