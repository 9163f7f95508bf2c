package crawlers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// LoadMonitor 自适应池使用的系统负载信号
type LoadMonitor interface {
	// CheckResourceAvailability 资源是否允许继续扩容,不允许时返回原因
	CheckResourceAvailability() (ok bool, reason string)

	// ShouldScaleDown 是否由监控接管并发数,以及目标并发数
	// target等于current表示保持当前值(暂停扩容)
	ShouldScaleDown(current int) (shouldScale bool, target int, reason string)
}

// ResourceMonitor 系统资源监控器
// 职责: 周期采样系统可用内存和CPU,为自适应池提供过载信号
type ResourceMonitor struct {
	config ResourceMonitorConfig

	// 最近一次采样
	mu           sync.RWMutex
	availableMem uint64
	totalMem     uint64
	heapAlloc    uint64
	cpuUsage     float64
	sampledAt    time.Time

	cancelFunc context.CancelFunc
	isRunning  bool
}

// ResourceMonitorConfig 资源监控器配置
type ResourceMonitorConfig struct {
	SafetyThreshold   int64 // 可用内存低于该值时停止扩容(字节)
	CPULoadThreshold  int   // CPU负载阈值(%), >=200视为禁用
	MaxWorkersLimit   int   // 绝对最大worker数
	WorkerMemoryUsage int64 // 单个worker平均内存消耗(字节)
}

// MemoryStatus 内存状态信息
type MemoryStatus struct {
	TotalMemory     uint64 // 系统总内存(字节)
	AvailableMemory uint64 // 系统可用内存(字节)
	HeapAlloc       uint64 // 本进程堆内存(字节)
	SafetyThreshold int64
	MemoryPressure  string // normal|warning|critical|emergency
}

// NewResourceMonitor 创建资源监控器并立即采样一次
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.WorkerMemoryUsage == 0 {
		config.WorkerMemoryUsage = 16 * 1024 * 1024
	}
	if config.SafetyThreshold == 0 {
		config.SafetyThreshold = 256 * 1024 * 1024
	}
	if config.CPULoadThreshold == 0 {
		config.CPULoadThreshold = 90
	}

	rm := &ResourceMonitor{config: config}
	rm.sampleMemory()

	rm.mu.RLock()
	log.Debug().Msgf("系统总内存: %.2f GB, 可用: %.2f GB",
		float64(rm.totalMem)/(1024*1024*1024), float64(rm.availableMem)/(1024*1024*1024))
	rm.mu.RUnlock()

	return rm
}

// StartMonitoring 启动后台采样,重复调用无副作用
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go rm.monitoringLoop(ctx, interval)
}

// StopMonitoring 停止后台采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sampleMemory()
			usage := sampleCPU()
			rm.mu.Lock()
			rm.cpuUsage = usage
			rm.mu.Unlock()
		}
	}
}

// sampleMemory 采样系统内存和进程堆内存
func (rm *ResourceMonitor) sampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	vm, err := mem.VirtualMemory()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.heapAlloc = ms.HeapAlloc
	rm.sampledAt = time.Now()
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,沿用上次采样")
		return
	}
	rm.totalMem = vm.Total
	rm.availableMem = vm.Available
}

// sampleCPU 所有核心的平均CPU使用率(%)
func sampleCPU() float64 {
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("获取CPU使用率失败")
		return 0
	}
	if len(percentages) == 0 {
		return 0
	}
	return percentages[0]
}

// CalculateMaxWorkers 基于可用内存计算允许的最大worker数
func (rm *ResourceMonitor) CalculateMaxWorkers() int {
	rm.mu.RLock()
	available := int64(rm.availableMem)
	rm.mu.RUnlock()

	result := 1
	if available > rm.config.SafetyThreshold {
		result = int((available - rm.config.SafetyThreshold) / rm.config.WorkerMemoryUsage)
	}
	if rm.config.MaxWorkersLimit > 0 && rm.config.MaxWorkersLimit < result {
		result = rm.config.MaxWorkersLimit
	}
	if result < 1 {
		result = 1
	}
	return result
}

// CheckResourceAvailability 检查资源是否允许继续扩容
func (rm *ResourceMonitor) CheckResourceAvailability() (bool, string) {
	rm.mu.RLock()
	available := int64(rm.availableMem)
	usage := rm.cpuUsage
	rm.mu.RUnlock()

	if available < rm.config.SafetyThreshold {
		return false, fmt.Sprintf("内存不足(当前%dMB)", available/(1024*1024))
	}

	if rm.config.CPULoadThreshold < 200 && usage > float64(rm.config.CPULoadThreshold) {
		return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", usage)
	}

	return true, ""
}

// GetMemoryStatus 获取当前内存状态
func (rm *ResourceMonitor) GetMemoryStatus() MemoryStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	return MemoryStatus{
		TotalMemory:     rm.totalMem,
		AvailableMemory: rm.availableMem,
		HeapAlloc:       rm.heapAlloc,
		SafetyThreshold: rm.config.SafetyThreshold,
		MemoryPressure:  memoryPressure(int64(rm.availableMem)/(1024*1024), rm.config.SafetyThreshold/(1024*1024)),
	}
}

// memoryPressure 按可用内存相对安全阈值的倍数分级
func memoryPressure(availableMB, thresholdMB int64) string {
	switch {
	case availableMB < thresholdMB/2:
		return "emergency"
	case availableMB < thresholdMB:
		return "critical"
	case availableMB < thresholdMB*2:
		return "warning"
	default:
		return "normal"
	}
}

// ShouldScaleDown 渐进式降级
//   - emergency: 缩减到1
//   - critical: 缩减一半
//   - warning: 暂停扩容但不缩减
func (rm *ResourceMonitor) ShouldScaleDown(current int) (bool, int, string) {
	status := rm.GetMemoryStatus()
	availableMB := int64(status.AvailableMemory) / (1024 * 1024)

	switch status.MemoryPressure {
	case "emergency":
		log.Error().Msgf("内存紧急状态(当前%dMB),强制缩减并发至1", availableMB)
		return true, 1, fmt.Sprintf("内存严重不足(当前%dMB)", availableMB)
	case "critical":
		target := current / 2
		if target < 1 {
			target = 1
		}
		log.Warn().Msgf("内存严重不足(当前%dMB),缩减并发至%d", availableMB, target)
		return true, target, fmt.Sprintf("内存不足(当前%dMB)", availableMB)
	case "warning":
		return true, current, fmt.Sprintf("内存偏紧(当前%dMB),暂停扩容", availableMB)
	default:
		return false, current, ""
	}
}
