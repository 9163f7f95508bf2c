package crawlers

import (
	"fmt"
	"strings"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// QueueStrategy 待处理请求的排序策略
// 纯函数对象: 无副作用、无I/O,构造后整个运行期间复用
type QueueStrategy interface {
	// Name 策略名称
	Name() string

	// Less 报告a是否应先于b出队
	Less(a, b *models.CrawlRequest) bool
}

type fifoStrategy struct{}

func (fifoStrategy) Name() string { return "fifo" }

func (fifoStrategy) Less(a, b *models.CrawlRequest) bool { return a.Seq < b.Seq }

type lifoStrategy struct{}

func (lifoStrategy) Name() string { return "lifo" }

func (lifoStrategy) Less(a, b *models.CrawlRequest) bool { return a.Seq > b.Seq }

// priorityStrategy Priority大者优先,相同优先级按入队顺序
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return "priority" }

func (priorityStrategy) Less(a, b *models.CrawlRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// breadthFirstStrategy 浅层优先,同层按入队顺序
type breadthFirstStrategy struct{}

func (breadthFirstStrategy) Name() string { return "breadth-first" }

func (breadthFirstStrategy) Less(a, b *models.CrawlRequest) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Seq < b.Seq
}

// CreateQueueStrategy 按名称创建排序策略
// 空名称使用fifo
func CreateQueueStrategy(name string) (QueueStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fifo":
		return fifoStrategy{}, nil
	case "lifo":
		return lifoStrategy{}, nil
	case "priority":
		return priorityStrategy{}, nil
	case "breadth-first", "bfs":
		return breadthFirstStrategy{}, nil
	default:
		return nil, fmt.Errorf("未知的队列策略: %s", name)
	}
}

// pendingHeap 按策略排序的待处理堆,实现container/heap接口
type pendingHeap struct {
	items    []*models.CrawlRequest
	strategy QueueStrategy
}

func (h *pendingHeap) Len() int { return len(h.items) }

func (h *pendingHeap) Less(i, j int) bool { return h.strategy.Less(h.items[i], h.items[j]) }

func (h *pendingHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *pendingHeap) Push(x any) { h.items = append(h.items, x.(*models.CrawlRequest)) }

func (h *pendingHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}
