package models

import "time"

// RequestStatus 请求在队列中的状态
// 同一UniqueKey任意时刻只处于其中一个状态
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"   // 待抓取
	StatusInFlight  RequestStatus = "in_flight" // 已派发,等待结果
	StatusCompleted RequestStatus = "completed" // 已完成
	StatusFailed    RequestStatus = "failed"    // 最终失败(重试耗尽或永久错误)
)

// IsTerminal 是否为终态
func (s RequestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueueRecord 队列持久化记录
// 用途:
//   - 由QueueStore按queueID保存和加载
//   - 进程重启后据此恢复队列
type QueueRecord struct {
	QueueID   string        `json:"queue_id"`
	Request   CrawlRequest  `json:"request"`
	Status    RequestStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// QueueStats 队列统计
// 守恒: Pending + InFlight + Completed + Failed == Total
type QueueStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	InFlight  int `json:"inFlight"`
}
