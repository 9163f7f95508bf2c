package models

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Phase 引擎运行阶段
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSeeding  Phase = "seeding"
	PhaseCrawling Phase = "crawling"
	PhasePaused   Phase = "paused"
	PhaseFinished Phase = "finished"
)

// CrawlerState 爬取进度快照
// 仅用于观测和恢复,是队列状态的派生投影,可被覆盖;队列本身才是权威数据
type CrawlerState struct {
	QueueID           string  `json:"queueId"`
	LastProcessedURL  *string `json:"lastProcessedUrl"`
	Phase             Phase   `json:"phase"`
	TotalRequests     int     `json:"totalRequests"`
	CompletedRequests int     `json:"completedRequests"`
	FailedRequests    int     `json:"failedRequests"`
	Timestamp         int64   `json:"timestamp"` // 毫秒时间戳
}

// NewCrawlerState 由运行状态和队列统计合成快照
func NewCrawlerState(queueID string, lastURL string, phase Phase, stats QueueStats, now time.Time) CrawlerState {
	state := CrawlerState{
		QueueID:           queueID,
		Phase:             phase,
		TotalRequests:     stats.Total,
		CompletedRequests: stats.Completed,
		FailedRequests:    stats.Failed,
		Timestamp:         now.UnixMilli(),
	}
	if lastURL != "" {
		state.LastProcessedURL = &lastURL
	}
	return state
}

// Time 返回快照时间
func (s CrawlerState) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// StateFilename 生成状态文件名
func StateFilename(queueID string) string {
	return fmt.Sprintf("state_%s.json", queueID)
}

// ToJSON 序列化为JSON
func (s *CrawlerState) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromJSON 从JSON反序列化
func (s *CrawlerState) FromJSON(data []byte) error {
	return json.Unmarshal(data, s)
}

// SaveToFile 保存到文件
// 先写临时文件再重命名,避免进程中断时留下半截快照
func (s *CrawlerState) SaveToFile(filepath string) error {
	data, err := s.ToJSON()
	if err != nil {
		return err
	}
	tmp := filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath)
}

// LoadStateFromFile 从文件加载
func LoadStateFromFile(filepath string) (*CrawlerState, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var state CrawlerState
	if err := state.FromJSON(data); err != nil {
		return nil, err
	}

	return &state, nil
}
