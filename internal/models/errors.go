package models

import "time"

// ErrorContext 错误发生时的上下文(快照内容)
type ErrorContext struct {
	URL        string         `json:"url,omitempty"`
	UniqueKey  string         `json:"unique_key,omitempty"`
	Depth      int            `json:"depth"`
	RetryCount int            `json:"retry_count"`
	SessionID  string         `json:"session_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ErrorGroup 同一签名错误的聚合
type ErrorGroup struct {
	Signature  string    `json:"signature"`
	ErrorType  string    `json:"error_type"`
	Message    string    `json:"message"` // 归一化后的消息
	Count      int       `json:"count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	LastURL    string    `json:"last_url,omitempty"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
}

// ErrorSnapshot 错误诊断快照
type ErrorSnapshot struct {
	ID         string       `json:"id"`
	Signature  string       `json:"signature"`
	ErrorType  string       `json:"error_type"`
	Message    string       `json:"message"` // 原始错误消息
	Context    ErrorContext `json:"context"`
	CapturedAt time.Time    `json:"captured_at"`
}
