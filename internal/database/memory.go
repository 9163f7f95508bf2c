package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// MemoryStore 内存存储,进程退出即丢失
// 用于不需要恢复的运行和测试
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]map[string]models.QueueRecord // queueID -> uniqueKey -> record
	states   map[string]models.CrawlerState
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]map[string]models.QueueRecord),
		states:   make(map[string]models.CrawlerState),
	}
}

// SaveRequests 写入队列记录
func (m *MemoryStore) SaveRequests(_ context.Context, records []models.QueueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		q, ok := m.requests[rec.QueueID]
		if !ok {
			q = make(map[string]models.QueueRecord)
			m.requests[rec.QueueID] = q
		}
		q[rec.Request.UniqueKey] = rec
	}
	return nil
}

// LoadRequests 加载队列记录,按seq排序
func (m *MemoryStore) LoadRequests(_ context.Context, queueID string) ([]models.QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.requests[queueID]
	records := make([]models.QueueRecord, 0, len(q))
	for _, rec := range q {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Request.Seq < records[j].Request.Seq })
	return records, nil
}

// SaveState 覆盖写入状态快照
func (m *MemoryStore) SaveState(_ context.Context, state models.CrawlerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.QueueID] = state
	return nil
}

// LoadState 读取状态快照
func (m *MemoryStore) LoadState(_ context.Context, queueID string) (*models.CrawlerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[queueID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// FileStateStore JSON文件状态存储
// 每个queueID一个文件: <dir>/state_<queueID>.json
type FileStateStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStateStore 创建文件状态存储
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建状态目录失败 [%s]: %w", dir, err)
	}
	return &FileStateStore{dir: dir}, nil
}

// SaveState 覆盖写入状态文件
func (f *FileStateStore) SaveState(_ context.Context, state models.CrawlerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return state.SaveToFile(filepath.Join(f.dir, models.StateFilename(state.QueueID)))
}

// LoadState 读取状态文件,不存在时返回(nil, nil)
func (f *FileStateStore) LoadState(_ context.Context, queueID string) (*models.CrawlerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := models.LoadStateFromFile(filepath.Join(f.dir, models.StateFilename(queueID)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return state, err
}
