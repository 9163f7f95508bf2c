package crawlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// ErrorSnapshotter 错误诊断快照的保存位置
type ErrorSnapshotter interface {
	// Capture 保存快照,超出容量时淘汰最早的快照
	Capture(ctx context.Context, snap models.ErrorSnapshot) error

	// Remove 删除快照(所属错误组被淘汰时)
	Remove(ctx context.Context, id string) error
}

// DefaultMaxSnapshots 默认保留的快照数
const DefaultMaxSnapshots = 50

// MemorySnapshotter 内存快照
type MemorySnapshotter struct {
	max int

	mu    sync.Mutex
	order []string
	snaps map[string]models.ErrorSnapshot
}

// NewMemorySnapshotter 创建内存快照器
func NewMemorySnapshotter(maxSnapshots int) *MemorySnapshotter {
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	return &MemorySnapshotter{
		max:   maxSnapshots,
		snaps: make(map[string]models.ErrorSnapshot),
	}
}

// Capture 保存快照
func (m *MemorySnapshotter) Capture(_ context.Context, snap models.ErrorSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snaps[snap.ID]; !ok {
		m.order = append(m.order, snap.ID)
	}
	m.snaps[snap.ID] = snap

	for len(m.order) > m.max {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.snaps, oldest)
	}
	return nil
}

// Remove 删除快照
func (m *MemorySnapshotter) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snaps[id]; !ok {
		return nil
	}
	delete(m.snaps, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get 按ID读取快照
func (m *MemorySnapshotter) Get(id string) (models.ErrorSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	return s, ok
}

// Snapshots 按捕获顺序返回所有快照
func (m *MemorySnapshotter) Snapshots() []models.ErrorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ErrorSnapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.snaps[id])
	}
	return out
}

// FileSnapshotter 每个快照一个JSON文件: <dir>/<id>.json
type FileSnapshotter struct {
	dir string
	max int

	mu    sync.Mutex
	order []string
}

// NewFileSnapshotter 创建文件快照器
func NewFileSnapshotter(dir string, maxSnapshots int) (*FileSnapshotter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建快照目录失败 [%s]: %w", dir, err)
	}
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	return &FileSnapshotter{dir: dir, max: maxSnapshots}, nil
}

// Capture 写入快照文件
func (f *FileSnapshotter) Capture(_ context.Context, snap models.ErrorSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化错误快照失败: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.WriteFile(f.path(snap.ID), data, 0644); err != nil {
		return fmt.Errorf("写入错误快照失败: %w", err)
	}
	f.order = append(f.order, snap.ID)

	for len(f.order) > f.max {
		oldest := f.order[0]
		f.order = f.order[1:]
		if err := os.Remove(f.path(oldest)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("淘汰错误快照失败: %w", err)
		}
	}
	return nil
}

// Remove 删除快照文件
func (f *FileSnapshotter) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除错误快照失败: %w", err)
	}
	return nil
}

func (f *FileSnapshotter) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}
