package crawlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

// DefaultMaxErrorGroups 默认最多保留的错误组数
const DefaultMaxErrorGroups = 100

// 消息归一化规则,按顺序应用
var messageNormalizers = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']+`), "<url>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<id>"},
	{regexp.MustCompile(`"[^"]*"|'[^']*'`), "<str>"},
	{regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{8,}\b`), "<id>"},
	{regexp.MustCompile(`\d+(\.\d+)?`), "<n>"},
}

// NormalizeErrorMessage 把消息中的可变部分替换为占位符
func NormalizeErrorMessage(msg string) string {
	for _, n := range messageNormalizers {
		msg = n.re.ReplaceAllString(msg, n.repl)
	}
	return msg
}

// ErrorTypeName 返回错误链最内层错误的类型名
func ErrorTypeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// ErrorSignature 错误分组键: 类型名 + 归一化消息
func ErrorSignature(err error) string {
	return ErrorTypeName(err) + ": " + NormalizeErrorMessage(err.Error())
}

// ErrorTrackerConfig 错误追踪配置
type ErrorTrackerConfig struct {
	MaxGroups int // 最多保留的错误组 (默认:100)

	// SnapshotEvery 除首次外每N次出现再快照一次, 0表示仅首次
	SnapshotEvery int
}

// ErrorTracker 错误分组统计
// 组数有上限,超出时淘汰出现次数最少的组(相同则淘汰最久未出现的),并删除其快照
type ErrorTracker struct {
	cfg         ErrorTrackerConfig
	snapshotter ErrorSnapshotter

	mu     sync.Mutex
	groups map[string]*models.ErrorGroup
	total  int
}

// NewErrorTracker 创建错误追踪器, snapshotter可为nil
func NewErrorTracker(cfg ErrorTrackerConfig, snapshotter ErrorSnapshotter) *ErrorTracker {
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = DefaultMaxErrorGroups
	}
	return &ErrorTracker{
		cfg:         cfg,
		snapshotter: snapshotter,
		groups:      make(map[string]*models.ErrorGroup),
	}
}

// Add 记录一次错误,返回其所属错误组的副本
func (t *ErrorTracker) Add(ctx context.Context, err error, ectx models.ErrorContext) models.ErrorGroup {
	if err == nil {
		return models.ErrorGroup{}
	}

	sig := ErrorSignature(err)
	now := time.Now()

	var capture *models.ErrorSnapshot
	var evictedSnapshot string

	t.mu.Lock()
	t.total++
	g, ok := t.groups[sig]
	if !ok {
		g = &models.ErrorGroup{
			Signature: sig,
			ErrorType: ErrorTypeName(err),
			Message:   NormalizeErrorMessage(err.Error()),
			FirstSeen: now,
		}
		t.groups[sig] = g
		evictedSnapshot = t.evictLocked(sig)
	}
	g.Count++
	g.LastSeen = now
	g.LastURL = ectx.URL

	if t.snapshotter != nil && (g.Count == 1 || (t.cfg.SnapshotEvery > 0 && g.Count%t.cfg.SnapshotEvery == 0)) {
		snap := models.ErrorSnapshot{
			ID:         models.NewID(),
			Signature:  sig,
			ErrorType:  g.ErrorType,
			Message:    err.Error(),
			Context:    ectx,
			CapturedAt: now,
		}
		if g.SnapshotID != "" && evictedSnapshot == "" {
			evictedSnapshot = g.SnapshotID
		}
		g.SnapshotID = snap.ID
		capture = &snap
	}
	out := *g
	t.mu.Unlock()

	if t.snapshotter != nil {
		if evictedSnapshot != "" {
			if err := t.snapshotter.Remove(ctx, evictedSnapshot); err != nil {
				log.Warn().Err(err).Str("snapshot", evictedSnapshot).Msg("删除错误快照失败")
			}
		}
		if capture != nil {
			if err := t.snapshotter.Capture(ctx, *capture); err != nil {
				log.Warn().Err(err).Str("signature", sig).Msg("保存错误快照失败")
			}
		}
	}

	return out
}

// evictLocked 组数超限时淘汰一个组(不淘汰keep),返回被淘汰组的快照ID
func (t *ErrorTracker) evictLocked(keep string) string {
	if len(t.groups) <= t.cfg.MaxGroups {
		return ""
	}

	var victim *models.ErrorGroup
	for sig, g := range t.groups {
		if sig == keep {
			continue
		}
		if victim == nil || g.Count < victim.Count || (g.Count == victim.Count && g.LastSeen.Before(victim.LastSeen)) {
			victim = g
		}
	}
	if victim == nil {
		return ""
	}

	delete(t.groups, victim.Signature)
	log.Debug().Str("signature", victim.Signature).Int("count", victim.Count).Msg("错误组超限,淘汰")
	return victim.SnapshotID
}

// Groups 按出现次数降序返回所有错误组
func (t *ErrorTracker) Groups() []models.ErrorGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.ErrorGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Total 记录过的错误总数(含已淘汰组)
func (t *ErrorTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
