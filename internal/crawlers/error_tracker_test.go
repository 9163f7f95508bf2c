package crawlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

type customError struct{ msg string }

func (e *customError) Error() string { return e.msg }

func TestNormalizeErrorMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"URL", "GET https://example.com/a?b=1 failed", "GET <url> failed"},
		{"数字", "timeout after 30.5 seconds (attempt 3)", "timeout after <n> seconds (attempt <n>)"},
		{"UUID", "session 123e4567-e89b-12d3-a456-426614174000 expired", "session <id> expired"},
		{"十六进制ID", "object 0xdeadbeef01 missing", "object <id> missing"},
		{"引号字符串", `unexpected token "foo" in 'bar'`, "unexpected token <str> in <str>"},
		{"无可变部分", "connection refused", "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeErrorMessage(tt.input); got != tt.want {
				t.Errorf("NormalizeErrorMessage(%q) = %q, 期望 %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestErrorTypeName(t *testing.T) {
	inner := &customError{msg: "inner"}
	wrapped := fmt.Errorf("外层: %w", fmt.Errorf("中间: %w", inner))
	if got := ErrorTypeName(wrapped); got != "*crawlers.customError" {
		t.Errorf("ErrorTypeName() = %q, 期望最内层类型", got)
	}
	if got := ErrorTypeName(errors.New("x")); got != "*errors.errorString" {
		t.Errorf("ErrorTypeName() = %q", got)
	}
}

func TestErrorTracker_Grouping(t *testing.T) {
	ctx := context.Background()
	tracker := NewErrorTracker(ErrorTrackerConfig{}, nil)

	tracker.Add(ctx, fmt.Errorf("请求 https://example.com/1 超时 30s"), models.ErrorContext{URL: "https://example.com/1"})
	tracker.Add(ctx, fmt.Errorf("请求 https://example.com/2 超时 31s"), models.ErrorContext{URL: "https://example.com/2"})
	g := tracker.Add(ctx, fmt.Errorf("请求 https://example.com/3 超时 5s"), models.ErrorContext{URL: "https://example.com/3"})
	tracker.Add(ctx, &customError{msg: "请求 https://example.com/4 超时 1s"}, models.ErrorContext{})
	tracker.Add(ctx, nil, models.ErrorContext{})

	if g.Count != 3 || g.LastURL != "https://example.com/3" {
		t.Errorf("Add() 返回 %+v", g)
	}

	groups := tracker.Groups()
	if len(groups) != 2 {
		t.Fatalf("错误组 %d 个, 期望2个(不同类型不合并): %+v", len(groups), groups)
	}
	if groups[0].Count != 3 || groups[1].Count != 1 {
		t.Errorf("应按出现次数降序: %+v", groups)
	}
	if tracker.Total() != 4 {
		t.Errorf("Total() = %d, 期望4(nil不计)", tracker.Total())
	}
}

func TestErrorTracker_EvictionRemovesSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemorySnapshotter(10)
	tracker := NewErrorTracker(ErrorTrackerConfig{MaxGroups: 2}, snaps)

	frequent := errors.New("frequent")
	tracker.Add(ctx, frequent, models.ErrorContext{})
	tracker.Add(ctx, frequent, models.ErrorContext{})
	rare := tracker.Add(ctx, errors.New("rare"), models.ErrorContext{})

	if _, ok := snaps.Get(rare.SnapshotID); !ok {
		t.Fatal("首次出现应生成快照")
	}

	tracker.Add(ctx, errors.New("newcomer"), models.ErrorContext{})

	groups := tracker.Groups()
	if len(groups) != 2 {
		t.Fatalf("错误组 %d 个, 期望被限制为2", len(groups))
	}
	for _, g := range groups {
		if g.Message == "rare" {
			t.Error("出现次数最少的组应被淘汰")
		}
	}
	if _, ok := snaps.Get(rare.SnapshotID); ok {
		t.Error("被淘汰组的快照应被删除")
	}
	if len(snaps.Snapshots()) != 2 {
		t.Errorf("快照数 = %d, 期望2", len(snaps.Snapshots()))
	}
}

func TestErrorTracker_SnapshotEvery(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemorySnapshotter(10)
	tracker := NewErrorTracker(ErrorTrackerConfig{SnapshotEvery: 3}, snaps)

	var ids []string
	for i := 0; i < 6; i++ {
		g := tracker.Add(ctx, errors.New("boom"), models.ErrorContext{RetryCount: i})
		ids = append(ids, g.SnapshotID)
	}

	// 第1次和第3、6次出现时快照,每组只保留最新一份
	if ids[0] == "" || ids[1] != ids[0] || ids[2] == ids[0] || ids[5] == ids[2] {
		t.Errorf("快照ID序列 = %v", ids)
	}
	all := snaps.Snapshots()
	if len(all) != 1 || all[0].ID != ids[5] || all[0].Context.RetryCount != 5 {
		t.Errorf("快照 = %+v", all)
	}
}

func TestMemorySnapshotter_Capacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySnapshotter(2)
	for _, id := range []string{"a", "b", "c"} {
		m.Capture(ctx, models.ErrorSnapshot{ID: id})
	}
	if _, ok := m.Get("a"); ok {
		t.Error("超出容量时应淘汰最早的快照")
	}
	if len(m.Snapshots()) != 2 {
		t.Errorf("快照数 = %d", len(m.Snapshots()))
	}
	if err := m.Remove(ctx, "missing"); err != nil {
		t.Errorf("删除不存在的快照 error = %v", err)
	}
}

func TestFileSnapshotter(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "snapshots")
	f, err := NewFileSnapshotter(dir, 2)
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := f.Capture(ctx, models.ErrorSnapshot{ID: id, Message: "msg " + id}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "s1.json")); !os.IsNotExist(err) {
		t.Error("超出容量的快照文件应被删除")
	}
	data, err := os.ReadFile(filepath.Join(dir, "s3.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("快照文件为空")
	}

	if err := f.Remove(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s2.json")); !os.IsNotExist(err) {
		t.Error("Remove后文件应不存在")
	}
	if err := f.Remove(ctx, "s2"); err != nil {
		t.Errorf("重复删除 error = %v", err)
	}
}
