package crawlers

import (
	"errors"
	"testing"

	"github.com/RecoveryAshes/crawlengine/internal/models"
)

func TestEventEmitter(t *testing.T) {
	e := NewEventEmitter()

	var got []string
	e.OnRequestStarted(func(r *models.CrawlRequest) { got = append(got, "started:"+r.URL) })
	e.OnRequestCompleted(func(r *models.CrawlResult) { got = append(got, "completed:"+r.URL) })
	e.OnRequestFailed(func(r *models.CrawlRequest, err error) { got = append(got, "failed:"+err.Error()) })
	e.OnRequestRetried(func(r *models.CrawlRequest, err error) { got = append(got, "retried:"+err.Error()) })
	e.OnRequestSkipped(func(s SkippedRequest) { got = append(got, "skipped:"+string(s.Reason)) })
	e.OnCrawlFinished(func(r *models.RunResult) { got = append(got, "finished") })
	e.OnInfrastructureError(func(err error) { got = append(got, "infra:"+err.Error()) })

	req := &models.CrawlRequest{URL: "u"}
	e.EmitRequestStarted(req)
	e.EmitRequestCompleted(&models.CrawlResult{URL: "u"})
	e.EmitRequestFailed(req, errors.New("f"))
	e.EmitRequestRetried(req, errors.New("r"))
	e.EmitRequestSkipped(SkippedRequest{URL: "x", Reason: SkipDuplicate})
	e.EmitCrawlFinished(&models.RunResult{})
	e.EmitInfrastructureError(errors.New("db"))

	want := []string{"started:u", "completed:u", "failed:f", "retried:r", "skipped:duplicate", "finished", "infra:db"}
	if len(got) != len(want) {
		t.Fatalf("事件 = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("事件[%d] = %q, 期望 %q", i, got[i], want[i])
		}
	}
}

func TestEventEmitter_ListenerPanic(t *testing.T) {
	e := NewEventEmitter()

	calls := 0
	e.OnRequestCompleted(func(*models.CrawlResult) { panic("监听器崩溃") })
	e.OnRequestCompleted(func(*models.CrawlResult) { calls++ })

	e.EmitRequestCompleted(&models.CrawlResult{})

	if calls != 1 {
		t.Errorf("前一个监听器panic后, 后续监听器调用 %d 次, 期望1", calls)
	}
}
