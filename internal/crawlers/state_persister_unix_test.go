//go:build unix

package crawlers

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestStatePersister_SignalHandledOnce(t *testing.T) {
	// 保证第二个信号不会按默认行为终止测试进程
	guard := make(chan os.Signal, 2)
	signal.Notify(guard, syscall.SIGUSR1)
	defer signal.Stop(guard)

	p := NewStatePersister(StatePersisterConfig{Signals: []os.Signal{syscall.SIGUSR1}}, newMemStateStore())
	defer p.Close()

	var calls atomic.Int32
	ran := make(chan struct{}, 1)
	p.RegisterShutdownHook(func() {
		calls.Add(1)
		ran <- struct{}{}
	})

	p.hookMu.Lock()
	ch := p.sigCh
	p.hookMu.Unlock()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("收到信号后钩子未执行")
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-guard:
		case <-time.After(2 * time.Second):
			t.Fatal("等待信号送达超时")
		}
	}

	// 第一个信号之后不再捕获
	if len(ch) != 0 {
		t.Error("处理第一个信号后仍在捕获信号")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("钩子执行 %d 次, 期望1次", n)
	}
}
