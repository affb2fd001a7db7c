package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute, AlignToInterval: true}, zerolog.Nop())

	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一次触发时间不正确: %s", got)
	}

	onSlot := time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC)
	if got := s.nextTick(onSlot); !got.Equal(time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("恰好在槽位上时应跳到下一个槽位: %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐时应为 now+interval: %s", got)
	}
	if got := s.slotStart(now); !got.Equal(now) {
		t.Fatalf("未对齐时槽位起点应为原时间: %s", got)
	}
}

func TestRunOnStartAndCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			calls.Add(1)
			cancel()
			return errors.New("tick errors are only logged")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在取消后退出")
	}
	if calls.Load() != 1 {
		t.Fatalf("RunOnStart 应立即执行一次, 实际 %d", calls.Load())
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
