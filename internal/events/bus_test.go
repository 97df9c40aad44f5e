package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/storage"
)

func TestBusDeliversAllEvents(t *testing.T) {
	bus := NewBus(Options{Buffer: 16, Workers: 3}, zerolog.Nop())

	var (
		mu   sync.Mutex
		seen = make(map[asset.Symbol]int)
	)
	bus.Start(context.Background(), HandlerFunc(func(_ context.Context, ev PriceObserved) {
		mu.Lock()
		seen[ev.Point.Symbol]++
		mu.Unlock()
	}))

	for _, sym := range asset.All() {
		if err := bus.Publish(PriceObserved{Point: storage.PricePoint{Symbol: sym}}); err != nil {
			t.Fatalf("publish 失败: %v", err)
		}
	}
	bus.Close()

	for _, sym := range asset.All() {
		if seen[sym] != 1 {
			t.Fatalf("%s 应被处理一次, 实际 %d", sym, seen[sym])
		}
	}
}

func TestBusPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := NewBus(Options{Buffer: 1, Workers: 1}, zerolog.Nop())
	release := make(chan struct{})
	var handled atomic.Int32
	bus.Start(context.Background(), HandlerFunc(func(context.Context, PriceObserved) {
		<-release
		handled.Add(1)
	}))

	// first event occupies the worker, second fills the buffer
	_ = bus.Publish(PriceObserved{})
	deadline := time.Now().Add(time.Second)
	for {
		if err := bus.Publish(PriceObserved{}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("缓冲区应能接收第二个事件")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- bus.Publish(PriceObserved{}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrBusFull) {
			t.Fatalf("缓冲区满时应返回 ErrBusFull, 实际 %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish 不应阻塞")
	}

	close(release)
	bus.Close()
	if handled.Load() != 2 {
		t.Fatalf("Close 应等待队列中的事件处理完, 实际 %d", handled.Load())
	}
	if err := bus.Publish(PriceObserved{}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("关闭后 Publish 应返回 ErrBusClosed, 实际 %v", err)
	}
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus(Options{Buffer: 4, Workers: 1}, zerolog.Nop())
	var calls atomic.Int32
	bus.Start(context.Background(), HandlerFunc(func(context.Context, PriceObserved) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}))

	_ = bus.Publish(PriceObserved{})
	_ = bus.Publish(PriceObserved{})
	bus.Close()

	if calls.Load() != 2 {
		t.Fatalf("panic 后 worker 应继续处理, 实际调用 %d 次", calls.Load())
	}
}
