package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/quote"
	"crypto-price-alerts/internal/storage"
)

var sourceTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	prices map[asset.Symbol]string
	fail   map[asset.Symbol]bool
	hang   map[asset.Symbol]bool
}

func (f *fakeSource) GetPrice(ctx context.Context, symbol asset.Symbol) (quote.Quote, error) {
	if f.hang[symbol] {
		<-ctx.Done()
		return quote.Quote{}, ctx.Err()
	}
	if f.fail[symbol] {
		return quote.Quote{}, errors.New("upstream 503")
	}
	return quote.Quote{USDPrice: decimal.RequireFromString(f.prices[symbol]), SourceTime: sourceTime}, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.PriceObserved
	full   bool
}

func (b *recordingBus) Publish(ev events.PriceObserved) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return events.ErrBusFull
	}
	b.events = append(b.events, ev)
	return nil
}

type recordingCache struct {
	mu     sync.Mutex
	points []storage.PricePoint
}

func (c *recordingCache) SetLatest(_ context.Context, p storage.PricePoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, p)
	return nil
}

type fakeLocker struct {
	acquired bool
	released bool
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.released = true }, true, nil
}

func allPrices() map[asset.Symbol]string {
	return map[asset.Symbol]string{asset.ETH: "3000.5", asset.BTC: "64000", asset.SOL: "150.25"}
}

func countPoints(t *testing.T, store *storage.MemoryStore, symbol asset.Symbol) int {
	t.Helper()
	points, err := store.Query(context.Background(), symbol, sourceTime.Add(-time.Hour), sourceTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	return len(points)
}

func TestTickPartialFailureIsolation(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := &recordingBus{}
	cache := &recordingCache{}
	src := &fakeSource{prices: allPrices(), fail: map[asset.Symbol]bool{asset.BTC: true}}

	s, err := New(Options{Source: src, Store: store, Cache: cache, Bus: bus, FetchTimeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建 sampler 失败: %v", err)
	}

	report, err := s.Tick(context.Background(), sourceTime)
	if err != nil {
		t.Fatalf("Tick 不应失败: %v", err)
	}
	if report.Persisted() != 2 {
		t.Fatalf("应持久化 2 个价格, 实际 %d", report.Persisted())
	}
	if countPoints(t, store, asset.BTC) != 0 {
		t.Fatal("失败的 BTC 不应写入")
	}
	if countPoints(t, store, asset.ETH) != 1 || countPoints(t, store, asset.SOL) != 1 {
		t.Fatal("ETH 与 SOL 应各写入一条")
	}
	if len(bus.events) != 2 {
		t.Fatalf("应发布 2 个事件, 实际 %d", len(bus.events))
	}
	if len(cache.points) != 2 {
		t.Fatalf("缓存应更新 2 次, 实际 %d", len(cache.points))
	}

	for _, o := range report.Outcomes {
		if o.Symbol == asset.BTC {
			if o.Stage != StageQuote || !errors.Is(o.Err, quote.ErrUnavailable) {
				t.Fatalf("BTC 应标记为报价失败: %+v", o)
			}
		}
	}
}

func TestTickHungFetchTimesOut(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := &recordingBus{}
	src := &fakeSource{prices: allPrices(), hang: map[asset.Symbol]bool{asset.SOL: true}}
	s, _ := New(Options{Source: src, Store: store, Bus: bus, FetchTimeout: 50 * time.Millisecond}, zerolog.Nop())

	started := time.Now()
	report, err := s.Tick(context.Background(), sourceTime)
	if err != nil {
		t.Fatalf("Tick 不应失败: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("挂起的请求应被超时打断, 耗时 %s", elapsed)
	}
	if report.Persisted() != 2 || countPoints(t, store, asset.SOL) != 0 {
		t.Fatalf("超时的 SOL 不应写入: persisted=%d", report.Persisted())
	}
}

func TestTickFullBusStillPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := &recordingBus{full: true}
	s, _ := New(Options{Source: &fakeSource{prices: allPrices()}, Store: store, Bus: bus}, zerolog.Nop())

	report, _ := s.Tick(context.Background(), sourceTime)
	if report.Persisted() != 3 {
		t.Fatalf("总线已满仍应持久化, 实际 %d", report.Persisted())
	}
	for _, o := range report.Outcomes {
		if o.Stage != StageDropped || !errors.Is(o.Err, events.ErrBusFull) {
			t.Fatalf("事件应标记为丢弃: %+v", o)
		}
	}
}

func TestTickRespectsAdvisoryLock(t *testing.T) {
	store := storage.NewMemoryStore()
	locker := &fakeLocker{}
	s, _ := New(Options{
		Source:  &fakeSource{prices: allPrices()},
		Store:   store,
		Locker:  locker,
		LockKey: 42,
	}, zerolog.Nop())

	report, err := s.Tick(context.Background(), sourceTime)
	if err != nil || !report.Skipped {
		t.Fatalf("未获得锁时应跳过: report=%+v err=%v", report, err)
	}
	if countPoints(t, store, asset.ETH) != 0 {
		t.Fatal("跳过的 tick 不应写入")
	}

	locker.acquired = true
	report, _ = s.Tick(context.Background(), sourceTime)
	if report.Skipped || report.Persisted() != 3 {
		t.Fatalf("获得锁后应正常采样: %+v", report)
	}
	if !locker.released {
		t.Fatal("tick 结束后应释放锁")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Store: storage.NewMemoryStore()}, zerolog.Nop()); err == nil {
		t.Fatal("缺少报价源应报错")
	}
	if _, err := New(Options{Source: &fakeSource{}}, zerolog.Nop()); err == nil {
		t.Fatal("缺少存储应报错")
	}
}
