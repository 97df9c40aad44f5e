package service

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
	"crypto-price-alerts/internal/scheduler"
	"crypto-price-alerts/internal/storage"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(store *storage.MemoryStore, opts Options) *Service {
	opts.Prices = store
	opts.Alerts = store
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return now }
	}
	return New(opts, zerolog.Nop())
}

type failingAlertStore struct {
	storage.AlertStore
}

func (failingAlertStore) FindByOwner(context.Context, string, storage.Page) ([]storage.Alert, int64, error) {
	return nil, 0, errors.New("connection reset by peer")
}

func (failingAlertStore) Create(context.Context, storage.Alert) error {
	return errors.New("connection reset by peer")
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.PriceObserved
}

func (b *recordingBus) Publish(ev events.PriceObserved) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

type staticCache map[asset.Symbol]storage.PricePoint

func (c staticCache) GetLatest(_ context.Context, sym asset.Symbol) (storage.PricePoint, bool, error) {
	p, ok := c[sym]
	return p, ok, nil
}

func TestCreateAlertValidation(t *testing.T) {
	svc := newTestService(storage.NewMemoryStore(), Options{})
	ctx := context.Background()

	cases := []struct {
		name, symbol, target, email, field string
	}{
		{"unknown symbol", "DOGE", "1", "a@example.com", "symbol"},
		{"zero target", "ETH", "0", "a@example.com", "target"},
		{"negative target", "ETH", "-1", "a@example.com", "target"},
		{"non numeric target", "ETH", "lots", "a@example.com", "target"},
		{"target below column scale", "ETH", "0.000000001", "a@example.com", "target"},
		{"target above column range", "ETH", "12345678901", "a@example.com", "target"},
		{"target at column limit", "ETH", "10000000000", "a@example.com", "target"},
		{"bad email", "ETH", "100", "not-an-email", "email"},
		{"empty email", "ETH", "100", "", "email"},
	}
	for _, tc := range cases {
		_, err := svc.CreateAlert(ctx, tc.symbol, tc.target, tc.email)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: 应返回 ValidationError, 实际 %v", tc.name, err)
		}
		if ve.Field != tc.field {
			t.Fatalf("%s: 字段应为 %s, 实际 %s", tc.name, tc.field, ve.Field)
		}
	}

	for _, target := range []string{"0.00000001", "9999999999.99999999", "100.500000000"} {
		if _, err := svc.CreateAlert(ctx, "SOL", target, "edge@example.com"); err != nil {
			t.Fatalf("可存储的目标价 %s 应被接受: %v", target, err)
		}
	}

	alert, err := svc.CreateAlert(ctx, "eth", "3500.25", " user@example.com ")
	if err != nil {
		t.Fatalf("合法输入应成功: %v", err)
	}
	if alert.Symbol != asset.ETH || !alert.TargetUSDPrice.Equal(decimal.RequireFromString("3500.25")) || alert.Email != "user@example.com" {
		t.Fatalf("告警字段不正确: %+v", alert)
	}
	if !alert.CreatedAt.Equal(now) {
		t.Fatalf("创建时间应取自时钟: %s", alert.CreatedAt)
	}
}

func TestCreateAlertPersistenceError(t *testing.T) {
	svc := New(Options{Prices: storage.NewMemoryStore(), Alerts: failingAlertStore{}}, zerolog.Nop())
	_, err := svc.CreateAlert(context.Background(), "BTC", "1", "a@example.com")
	if !errors.Is(err, ErrPersistence) || IsValidation(err) {
		t.Fatalf("存储失败应返回 ErrPersistence 且不是校验错误: %v", err)
	}
}

func TestFetchAlertsDefaultsAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tick := now
	svc := newTestService(store, Options{Clock: func() time.Time { tick = tick.Add(time.Second); return tick }})

	for _, target := range []string{"300", "100", "200"} {
		if _, err := svc.CreateAlert(ctx, "SOL", target, "owner@example.com"); err != nil {
			t.Fatalf("创建失败: %v", err)
		}
	}
	if _, err := svc.CreateAlert(ctx, "SOL", "1", "other@example.com"); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	alerts, total, err := svc.FetchAlerts(ctx, AlertQuery{Email: "owner@example.com"})
	if err != nil {
		t.Fatalf("FetchAlerts 失败: %v", err)
	}
	if total != 3 || len(alerts) != 3 {
		t.Fatalf("应返回 3 条, 实际 total=%d len=%d", total, len(alerts))
	}
	if !alerts[0].TargetUSDPrice.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("默认按创建时间升序: %+v", alerts[0])
	}

	alerts, total, _ = svc.FetchAlerts(ctx, AlertQuery{Email: "owner@example.com", OrderBy: "target_usd_price", Order: "desc", Limit: 2, Skip: 1})
	if total != 3 || len(alerts) != 2 {
		t.Fatalf("分页结果不正确: total=%d len=%d", total, len(alerts))
	}
	if !alerts[0].TargetUSDPrice.Equal(decimal.NewFromInt(200)) || !alerts[1].TargetUSDPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("按目标价降序分页错误: %s, %s", alerts[0].TargetUSDPrice, alerts[1].TargetUSDPrice)
	}
}

func TestFetchAlertsValidation(t *testing.T) {
	svc := newTestService(storage.NewMemoryStore(), Options{})
	ctx := context.Background()
	for _, q := range []AlertQuery{
		{Email: "a@example.com", Limit: 101},
		{Email: "a@example.com", Limit: -1},
		{Email: "a@example.com", Skip: -1},
		{Email: "a@example.com", OrderBy: "email"},
		{Email: "a@example.com", Order: "sideways"},
		{Email: "nope"},
	} {
		if _, _, err := svc.FetchAlerts(ctx, q); !IsValidation(err) {
			t.Fatalf("查询 %+v 应返回校验错误, 实际 %v", q, err)
		}
	}
}

func TestFetchAlertsHidesStoreErrors(t *testing.T) {
	svc := New(Options{Prices: storage.NewMemoryStore(), Alerts: failingAlertStore{}}, zerolog.Nop())
	_, _, err := svc.FetchAlerts(context.Background(), AlertQuery{Email: "a@example.com"})
	if err != ErrFetchFailed {
		t.Fatalf("存储错误应转换为 ErrFetchFailed, 实际 %v", err)
	}
}

func TestFetchHourly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newTestService(store, Options{})

	for _, p := range []struct {
		offset time.Duration
		price  string
	}{
		{-90 * time.Minute, "100"},
		{-65 * time.Minute, "105"},
		{-25 * time.Hour, "1"},
	} {
		_, _ = store.Append(ctx, storage.PricePoint{Symbol: asset.ETH, USDPrice: decimal.RequireFromString(p.price), SourceTimestamp: now.Add(p.offset)})
	}

	view, err := svc.FetchHourly(ctx, "ETH", time.Time{})
	if err != nil {
		t.Fatalf("FetchHourly 失败: %v", err)
	}
	if view.Filled() != 1 {
		t.Fatalf("应只有一个桶有数据, 实际 %d", view.Filled())
	}
	bucket := view.Buckets[22]
	if bucket.Price == nil || !bucket.Price.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("倒数第二个小时应取收盘价 105: %+v", bucket)
	}
	if !bucket.End.Equal(now.Add(-time.Hour)) {
		t.Fatalf("桶结束时间不正确: %s", bucket.End)
	}

	if _, err := svc.FetchHourly(ctx, "XRP", now); !IsValidation(err) {
		t.Fatalf("未知币种应返回校验错误: %v", err)
	}
}

func TestSimulatePrice(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	svc := newTestService(store, Options{})
	if _, err := svc.SimulatePrice(ctx, "ETH", "10"); !errors.Is(err, ErrBusNotRunning) {
		t.Fatalf("没有总线时应报错: %v", err)
	}

	bus := &recordingBus{}
	svc = newTestService(store, Options{Bus: bus})
	ev, err := svc.SimulatePrice(ctx, "btc", "70000")
	if err != nil {
		t.Fatalf("SimulatePrice 失败: %v", err)
	}
	if !ev.Simulated || ev.Point.Symbol != asset.BTC || len(bus.events) != 1 {
		t.Fatalf("应发布一条模拟事件: %+v", bus.events)
	}
	if _, ok, _ := store.LatestAtOrBefore(ctx, asset.BTC, now.Add(time.Hour)); ok {
		t.Fatal("模拟价格不应持久化")
	}
	if _, err := svc.SimulatePrice(ctx, "BTC", "0"); !IsValidation(err) {
		t.Fatalf("非正价格应返回校验错误: %v", err)
	}
}

func TestSwapRate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, _ = store.Append(ctx, storage.PricePoint{Symbol: asset.ETH, USDPrice: decimal.NewFromInt(3000), SourceTimestamp: now.Add(-time.Minute)})
	_, _ = store.Append(ctx, storage.PricePoint{Symbol: asset.BTC, USDPrice: decimal.NewFromInt(60000), SourceTimestamp: now.Add(-time.Minute)})

	cache := staticCache{asset.ETH: {Symbol: asset.ETH, USDPrice: decimal.NewFromInt(3000), SourceTimestamp: now}}
	svc := newTestService(store, Options{Cache: cache})

	q, err := svc.SwapRate(ctx, "ETH", "BTC", "2")
	if err != nil {
		t.Fatalf("SwapRate 失败: %v", err)
	}
	if !q.Rate.Equal(decimal.RequireFromString("0.05")) || !q.Result.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("兑换结果错误: rate=%s result=%s", q.Rate, q.Result)
	}
	if !q.FromPriced.Equal(now) {
		t.Fatal("ETH 价格应来自缓存")
	}
	if !q.ToPriced.Equal(now.Add(-time.Minute)) {
		t.Fatal("BTC 价格应回退到存储")
	}

	if _, err := svc.SwapRate(ctx, "ETH", "SOL", "1"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("无价格时应返回 ErrPriceUnavailable: %v", err)
	}
	if _, err := svc.SwapRate(ctx, "ETH", "BTC", "-1"); !IsValidation(err) {
		t.Fatalf("负数量应返回校验错误: %v", err)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, _ = store.Append(ctx, storage.PricePoint{Symbol: asset.SOL, USDPrice: decimal.NewFromInt(1), SourceTimestamp: now.Add(-48 * time.Hour)})
	_, _ = store.Append(ctx, storage.PricePoint{Symbol: asset.SOL, USDPrice: decimal.NewFromInt(2), SourceTimestamp: now.Add(-time.Hour)})
	svc := newTestService(store, Options{})

	removed, err := svc.Prune(ctx, 24*time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("应删除 1 条: removed=%d err=%v", removed, err)
	}
	if _, err := svc.Prune(ctx, 0); !IsValidation(err) {
		t.Fatalf("非正保留时长应报错: %v", err)
	}
}

func TestRunDeliversTicksToHandler(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, Options{})

	sched, err := scheduler.New(scheduler.Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建调度器失败: %v", err)
	}
	bus := events.NewBus(events.Options{Buffer: 8, Workers: 2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan events.PriceObserved, 16)
	tick := func(ctx context.Context, at time.Time) error {
		return bus.Publish(events.PriceObserved{Point: storage.PricePoint{Symbol: asset.ETH, USDPrice: decimal.NewFromInt(1), SourceTimestamp: at}})
	}
	handler := events.HandlerFunc(func(_ context.Context, ev events.PriceObserved) {
		select {
		case handled <- ev:
		default:
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, Worker{Scheduler: sched, Tick: tick, Bus: bus, Handler: handler})
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("处理器未收到事件")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("取消后应正常退出: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := newTestService(storage.NewMemoryStore(), Options{})
	if err := svc.Run(context.Background(), Worker{}); err == nil {
		t.Fatal("缺少调度器应报错")
	}
}
