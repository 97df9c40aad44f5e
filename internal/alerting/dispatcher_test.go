package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/storage"
)

type sentMessage struct {
	to      string
	subject string
	body    string
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []sentMessage
	failTo map[string]bool
	delay  time.Duration
}

func (n *recordingNotifier) Send(_ context.Context, to, subject, body string) error {
	time.Sleep(n.delay)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failTo[to] {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, sentMessage{to: to, subject: subject, body: body})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(store *storage.MemoryStore, users, ops Notifier, clock *fakeClock) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		Prices:        store,
		Alerts:        store,
		Notifier:      users,
		SurgeNotifier: ops,
		Surge: SurgeOptions{
			Enabled:      true,
			Symbol:       asset.ETH,
			ThresholdPct: decimal.NewFromInt(3),
			Lookback:     time.Hour,
			Cooldown:     time.Hour,
			Destination:  "ops@example.com",
		},
		SendTimeout: time.Second,
		Clock:       clock.Now,
	}, testLogger())
}

func ethPoint(ts time.Time, price string) storage.PricePoint {
	return storage.PricePoint{Symbol: asset.ETH, USDPrice: decimal.RequireFromString(price), SourceTimestamp: ts}
}

func createAlert(t *testing.T, store *storage.MemoryStore, sym asset.Symbol, target, email string) storage.Alert {
	t.Helper()
	alert := storage.Alert{
		ID:             uuid.New(),
		Symbol:         sym,
		TargetUSDPrice: decimal.RequireFromString(target),
		Email:          email,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.Create(context.Background(), alert); err != nil {
		t.Fatalf("创建告警失败: %v", err)
	}
	return alert
}

func TestTargetAlertFiresAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	users := &recordingNotifier{}
	d := newTestDispatcher(store, users, &recordingNotifier{}, &fakeClock{now: t0})

	createAlert(t, store, asset.ETH, "100", "user@example.com")

	d.HandlePrice(ctx, events.PriceObserved{Point: ethPoint(t0, "100")})
	d.HandlePrice(ctx, events.PriceObserved{Point: ethPoint(t0.Add(5*time.Minute), "120")})

	if users.count() != 1 {
		t.Fatalf("告警应只通知一次, 实际 %d", users.count())
	}
	msg := users.sent[0]
	if msg.to != "user@example.com" {
		t.Fatalf("收件人不正确: %s", msg.to)
	}
	for _, want := range []string{"Ether", "$100", "target of $100"} {
		if !strings.Contains(msg.subject+msg.body, want) {
			t.Fatalf("通知内容缺少 %q: %+v", want, msg)
		}
	}

	remaining, _ := store.FindByThreshold(ctx, asset.ETH, decimal.NewFromInt(1_000_000))
	if len(remaining) != 0 {
		t.Fatalf("触发后告警应被删除, 剩余 %d", len(remaining))
	}
}

func TestTargetAlertConcurrentEventsNotifyOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	users := &recordingNotifier{delay: 50 * time.Millisecond}
	d := newTestDispatcher(store, users, &recordingNotifier{}, &fakeClock{now: t0})

	createAlert(t, store, asset.ETH, "100", "user@example.com")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := d.FireTargets(ctx, ethPoint(t0, "150"))
			if err != nil {
				t.Errorf("FireTargets 失败: %v", err)
			}
			mu.Lock()
			fired += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if users.count() != 1 || fired != 1 {
		t.Fatalf("并发事件下同一告警只应通知一次: sent=%d fired=%d", users.count(), fired)
	}
}

func TestTargetAlertMatchingRules(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	users := &recordingNotifier{}
	d := newTestDispatcher(store, users, &recordingNotifier{}, &fakeClock{now: t0})

	createAlert(t, store, asset.ETH, "99.5", "a@example.com")
	above := createAlert(t, store, asset.ETH, "100.00000001", "b@example.com")
	otherSym := createAlert(t, store, asset.BTC, "1", "c@example.com")

	fired, err := d.FireTargets(ctx, ethPoint(t0, "100"))
	if err != nil {
		t.Fatalf("FireTargets 失败: %v", err)
	}
	if fired != 1 {
		t.Fatalf("只有目标价 <= 当前价的 ETH 告警应触发, 实际 %d", fired)
	}

	left, _ := store.FindByThreshold(ctx, asset.ETH, decimal.NewFromInt(1000))
	if len(left) != 1 || left[0].ID != above.ID {
		t.Fatalf("高于当前价的告警应保留: %+v", left)
	}
	btc, _ := store.FindByThreshold(ctx, asset.BTC, decimal.NewFromInt(1000))
	if len(btc) != 1 || btc[0].ID != otherSym.ID {
		t.Fatal("其他币种告警不应受影响")
	}
}

func TestTargetAlertDeletedEvenWhenSendFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	users := &recordingNotifier{failTo: map[string]bool{"broken@example.com": true}}
	d := newTestDispatcher(store, users, &recordingNotifier{}, &fakeClock{now: t0})

	createAlert(t, store, asset.SOL, "150", "broken@example.com")
	createAlert(t, store, asset.SOL, "140", "ok@example.com")

	point := storage.PricePoint{Symbol: asset.SOL, USDPrice: decimal.NewFromInt(151), SourceTimestamp: t0}
	fired, err := d.FireTargets(ctx, point)
	if err != nil {
		t.Fatalf("发送失败不应使处理失败: %v", err)
	}
	if fired != 2 {
		t.Fatalf("两个告警都应被处理, 实际 %d", fired)
	}
	if users.count() != 1 || users.sent[0].to != "ok@example.com" {
		t.Fatalf("单个发送失败不应阻塞其他发送: %+v", users.sent)
	}
	left, _ := store.FindByThreshold(ctx, asset.SOL, decimal.NewFromInt(1000))
	if len(left) != 0 {
		t.Fatalf("失败的告警也应删除（至多一次）, 剩余 %d", len(left))
	}
}

func TestSurgeCooldown(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ops := &recordingNotifier{}
	clock := &fakeClock{now: t0}
	d := newTestDispatcher(store, &recordingNotifier{}, ops, clock)

	_, _ = store.Append(ctx, ethPoint(t0.Add(-2*time.Hour), "100"))

	res, err := d.CheckSurge(ctx, ethPoint(t0, "104"))
	if err != nil || res != SurgeNotified {
		t.Fatalf("t0 涨幅 4%% 应通知: res=%s err=%v", res, err)
	}
	if ops.count() != 1 || ops.sent[0].to != "ops@example.com" {
		t.Fatalf("应向运维地址发送一次: %+v", ops.sent)
	}

	clock.Set(t0.Add(30 * time.Minute))
	res, _ = d.CheckSurge(ctx, ethPoint(t0.Add(30*time.Minute), "105"))
	if res != SurgeCoolingDown {
		t.Fatalf("冷却期内应抑制, 实际 %s", res)
	}
	if ops.count() != 1 {
		t.Fatalf("冷却期内不应再次通知, 实际 %d", ops.count())
	}

	clock.Set(t0.Add(61 * time.Minute))
	res, _ = d.CheckSurge(ctx, ethPoint(t0.Add(61*time.Minute), "106"))
	if res != SurgeNotified {
		t.Fatalf("冷却结束后应再次通知, 实际 %s", res)
	}
	if ops.count() != 2 {
		t.Fatalf("应共发送两次, 实际 %d", ops.count())
	}
}

func TestSurgeThresholdAndHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ops := &recordingNotifier{}
	d := newTestDispatcher(store, &recordingNotifier{}, ops, &fakeClock{now: t0})

	res, err := d.CheckSurge(ctx, ethPoint(t0, "200"))
	if err != nil || res != SurgeNoHistory {
		t.Fatalf("无历史时应跳过: res=%s err=%v", res, err)
	}

	// too recent to serve as the 60 minute reference
	_, _ = store.Append(ctx, ethPoint(t0.Add(-59*time.Minute), "1"))
	res, _ = d.CheckSurge(ctx, ethPoint(t0, "200"))
	if res != SurgeNoHistory {
		t.Fatalf("参考点必须早于 60 分钟, 实际 %s", res)
	}

	_, _ = store.Append(ctx, ethPoint(t0.Add(-60*time.Minute), "100"))
	res, _ = d.CheckSurge(ctx, ethPoint(t0, "102.99"))
	if res != SurgeBelowThreshold {
		t.Fatalf("2.99%% 低于阈值, 实际 %s", res)
	}
	res, _ = d.CheckSurge(ctx, ethPoint(t0, "103"))
	if res != SurgeNotified {
		t.Fatalf("恰好 3%% 应触发, 实际 %s", res)
	}

	btc := storage.PricePoint{Symbol: asset.BTC, USDPrice: decimal.NewFromInt(1_000_000), SourceTimestamp: t0}
	res, _ = d.CheckSurge(ctx, btc)
	if res != SurgeSkipped {
		t.Fatalf("非主币种不做涨幅检测, 实际 %s", res)
	}
	if ops.count() != 1 {
		t.Fatalf("应只发送一次, 实际 %d", ops.count())
	}
}

func TestSurgeNonPositiveReference(t *testing.T) {
	ctx := context.Background()
	for _, ref := range []string{"0", "-5"} {
		store := storage.NewMemoryStore()
		ops := &recordingNotifier{}
		d := newTestDispatcher(store, &recordingNotifier{}, ops, &fakeClock{now: t0})

		_, _ = store.Append(ctx, ethPoint(t0.Add(-2*time.Hour), ref))
		res, err := d.CheckSurge(ctx, ethPoint(t0, "100"))
		if err != nil {
			t.Fatalf("参考价 %s 不应报错: %v", ref, err)
		}
		if res != SurgeBelowThreshold || ops.count() != 0 {
			t.Fatalf("参考价 %s 不应触发通知: res=%s sent=%d", ref, res, ops.count())
		}
	}

	if _, ok := PercentChange(decimal.Zero, decimal.NewFromInt(1)); ok {
		t.Fatal("零参考价应返回 ok=false")
	}
	change, ok := PercentChange(decimal.NewFromInt(200), decimal.NewFromInt(150))
	if !ok || !change.Equal(decimal.NewFromInt(-25)) {
		t.Fatalf("百分比计算错误: %s", change)
	}
}

func TestSurgeConcurrentChecksNotifyOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ops := &recordingNotifier{}
	d := newTestDispatcher(store, &recordingNotifier{}, ops, &fakeClock{now: t0})
	_, _ = store.Append(ctx, ethPoint(t0.Add(-2*time.Hour), "100"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.CheckSurge(ctx, ethPoint(t0, "110"))
		}()
	}
	wg.Wait()

	if ops.count() != 1 {
		t.Fatalf("并发涨幅事件只应通知一次, 实际 %d", ops.count())
	}
}
