package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/storage"
)

const (
	// Buckets is the number of hourly buckets in a view.
	Buckets = 24
	// BucketWidth is the span of a single bucket.
	BucketWidth = time.Hour
	// Window is the total span covered by a view.
	Window = Buckets * BucketWidth
)

// Bucket is one hourly slot. Price is nil when no point fell inside it.
type Bucket struct {
	End   time.Time
	Price *decimal.Decimal
}

// HourlyView is the closing-price series of one symbol over the trailing 24h.
type HourlyView struct {
	Symbol      asset.Symbol
	WindowStart time.Time
	WindowEnd   time.Time
	Buckets     [Buckets]Bucket
}

// WindowFor returns the [start, end) window ending at now.
func WindowFor(now time.Time) (time.Time, time.Time) {
	return now.Add(-Window), now
}

// Hourly buckets points into 24 left-closed, right-open hourly slots starting at
// now-24h. Each slot holds the price of its latest point by source time. Points of
// other symbols or outside the window are ignored; input order does not matter.
func Hourly(symbol asset.Symbol, now time.Time, points []storage.PricePoint) HourlyView {
	start, end := WindowFor(now)
	view := HourlyView{Symbol: symbol, WindowStart: start, WindowEnd: end}

	var latest [Buckets]*storage.PricePoint
	for i := range points {
		p := &points[i]
		if p.Symbol != symbol {
			continue
		}
		ts := p.SourceTimestamp
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		idx := int(ts.Sub(start) / BucketWidth)
		if idx >= Buckets {
			continue
		}
		if latest[idx] == nil || ts.After(latest[idx].SourceTimestamp) {
			latest[idx] = p
		}
	}

	for i := 0; i < Buckets; i++ {
		view.Buckets[i].End = start.Add(time.Duration(i+1) * BucketWidth)
		if latest[i] != nil {
			price := latest[i].USDPrice
			view.Buckets[i].Price = &price
		}
	}
	return view
}

// Filled reports how many buckets carry a price.
func (v HourlyView) Filled() int {
	n := 0
	for _, b := range v.Buckets {
		if b.Price != nil {
			n++
		}
	}
	return n
}
