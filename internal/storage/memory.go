package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/asset"
)

// MemoryStore keeps prices and alerts in process memory. It backs the
// service when no database is configured and is used throughout the tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	points map[asset.Symbol][]PricePoint
	alerts map[uuid.UUID]Alert
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		points: make(map[asset.Symbol][]PricePoint),
		alerts: make(map[uuid.UUID]Alert),
	}
}

// Append stores point, keeping each symbol's series sorted by source time.
func (m *MemoryStore) Append(_ context.Context, point PricePoint) (PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	point.ID = m.nextID
	if point.RecordedAt.IsZero() {
		point.RecordedAt = time.Now().UTC()
	}

	series := m.points[point.Symbol]
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].SourceTimestamp.After(point.SourceTimestamp)
	})
	series = append(series, PricePoint{})
	copy(series[idx+1:], series[idx:])
	series[idx] = point
	m.points[point.Symbol] = series
	return point, nil
}

// Query returns points with source time in [from, to).
func (m *MemoryStore) Query(_ context.Context, symbol asset.Symbol, from, to time.Time) ([]PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PricePoint, 0)
	for _, p := range m.points[symbol] {
		if p.SourceTimestamp.Before(from) || !p.SourceTimestamp.Before(to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LatestAtOrBefore returns the newest point whose source time is not after at.
func (m *MemoryStore) LatestAtOrBefore(_ context.Context, symbol asset.Symbol, at time.Time) (PricePoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.points[symbol]
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].SourceTimestamp.After(at) {
			return series[i], true, nil
		}
	}
	return PricePoint{}, false, nil
}

// PruneBefore drops points with source time before the cutoff.
func (m *MemoryStore) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for sym, series := range m.points {
		kept := series[:0]
		for _, p := range series {
			if p.SourceTimestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		m.points[sym] = kept
	}
	return removed, nil
}

// Create stores alert.
func (m *MemoryStore) Create(_ context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
	return nil
}

// FindByOwner pages through the alerts belonging to email.
func (m *MemoryStore) FindByOwner(_ context.Context, email string, page Page) ([]Alert, int64, error) {
	m.mu.RLock()
	owned := make([]Alert, 0)
	for _, a := range m.alerts {
		if a.Email == email {
			owned = append(owned, a)
		}
	}
	m.mu.RUnlock()

	less := alertLess(page.OrderBy)
	sort.SliceStable(owned, func(i, j int) bool {
		if page.Order == OrderDesc {
			return less(owned[j], owned[i])
		}
		return less(owned[i], owned[j])
	})

	total := int64(len(owned))
	start := page.Skip
	if start > len(owned) {
		start = len(owned)
	}
	end := len(owned)
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	return owned[start:end], total, nil
}

// FindByThreshold returns alerts on symbol whose target is at or below maxTarget.
func (m *MemoryStore) FindByThreshold(_ context.Context, symbol asset.Symbol, maxTarget decimal.Decimal) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if a.Symbol == symbol && a.TargetUSDPrice.LessThanOrEqual(maxTarget) {
			out = append(out, a)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

// ClaimByThreshold selects and deletes matching alerts under one write lock.
func (m *MemoryStore) ClaimByThreshold(_ context.Context, symbol asset.Symbol, maxTarget decimal.Decimal) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0)
	for id, a := range m.alerts {
		if a.Symbol == symbol && a.TargetUSDPrice.LessThanOrEqual(maxTarget) {
			out = append(out, a)
			delete(m.alerts, id)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

// DeleteMany removes all ids under a single lock.
func (m *MemoryStore) DeleteMany(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.alerts, id)
	}
	return nil
}

func sortByCreatedAt(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
}

func alertLess(orderBy string) func(a, b Alert) bool {
	tieBreak := func(a, b Alert) bool { return a.ID.String() < b.ID.String() }
	switch orderBy {
	case SortTargetPrice:
		return func(a, b Alert) bool {
			if c := a.TargetUSDPrice.Cmp(b.TargetUSDPrice); c != 0 {
				return c < 0
			}
			return tieBreak(a, b)
		}
	case SortSymbol:
		return func(a, b Alert) bool {
			if c := strings.Compare(string(a.Symbol), string(b.Symbol)); c != 0 {
				return c < 0
			}
			return tieBreak(a, b)
		}
	default:
		return func(a, b Alert) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return tieBreak(a, b)
		}
	}
}

var (
	_ PriceStore = (*MemoryStore)(nil)
	_ AlertStore = (*MemoryStore)(nil)
)
