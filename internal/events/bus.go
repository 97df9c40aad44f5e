package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/storage"
)

var (
	// ErrBusFull is returned by Publish when the buffer has no room.
	ErrBusFull = errors.New("events: bus buffer full")
	// ErrBusClosed is returned by Publish after Close.
	ErrBusClosed = errors.New("events: bus closed")
)

// PriceObserved announces a newly observed price.
type PriceObserved struct {
	Point     storage.PricePoint
	Simulated bool
}

// Handler consumes price events. Handlers must tolerate concurrent calls.
type Handler interface {
	HandlePrice(ctx context.Context, ev PriceObserved)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev PriceObserved)

// HandlePrice calls f.
func (f HandlerFunc) HandlePrice(ctx context.Context, ev PriceObserved) {
	f(ctx, ev)
}

// Options size the bus.
type Options struct {
	Buffer  int
	Workers int
}

// Bus delivers PriceObserved events from publishers to a handler through a
// bounded queue drained by a fixed worker set. Publish never blocks.
type Bus struct {
	queue   chan PriceObserved
	workers int
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewBus constructs a bus; call Start before publishing.
func NewBus(opts Options, logger zerolog.Logger) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Bus{
		queue:   make(chan PriceObserved, opts.Buffer),
		workers: opts.Workers,
		logger:  logger.With().Str("component", "event_bus").Logger(),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the bus is closed.
func (b *Bus) Start(ctx context.Context, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work(ctx, h)
	}
}

func (b *Bus) work(ctx context.Context, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(ctx, h, ev)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev PriceObserved) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).
				Str("symbol", string(ev.Point.Symbol)).
				Msg("price handler panicked")
		}
	}()
	h.HandlePrice(ctx, ev)
}

// Publish enqueues ev without blocking.
func (b *Bus) Publish(ev PriceObserved) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		return ErrBusFull
	}
}

// Close stops accepting events, lets workers drain the queue and waits for them.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
}
