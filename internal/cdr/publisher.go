package cdr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calldoc/calldoc/internal/database/models"
)

// CorrelationEvent announces a persisted CDR to call aggregation.
type CorrelationEvent struct {
	CDRID        int64     `json:"cdr_id"`
	CallID       int64     `json:"call_id"`
	Continuation bool      `json:"continuation"`
	Direction    string    `json:"direction"`
	Caller       string    `json:"caller"`
	CalledNumber string    `json:"called_number"`
	Party1Device string    `json:"party1_device"`
	Party2Device string    `json:"party2_device"`
	CallStart    time.Time `json:"call_start"`
	SourceType   string    `json:"source_type"`
}

// NewCorrelationEvent builds the event for a persisted CDR.
func NewCorrelationEvent(c *models.CDR) CorrelationEvent {
	return CorrelationEvent{
		CDRID:        c.ID,
		CallID:       c.CallID,
		Continuation: c.Continuation,
		Direction:    c.Direction,
		Caller:       c.Caller,
		CalledNumber: c.CalledNumber,
		Party1Device: c.Party1Device,
		Party2Device: c.Party2Device,
		CallStart:    c.CallStart,
		SourceType:   c.SourceType,
	}
}

// Publisher delivers correlation events.
type Publisher interface {
	Publish(ctx context.Context, ev CorrelationEvent) error
}

// Publishers fans an event out to every publisher in order.
type Publishers []Publisher

// Publish calls every publisher and joins their errors.
func (ps Publishers) Publish(ctx context.Context, ev CorrelationEvent) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus is an in-process publisher. Each subscriber gets its own buffered
// channel; events for a full subscriber are dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan CorrelationEvent
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan CorrelationEvent)}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan CorrelationEvent, func()) {
	ch := make(chan CorrelationEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(_ context.Context, ev CorrelationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
