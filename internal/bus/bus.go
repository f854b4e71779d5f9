// Package bus is the typed publish/subscribe fabric between the ingestion
// core and downstream consumers (mirroring, alerting, metrics).
// Each subscriber owns a bounded channel drained by its own goroutine, so a
// slow handler can never stall a publisher.
package bus

import (
	"log"
	"sync"

	"candlefeedv1/internal/model"
)

// Handler receives events for one subscription. It runs on the subscriber's
// drain goroutine, off the ingestion path.
type Handler func(e model.Event)

type subscriber struct {
	topic   model.Topic
	ch      chan model.Event
	handler Handler
}

// Bus fans events out to per-topic subscribers. Delivery is best-effort,
// at-most-once: when a subscriber's channel is full, the oldest queued event
// for that subscriber is dropped. FIFO holds per topic per subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[model.Topic][]*subscriber
	bufSize int
	closed  bool
	wg      sync.WaitGroup

	// OnDrop is called when an event is dropped for a subscriber
	// (optional, for metrics).
	OnDrop func(topic model.Topic)
}

// New creates a Bus with the given per-subscriber buffer size.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[model.Topic][]*subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers a handler for a topic and starts its drain goroutine.
func (b *Bus) Subscribe(topic model.Topic, h Handler) {
	sub := &subscriber{
		topic:   topic,
		ch:      make(chan model.Event, b.bufSize),
		handler: h,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Printf("[bus] subscribe on closed bus for topic %s, ignoring", topic)
		return
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for e := range sub.ch {
			sub.handler(e)
		}
	}()
}

// Publish hands the event to every subscriber of its topic. Never blocks:
// on a full channel the oldest queued event is discarded to make room.
func (b *Bus) Publish(e model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[e.Topic] {
		select {
		case sub.ch <- e:
			continue
		default:
		}
		// Full: shed the oldest and retry once. If the drain goroutine
		// emptied the channel in between, nothing is actually lost and the
		// second send just succeeds.
		shed := false
		select {
		case <-sub.ch:
			shed = true
		default:
		}
		sent := false
		select {
		case sub.ch <- e:
			sent = true
		default:
		}
		if shed {
			b.noteDrop(e.Topic)
		}
		if !sent {
			b.noteDrop(e.Topic)
		}
	}
}

// noteDrop records one lost event for a topic.
func (b *Bus) noteDrop(topic model.Topic) {
	if b.OnDrop != nil {
		b.OnDrop(topic)
	} else {
		log.Printf("[bus] subscriber channel full on %s, dropped event", topic)
	}
}

// Close stops delivery, lets queued events drain, and waits for handlers to
// finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// QueueStats reports (len, cap) per subscriber for saturation metrics.
type QueueStat struct {
	Topic model.Topic
	Len   int
	Cap   int
}

func (b *Bus) QueueStats() []QueueStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var stats []QueueStat
	for topic, subs := range b.subs {
		for _, sub := range subs {
			stats = append(stats, QueueStat{Topic: topic, Len: len(sub.ch), Cap: cap(sub.ch)})
		}
	}
	return stats
}
