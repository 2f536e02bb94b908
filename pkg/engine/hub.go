package engine

import (
	"context"
	"sync/atomic"

	"skytrack/pkg/protocol"
)

// Hub fans events out to subscribers. Neither publishers nor the hub ever
// wait on a slow subscriber; events that do not fit are dropped and counted.
type Hub struct {
	broadcast  chan protocol.Event
	register   chan chan protocol.Event
	unregister chan chan protocol.Event
	clients    map[chan protocol.Event]struct{}
	clientBuf  int
	done       chan struct{}
	dropped    atomic.Uint64
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Event, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Event, 256),
		register:   make(chan chan protocol.Event),
		unregister: make(chan chan protocol.Event),
		clients:    make(map[chan protocol.Event]struct{}),
		clientBuf:  100,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers events until ctx ends. On shutdown it closes every subscriber
// channel first and done last, so a Subscribe or Unsubscribe racing the stop
// either reaches the loop or sees done and never blocks.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case ev := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- ev:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan protocol.Event {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer registers a new subscriber. After the hub stopped it
// returns an already closed channel.
func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Event {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Event, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.Event) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

func (h *Hub) Publish(ev protocol.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
