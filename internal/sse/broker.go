// Package sse streams committed record changes to HTTP clients as
// Server-Sent Events.
//
// Clients choose the models they follow with ?model=PAGE,PROJECT (repeatable).
// Record frames respect row authorization: a document whose _auth list does
// not name the client's principal is never sent to it.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/storage"
)

// Event is a single SSE frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TypeStats is the throttled event emitted after record changes.
const TypeStats = "stats.updated"

// Filter selects the record events a subscriber receives. An empty Models
// list follows every model.
type Filter struct {
	Models    []string
	Principal string
}

func (f Filter) matches(ev engine.Event) bool {
	if len(f.Models) > 0 && !containsFold(f.Models, ev.Model) {
		return false
	}
	return storage.Authorized(ev.Data, f.Principal)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Option configures a Broker.
type Option func(*Broker)

// WithStats attaches fn's value to the throttled stats.updated event.
func WithStats(fn func() engine.Stats) Option {
	return func(b *Broker) { b.stats = fn }
}

// WithStatsThrottle sets the minimum gap between two stats.updated events.
func WithStatsThrottle(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.statsMin = d
		}
	}
}

// WithHeartbeat sets how often an idle stream receives a keepalive comment.
// Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// WithPrincipal sets how ServeHTTP resolves the caller's principal.
func WithPrincipal(fn func(*http.Request) string) Option {
	return func(b *Broker) { b.principal = fn }
}

type subscription struct {
	ch     chan []byte
	filter Filter
}

type frame struct {
	event  Event
	record *engine.Event
}

// Broker fans record events out to connected clients.
//
// A single event loop owns the client set, the frame sequence and the stats
// throttle; public methods talk to it over channels.
type Broker struct {
	statsMin  time.Duration
	stats     func() engine.Stats
	heartbeat time.Duration
	principal func(*http.Request) string

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	frameCh       chan frame
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		statsMin:      2 * time.Second,
		heartbeat:     30 * time.Second,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		frameCh:       make(chan frame, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]Filter)
	var (
		seq       uint64
		lastStats time.Time
	)

	send := func(event Event, want func(Filter) bool) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload)

		for ch, f := range clients {
			if want != nil && !want(f) {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than block the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.filter

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case fr := <-b.frameCh:
			if fr.record == nil {
				send(fr.event, nil)
				continue
			}
			ev := *fr.record
			send(fr.event, func(f Filter) bool { return f.matches(ev) })

			now := time.Now()
			if now.Sub(lastStats) >= b.statsMin {
				lastStats = now
				var data any = map[string]string{}
				if b.stats != nil {
					data = b.stats()
				}
				send(Event{Type: TypeStats, Data: data}, nil)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the event loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client receiving the record events f selects, plus every
// stats and raw event.
func (b *Broker) Subscribe(f Filter) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, filter: f}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends a raw event to all clients.
func (b *Broker) Publish(event Event) {
	b.enqueue(frame{event: event})
}

// PublishRecord broadcasts a record change to matching subscribers, followed
// by a throttled stats.updated event. Its signature matches engine.Observer.
func (b *Broker) PublishRecord(_ context.Context, ev engine.Event) {
	b.enqueue(frame{event: Event{Type: string(ev.Kind), Data: ev}, record: &ev})
}

func (b *Broker) enqueue(fr frame) {
	if b.closed.Load() {
		return
	}
	select {
	case b.frameCh <- fr:
	case <-b.stopped:
	}
}

// FilterFromRequest reads the model query parameter, repeated or
// comma-separated, and the caller's principal.
func (b *Broker) FilterFromRequest(r *http.Request) Filter {
	var f Filter
	for _, v := range r.URL.Query()["model"] {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				f.Models = append(f.Models, m)
			}
		}
	}
	if b.principal != nil {
		f.Principal = b.principal(r)
	}
	return f
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(b.FilterFromRequest(r))
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
