package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/dyad/internal/engine"
)

// drain collects every frame already buffered on ch.
func drain(t *testing.T, ch chan []byte) []string {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func records(frames []string) []string {
	var out []string
	for _, f := range frames {
		if !strings.Contains(f, "event: "+TypeStats) {
			out = append(out, f)
		}
	}
	return out
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe(Filter{})
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDeliveryWithSequence(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(Filter{Models: []string{"PAGE"}})
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "ping", Data: map[string]string{"at": "now"}})
	b.Publish(Event{Type: "ping", Data: map[string]string{"at": "later"}})

	frames := drain(t, ch)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 (raw events ignore the model filter)", len(frames))
	}
	if !strings.HasPrefix(frames[0], "id: 1\nevent: ping\n") || !strings.Contains(frames[0], `"at":"now"`) {
		t.Errorf("first frame = %q", frames[0])
	}
	if !strings.HasPrefix(frames[1], "id: 2\n") {
		t.Errorf("second frame = %q", frames[1])
	}
}

func TestPublishRecordThrottlesStats(t *testing.T) {
	b := NewBroker(
		WithStatsThrottle(500*time.Millisecond),
		WithStats(func() engine.Stats { return engine.Stats{RelationalWrites: 7} }),
	)
	defer b.Close()
	ch := b.Subscribe(Filter{})
	defer b.Unsubscribe(ch)

	ctx := context.Background()
	b.PublishRecord(ctx, engine.Event{Kind: engine.EventCreated, Model: "PAGE", ID: "page:1"})
	b.PublishRecord(ctx, engine.Event{Kind: engine.EventUpdated, Model: "PAGE", ID: "page:1"})

	frames := drain(t, ch)
	recs := records(frames)
	if len(recs) != 2 {
		t.Fatalf("record events = %d, want 2", len(recs))
	}
	if !strings.Contains(recs[0], "event: record.created") || !strings.Contains(recs[0], `"id":"page:1"`) {
		t.Errorf("unexpected first frame %q", recs[0])
	}
	stats := len(frames) - len(recs)
	if stats != 1 {
		t.Fatalf("stats events = %d, want 1 (throttled)", stats)
	}
	for _, f := range frames {
		if strings.Contains(f, "event: "+TypeStats) && !strings.Contains(f, `"relational_writes":7`) {
			t.Errorf("stats payload missing counters: %q", f)
		}
	}
}

func TestModelFilter(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	pages := b.Subscribe(Filter{Models: []string{"page"}})
	all := b.Subscribe(Filter{})
	defer b.Unsubscribe(pages)
	defer b.Unsubscribe(all)

	ctx := context.Background()
	b.PublishRecord(ctx, engine.Event{Kind: engine.EventCreated, Model: "PROJECT", ID: "project:1"})
	b.PublishRecord(ctx, engine.Event{Kind: engine.EventCreated, Model: "PAGE", ID: "page:1"})

	got := records(drain(t, pages))
	if len(got) != 1 || !strings.Contains(got[0], `"id":"page:1"`) {
		t.Errorf("page subscriber got %q", got)
	}
	if n := len(records(drain(t, all))); n != 2 {
		t.Errorf("unfiltered subscriber got %d record events, want 2", n)
	}
}

func TestRowAuthFilter(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	alice := b.Subscribe(Filter{Principal: "alice"})
	bob := b.Subscribe(Filter{Principal: "bob"})
	anon := b.Subscribe(Filter{})
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(bob)
	defer b.Unsubscribe(anon)

	b.PublishRecord(context.Background(), engine.Event{
		Kind: engine.EventUpdated, Model: "PAGE", ID: "page:1",
		Data: map[string]any{"page_id": "page:1", "_auth": []string{"alice"}},
	})

	if n := len(records(drain(t, alice))); n != 1 {
		t.Errorf("alice got %d record events, want 1", n)
	}
	if n := len(records(drain(t, bob))); n != 0 {
		t.Errorf("bob got %d record events, want 0", n)
	}
	if n := len(records(drain(t, anon))); n != 0 {
		t.Errorf("anonymous subscriber got %d record events, want 0", n)
	}
}

func TestFilterFromRequest(t *testing.T) {
	b := NewBroker(WithPrincipal(func(r *http.Request) string { return r.Header.Get("X-Principal-ID") }))
	defer b.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/events?model=PAGE,%20PROJECT&model=CRAWL_LOG&model=", nil)
	req.Header.Set("X-Principal-ID", "alice")
	f := b.FilterFromRequest(req)
	if strings.Join(f.Models, "|") != "PAGE|PROJECT|CRAWL_LOG" {
		t.Errorf("models = %q", f.Models)
	}
	if f.Principal != "alice" {
		t.Errorf("principal = %q", f.Principal)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(WithHeartbeat(20 * time.Millisecond))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events?model=PAGE", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishRecord(ctx, engine.Event{Kind: engine.EventDeleted, Model: "PAGE", ID: "page:9"})
	b.PublishRecord(ctx, engine.Event{Kind: engine.EventDeleted, Model: "PROJECT", ID: "project:9"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: record.deleted") || !strings.Contains(body, "page:9") {
		t.Errorf("handler output missing event: %q", body)
	}
	if strings.Contains(body, "project:9") {
		t.Errorf("handler leaked a filtered model: %q", body)
	}
	if !strings.Contains(body, ": keepalive") {
		t.Errorf("handler output missing heartbeat: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe(Filter{})
	defer b.Unsubscribe(ch)

	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]int{"i": i}})
	}
	if n := len(drain(t, ch)); n != 64 {
		t.Errorf("buffered frames = %d, want 64", n)
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(Filter{})
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	b.Publish(Event{Type: "ping"})
	b.PublishRecord(context.Background(), engine.Event{Kind: engine.EventUpdated})
}
