package chain

import (
	"testing"
	"time"

	"github.com/searchktools/fastclient/core/events"
	"github.com/searchktools/fastclient/core/httpmsg"
)

type nullStore struct{}

func (nullStore) Get(key string) (*httpmsg.Response, bool) { return nil, false }
func (nullStore) Put(key string, response *httpmsg.Response) {}
func (nullStore) Remove(key string) {}

// CacheInterceptor publishes a real cache_decision event for an actual
// cache verdict, not just when a test wires a hub that nothing feeds.
func TestCacheInterceptor_PublishesCacheDecisionEvent(t *testing.T) {
	hub := events.NewHub()
	sub, id := hub.Subscribe(4)
	defer hub.Unsubscribe(id)

	ci := &CacheInterceptor{
		Store: nullStore{},
		Now:   func() int64 { return time.Now().UnixMilli() },
		Hub:   hub,
	}

	request := httpmsg.NewRequest("GET", httpmsg.URL{Host: "example.com"})
	request.Header.Set(httpmsg.HeaderCacheControl, "only-if-cached")

	c := New([]Interceptor{ci}, request)
	_, err := c.Proceed(request)
	if err != ErrUnsatisfiable {
		t.Fatalf("expected ErrUnsatisfiable for only-if-cached with no cached entry, got %v", err)
	}

	select {
	case e := <-sub:
		if e.Type != events.TypeCacheDecision {
			t.Fatalf("expected cache_decision event, got %v", e.Type)
		}
		if e.CacheDecision != "unsatisfiable" {
			t.Errorf("expected decision label %q, got %q", "unsatisfiable", e.CacheDecision)
		}
		if e.Host != "example.com" {
			t.Errorf("expected host example.com, got %q", e.Host)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache_decision event")
	}
}

// With no Hub installed, CacheInterceptor still behaves correctly and
// never panics on the nil-Hub no-op path.
func TestCacheInterceptor_NilHubIsNoOp(t *testing.T) {
	ci := &CacheInterceptor{Store: nullStore{}, Now: func() int64 { return 0 }}
	request := httpmsg.NewRequest("GET", httpmsg.URL{Host: "example.com"})
	request.Header.Set(httpmsg.HeaderCacheControl, "only-if-cached")

	c := New([]Interceptor{ci}, request)
	if _, err := c.Proceed(request); err != ErrUnsatisfiable {
		t.Fatalf("expected ErrUnsatisfiable, got %v", err)
	}
}
