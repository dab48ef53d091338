package feed

import (
	"strconv"
	"sync"
	"testing"

	"github.com/ashureev/threadsync/internal/domain"
)

func state(status domain.StreamStatus) domain.StreamingState {
	return domain.StreamingState{Status: status}
}

func TestHubPublishReachesEveryView(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Subscribe("tab-1")
	b := h.Subscribe("tab-2")

	h.Publish(state(domain.StatusConnecting))

	for _, sub := range []*Subscription{a, b} {
		got := <-sub.C()
		if got.Status != domain.StatusConnecting {
			t.Errorf("view %s got %s", sub.ViewID, got.Status)
		}
	}
}

func TestHubSlowViewKeepsNewest(t *testing.T) {
	h := NewHub(2, nil)
	sub := h.Subscribe("slow")

	statuses := []domain.StreamStatus{
		domain.StatusConnecting, domain.StatusStreaming, domain.StatusStreaming, domain.StatusCompleted,
	}
	for _, s := range statuses {
		h.Publish(state(s))
	}

	var got []domain.StreamStatus
	for len(sub.C()) > 0 {
		got = append(got, (<-sub.C()).Status)
	}
	if len(got) != 2 || got[1] != domain.StatusCompleted {
		t.Fatalf("expected newest snapshot last, got %v", got)
	}
	if sub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped snapshots, got %d", sub.Dropped())
	}
}

func TestHubSubscribeReplacesView(t *testing.T) {
	h := NewHub(1, nil)
	first := h.Subscribe("tab-1")
	second := h.Subscribe("tab-1")

	if _, ok := <-first.C(); ok {
		t.Fatal("replaced subscription should be closed")
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 view, got %d", h.Len())
	}

	// Unsubscribing the stale one must not remove the replacement.
	h.Unsubscribe(first)
	if h.Len() != 1 {
		t.Fatalf("stale unsubscribe removed the current view")
	}

	h.Publish(state(domain.StatusIdle))
	if got := <-second.C(); got.Status != domain.StatusIdle {
		t.Fatalf("replacement got %s", got.Status)
	}

	h.Unsubscribe(second)
	if h.Len() != 0 {
		t.Fatalf("expected no views, got %d", h.Len())
	}
}

func TestHubPublishIsolatesSnapshots(t *testing.T) {
	h := NewHub(1, nil)
	a := h.Subscribe("a")
	b := h.Subscribe("b")

	h.Publish(domain.StreamingState{Status: domain.StatusStreaming, Events: []domain.AgentEvent{{Sender: "Rate"}}})

	got := <-a.C()
	got.Events[0].Sender = "mutated"
	if other := <-b.C(); other.Events[0].Sender != "Rate" {
		t.Fatal("views share event slices")
	}
}

func TestHubConcurrentAccess(t *testing.T) {
	h := NewHub(1, nil)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			sub := h.Subscribe("tab-" + strconv.Itoa(i%10))
			if i%3 == 0 {
				h.Unsubscribe(sub)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Publish(state(domain.StatusStreaming))
		}
	}()
	wg.Wait()

	h.CloseAll()
	if h.Len() != 0 {
		t.Fatalf("expected no views after CloseAll, got %d", h.Len())
	}
}
