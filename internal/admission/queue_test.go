package admission

import (
	"testing"
	"time"

	"github.com/vllm-project/router/internal/endpoint"
)

func TestQueueOrdersByPriorityThenAge(t *testing.T) {
	q := NewQueue(endpoint.Hash{})
	now := time.Now()

	low := &Entry{RequestID: "low", Priority: 0, EnqueuedAt: now}
	highLater := &Entry{RequestID: "high-later", Priority: 5, EnqueuedAt: now.Add(time.Second)}
	highEarlier := &Entry{RequestID: "high-earlier", Priority: 5, EnqueuedAt: now}

	q.Push(low)
	q.Push(highLater)
	q.Push(highEarlier)

	if got := q.Pop().RequestID; got != "high-earlier" {
		t.Fatalf("got %s, want high-earlier", got)
	}
	if got := q.Pop().RequestID; got != "high-later" {
		t.Fatalf("got %s, want high-later", got)
	}
	if got := q.Pop().RequestID; got != "low" {
		t.Fatalf("got %s, want low", got)
	}
	if q.Pop() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue(endpoint.Hash{})
	a := &Entry{RequestID: "a", EnqueuedAt: time.Now()}
	b := &Entry{RequestID: "b", EnqueuedAt: time.Now()}
	q.Push(a)
	q.Push(b)

	if !q.Remove(a) {
		t.Fatal("expected Remove(a) to succeed")
	}
	if q.Remove(a) {
		t.Fatal("expected second Remove(a) to fail")
	}
	if q.Len() != 1 {
		t.Fatalf("got len %d, want 1", q.Len())
	}
}
