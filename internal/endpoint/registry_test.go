package endpoint

import (
	"testing"
	"time"
)

func TestRegistrySnapshotFiltersUnhealthy(t *testing.T) {
	r := NewRegistry()
	a := New("http://a:8000", "m", RoleNone, "", time.Unix(0, 0))
	b := New("http://b:8000", "m", RoleNone, "", time.Unix(0, 0))
	r.Upsert(a)
	r.Upsert(b)
	r.MarkUnhealthy(a.Hash)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].URL != "http://b:8000" {
		t.Fatalf("expected only b to be healthy, got %+v", snap)
	}
}

func TestRegistrySetSleeping(t *testing.T) {
	r := NewRegistry()
	a := New("http://a:8000", "m", RoleNone, "", time.Unix(0, 0))
	r.Upsert(a)

	if !r.SetSleeping(a.Hash, true) {
		t.Fatal("expected SetSleeping to succeed")
	}
	got, _ := r.Get(a.Hash)
	if !got.Sleeping {
		t.Fatal("expected endpoint to be marked sleeping")
	}
	if models := r.ModelsUnion(); len(models) != 0 {
		t.Fatalf("sleeping endpoint must not appear in models union, got %v", models)
	}
}

func TestRegistryRemoveByPod(t *testing.T) {
	r := NewRegistry()
	r.Upsert(New("http://a:8000", "m1", RoleNone, "pod-1", time.Unix(0, 0)))
	r.Upsert(New("http://a:8000", "m2", RoleNone, "pod-1", time.Unix(0, 0)))
	r.Upsert(New("http://b:8000", "m1", RoleNone, "pod-2", time.Unix(0, 0)))

	r.RemoveByPod("pod-1")
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].URL != "http://b:8000" {
		t.Fatalf("expected only pod-2's endpoint to remain, got %+v", snap)
	}
}
