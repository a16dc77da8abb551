package endpoint

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry is the concurrent endpoint set service discovery publishes
// into and every other subsystem reads a snapshot of. It mirrors the
// teacher's node pool (internal/topology/pool.go): an xsync.Map keyed
// by hash, mutated with single Store/Delete/Compute calls so
// add/update/remove are each one atomic map operation, read without
// locking via Range/Snapshot.
type Registry struct {
	entries   *xsync.Map[Hash, Endpoint]
	unhealthy *xsync.Map[Hash, struct{}]

	mu sync.RWMutex // not used by any method; entries/unhealthy are lock-free
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   xsync.NewMap[Hash, Endpoint](),
		unhealthy: xsync.NewMap[Hash, struct{}](),
	}
}

// Upsert adds or replaces an endpoint record.
func (r *Registry) Upsert(e Endpoint) {
	r.entries.Store(e.Hash, e)
}

// Remove deletes an endpoint record and clears any unhealthy marking.
func (r *Registry) Remove(h Hash) {
	r.entries.Delete(h)
	r.unhealthy.Delete(h)
}

// Get returns a single endpoint by hash.
func (r *Registry) Get(h Hash) (Endpoint, bool) {
	return r.entries.Load(h)
}

// MarkUnhealthy places a hash in the unhealthy set; Snapshot filters it
// out until ClearUnhealthy or Remove is called for it (Upsert leaves the
// marking in place).
func (r *Registry) MarkUnhealthy(h Hash) {
	r.unhealthy.Store(h, struct{}{})
}

// ClearUnhealthy removes a hash from the unhealthy set.
func (r *Registry) ClearUnhealthy(h Hash) {
	r.unhealthy.Delete(h)
}

// UnhealthyHashes returns the current unhealthy set.
func (r *Registry) UnhealthyHashes() []Hash {
	out := make([]Hash, 0, r.unhealthy.Size())
	r.unhealthy.Range(func(h Hash, _ struct{}) bool {
		out = append(out, h)
		return true
	})
	return out
}

// Snapshot returns every healthy endpoint, ordered by URL then Model so
// callers needing a stable iteration order (round-robin) get one
// without re-sorting themselves.
func (r *Registry) Snapshot() []Endpoint {
	out := make([]Endpoint, 0, r.entries.Size())
	r.entries.Range(func(h Hash, e Endpoint) bool {
		if _, bad := r.unhealthy.Load(h); bad {
			return true
		}
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// ModelsUnion returns the sorted union of model names across every
// non-sleeping endpoint (§6 "/v1/models").
func (r *Registry) ModelsUnion() []string {
	seen := map[string]struct{}{}
	r.entries.Range(func(_ Hash, e Endpoint) bool {
		if !e.Sleeping {
			seen[e.Model] = struct{}{}
		}
		return true
	})
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RemoveByPod deletes every endpoint whose PodName matches, used by the
// Cluster discovery variant on pod DELETE / readiness loss (§4.1).
func (r *Registry) RemoveByPod(podName string) {
	var dead []Hash
	r.entries.Range(func(h Hash, e Endpoint) bool {
		if e.PodName == podName {
			dead = append(dead, h)
		}
		return true
	})
	for _, h := range dead {
		r.Remove(h)
	}
}

// SetSleeping sets the sleep flag of the one endpoint with hash h
// (§4.8 "Sleep/Wake") and reports whether it exists. Other Endpoint
// records sharing the same URL (other models of the same engine) keep
// their own flag.
func (r *Registry) SetSleeping(h Hash, sleeping bool) bool {
	_, ok := r.entries.Compute(h, func(e Endpoint, loaded bool) (Endpoint, xsync.ComputeOp) {
		if !loaded {
			return e, xsync.CancelOp
		}
		e.Sleeping = sleeping
		return e, xsync.UpdateOp
	})
	return ok
}
