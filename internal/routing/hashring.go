package routing

import (
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/vllm-project/router/internal/endpoint"
)

const ringVirtualNodes = 32

// hashRing is a consistent-hash ring over endpoint URLs, used by the
// session and similarity-hash affinity policies. No dependency here
// offers a standalone consistent-hash-ring primitive, so this hand-
// rolled ring implements "iterate the ring until one entry is a live
// candidate" directly, using the same xxh3-based hashing the rest of
// the router uses.
type hashRing struct {
	points []ringPoint
}

type ringPoint struct {
	hash uint64
	url  string
}

func buildRing(urls []string) *hashRing {
	points := make([]ringPoint, 0, len(urls)*ringVirtualNodes)
	for _, u := range urls {
		for v := 0; v < ringVirtualNodes; v++ {
			points = append(points, ringPoint{hash: ringHash(u, v), url: u})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return &hashRing{points: points}
}

func ringHash(url string, virtual int) uint64 {
	buf := make([]byte, 0, len(url)+4)
	buf = append(buf, url...)
	buf = append(buf, byte(virtual), byte(virtual>>8), byte(virtual>>16), byte(virtual>>24))
	return xxh3.Hash(buf)
}

// lookup returns, in ring order starting from key's hash, the first
// URL present in candidateSet. Empty string if none match.
func (r *hashRing) lookup(key string, candidateSet map[string]bool) string {
	if len(r.points) == 0 {
		return ""
	}
	h := xxh3.HashString(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })

	for i := 0; i < len(r.points); i++ {
		p := r.points[(start+i)%len(r.points)]
		if candidateSet[p.url] {
			return p.url
		}
	}
	return ""
}

func candidateURLSet(candidates []endpoint.Endpoint) map[string]bool {
	set := make(map[string]bool, len(candidates))
	for _, e := range candidates {
		set[e.URL] = true
	}
	return set
}

func candidateURLs(candidates []endpoint.Endpoint) []string {
	urls := make([]string, len(candidates))
	for i, e := range candidates {
		urls[i] = e.URL
	}
	return urls
}

func findByURL(candidates []endpoint.Endpoint, url string) (endpoint.Endpoint, bool) {
	for _, e := range candidates {
		if e.URL == url {
			return e, true
		}
	}
	return endpoint.Endpoint{}, false
}
