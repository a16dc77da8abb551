// Package discovery implements the Static and Cluster service
// discovery variants (§4.1).
package discovery

import (
	"github.com/vllm-project/router/internal/endpoint"
)

// Discovery exposes the four operations §4.1 requires of both
// variants. Implementations own their Endpoint records; everyone else
// holds read-only snapshots (§3 "Ownership").
type Discovery interface {
	Snapshot() []endpoint.Endpoint
	UnhealthyHashes() []endpoint.Hash
	MarkUnhealthy(h endpoint.Hash)
	Close() error
}
