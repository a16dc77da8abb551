// Package endpoint holds the Endpoint data model (§3) and the
// concurrent registry service discovery publishes into.
package endpoint

import (
	"fmt"
	"time"

	"github.com/zeebo/xxh3"
)

// Role labels an endpoint's specialization, used by disaggregated
// prefill/decode routing and by the transcription surface (§4.6, §6).
type Role string

const (
	RoleNone          Role = ""
	RolePrefill       Role = "prefill"
	RoleDecode        Role = "decode"
	RoleTranscription Role = "transcription"
)

// Hash is an endpoint's opaque stable identity, derived from its
// (url, model) pair.
type Hash [16]byte

// HashURLModel derives an Endpoint's stable id from its URL and model
// name via an xxh3-over-"url\x00model" hash.
func HashURLModel(url, model string) Hash {
	sum := xxh3.Hash128([]byte(url + "\x00" + model))
	var h Hash
	b := sum.Bytes()
	copy(h[:], b[:])
	return h
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", [16]byte(h))
}

// Endpoint is an immutable description of one reachable (URL, model)
// pair (§3, GLOSSARY "Endpoint"). Updates are whole-value replacements
// in the registry, never in-place mutation, so readers holding a
// snapshot never observe a half-updated record.
type Endpoint struct {
	Hash      Hash
	URL       string
	Model     string
	Role      Role
	PodName   string
	Sleeping  bool
	CreatedAt time.Time
}

// New builds an Endpoint and derives its Hash from URL+Model.
func New(url, model string, role Role, podName string, createdAt time.Time) Endpoint {
	return Endpoint{
		Hash:      HashURLModel(url, model),
		URL:       url,
		Model:     model,
		Role:      role,
		PodName:   podName,
		Sleeping:  false,
		CreatedAt: createdAt,
	}
}
