package routing

import (
	"math/rand/v2"
	"sync"

	"github.com/zeebo/xxh3"
)

// trieChunkChars is the default chunk size C for the longest-prefix
// trie (§4.4 "fixed-size (C characters, default 128)").
const trieChunkChars = 128

// estimatedNodeBytes approximates one trie node's heap footprint for
// the memory-watermark eviction trigger: Insert multiplies it by the
// number of tracked nodes and compares that estimate with the configured
// limit. No process memory measurement is taken.
const estimatedNodeBytes = 256

// trieNode is one node of the longest-prefix trie: keyed by a hashed
// chunk, each with its own lock so concurrent inserts/reads on
// disjoint paths don't contend (§5 "Trie in longest-prefix").
type trieNode struct {
	mu        sync.Mutex
	children  map[uint64]*trieNode
	endpoints map[string]struct{}
	parent    *trieNode
}

func newTrieNode(parent *trieNode) *trieNode {
	return &trieNode{
		children:  make(map[uint64]*trieNode),
		endpoints: make(map[string]struct{}),
		parent:    parent,
	}
}

// Trie is the longest-prefix affinity's shared index (§4.4
// "Longest-prefix"). order tracks nodes in insertion/touch order so
// eviction can remove children before their parents (§9 "Trie
// eviction"): a node is only evicted once it has no children, so
// sweeping from the front of order naturally hits leaves first.
type Trie struct {
	mu   sync.Mutex
	root *trieNode
	order []*trieNode

	maxMemoryMB       int
	evictionThreshold float64
	targetUtilization float64
}

func NewTrie(maxMemoryMB int, evictionThreshold, targetUtilization float64) *Trie {
	return &Trie{
		root:              newTrieNode(nil),
		maxMemoryMB:       maxMemoryMB,
		evictionThreshold: evictionThreshold,
		targetUtilization: targetUtilization,
	}
}

func chunkAndHash(text string) []uint64 {
	var hashes []uint64
	for i := 0; i < len(text); i += trieChunkChars {
		end := i + trieChunkChars
		if end > len(text) {
			end = len(text)
		}
		hashes = append(hashes, xxh3.HashString(text[i:end]))
	}
	return hashes
}

// Insert walks/creates the path for text's chunk sequence, tagging
// every node along the path with url (§4.4: "insert the hashed chunk
// sequence, tagging each node with the chosen endpoint").
func (t *Trie) Insert(text, url string) {
	hashes := chunkAndHash(text)
	if len(hashes) == 0 {
		return
	}

	node := t.root
	var path []*trieNode
	for _, h := range hashes {
		node.mu.Lock()
		child, ok := node.children[h]
		if !ok {
			child = newTrieNode(node)
			node.children[h] = child
		}
		node.mu.Unlock()
		node = child
		path = append(path, node)
	}

	for _, n := range path {
		n.mu.Lock()
		n.endpoints[url] = struct{}{}
		n.mu.Unlock()
	}

	t.mu.Lock()
	t.order = append(t.order, path...)
	switch {
	case t.maxMemoryMB == 0:
		// A zero-MB cap means zero capacity: every insert is evicted
		// back out immediately (§8: "a memory cap of 0 MB yields an
		// empty trie after a small number of inserts").
		t.evictLocked(1.0)
	case t.maxMemoryMB > 0 && t.memoryMB() > float64(t.maxMemoryMB)*t.evictionThreshold:
		t.evictLocked(1 - t.targetUtilization)
	}
	t.mu.Unlock()
}

// LongestPrefixMatch walks the trie as far as text's chunk sequence
// allows, returning the deepest node whose tagged endpoint set
// intersects candidateSet; ties broken randomly (§4.4).
func (t *Trie) LongestPrefixMatch(text string, candidateSet map[string]bool) (string, bool) {
	hashes := chunkAndHash(text)
	node := t.root
	var bestMatch []string

	for _, h := range hashes {
		node.mu.Lock()
		child, ok := node.children[h]
		node.mu.Unlock()
		if !ok {
			break
		}
		node = child

		node.mu.Lock()
		var match []string
		for url := range node.endpoints {
			if candidateSet[url] {
				match = append(match, url)
			}
		}
		node.mu.Unlock()
		if len(match) > 0 {
			bestMatch = match
		}
	}

	if len(bestMatch) == 0 {
		return "", false
	}
	return bestMatch[rand.IntN(len(bestMatch))], true
}

// Evict removes percentage of tracked nodes, oldest-first, skipping
// any node that still has children (parents outlive their children).
func (t *Trie) Evict(percentage float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(percentage)
}

// evictLocked removes up to ceil(percentage * len(order)) nodes,
// sweeping oldest-first and skipping any node with children. A node
// can only be evicted once every descendant under it is gone, so a
// single sweep may leave newly-leaf nodes behind; repeat sweeps until
// the target is met or a full pass evicts nothing further.
func (t *Trie) evictLocked(percentage float64) {
	if percentage <= 0 || len(t.order) == 0 {
		return
	}
	target := int(float64(len(t.order)) * percentage)
	if target == 0 {
		target = 1
	}

	evicted := 0
	for evicted < target {
		remaining := make([]*trieNode, 0, len(t.order))
		evictedThisPass := 0
		for _, n := range t.order {
			if evicted < target && n.leaf() {
				n.detach()
				evicted++
				evictedThisPass++
				continue
			}
			remaining = append(remaining, n)
		}
		t.order = remaining
		if evictedThisPass == 0 {
			return
		}
	}
}

func (t *Trie) memoryMB() float64 {
	return float64(len(t.order)) * estimatedNodeBytes / (1024 * 1024)
}

// Size returns the number of tracked nodes, used by tests to verify
// that a 0 MB memory cap yields an empty trie after a small number of
// inserts (§8).
func (t *Trie) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

func (n *trieNode) leaf() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.children) == 0
}

func (n *trieNode) detach() {
	if n.parent == nil {
		return
	}
	n.parent.mu.Lock()
	for h, c := range n.parent.children {
		if c == n {
			delete(n.parent.children, h)
			break
		}
	}
	n.parent.mu.Unlock()
}
