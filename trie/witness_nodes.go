package trie

import (
	"bytes"
	"fmt"

	"github.com/google/btree"

	libcommon "github.com/erigontech/trie-witness/common"
	"github.com/erigontech/trie-witness/trie/rlphacks"
)

// trieNodeEntry is one element of the ordered node set that the root builder
// consumes. Terminated paths (paths ending in the terminator nibble) carry leaf
// values, all other paths carry hashes of unmodified subtries.
type trieNodeEntry struct {
	path  []byte
	hash  libcommon.Hash
	value []byte
}

func (e trieNodeEntry) isLeaf() bool {
	return hasTerm(e.path)
}

// nodeMap keeps trie node entries ordered by path.
type nodeMap struct {
	t *btree.BTreeG[trieNodeEntry]
}

func newNodeMap() *nodeMap {
	return &nodeMap{
		t: btree.NewG(32, func(a, b trieNodeEntry) bool {
			return bytes.Compare(a.path, b.path) < 0
		}),
	}
}

func (m *nodeMap) insertHash(path []byte, hash libcommon.Hash) {
	m.t.ReplaceOrInsert(trieNodeEntry{path: path, hash: hash})
}

func (m *nodeMap) insertValue(path []byte, value []byte) {
	m.t.ReplaceOrInsert(trieNodeEntry{path: path, value: value})
}

func (m *nodeMap) delete(path []byte) {
	m.t.Delete(trieNodeEntry{path: path})
}

func (m *nodeMap) sorted() []trieNodeEntry {
	entries := make([]trieNodeEntry, 0, m.t.Len())
	m.t.Ascend(func(e trieNodeEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// targetNodes records the references exposed by every node of a multiproof:
// for each branch node the hashes of its children, for each extension the hash
// of its child subtrie, and for each leaf its value at the full key path. A
// child that the proof itself descends into is skipped, the deeper proof
// elements describe its content and a hash entry would go stale if the post
// state deletes the leaf below it. Extensions the proof diverges inside of
// must keep their child: the target key is absent there, but the subtrie is
// part of the trie and the root is wrong without it.
func targetNodes(proof Multiproof, nodes *nodeMap) error {
	onPath := make(map[string]struct{}, len(proof))
	for _, pn := range proof {
		onPath[string(pn.Path)] = struct{}{}
	}
	for _, pn := range proof {
		n, err := decodeNode(pn.RLP)
		if err != nil {
			return fmt.Errorf("malformed proof node at path %x: %w", pn.Path, err)
		}
		switch n := n.(type) {
		case *fullNode:
			for i := 0; i < 16; i++ {
				child := n.Children[i]
				if child == nil {
					continue
				}
				h, ok := child.(hashNode)
				if !ok {
					return fmt.Errorf("embedded child %d of branch node at path %x", i, pn.Path)
				}
				childPath := make([]byte, len(pn.Path)+1)
				copy(childPath, pn.Path)
				childPath[len(pn.Path)] = byte(i)
				if _, ok := onPath[string(childPath)]; ok {
					continue
				}
				nodes.insertHash(childPath, libcommon.BytesToHash(h.hash))
			}
		case *shortNode:
			childPath := make([]byte, 0, len(pn.Path)+len(n.Key))
			childPath = append(childPath, pn.Path...)
			childPath = append(childPath, n.Key...)
			switch v := n.Val.(type) {
			case valueNode:
				nodes.insertValue(childPath, libcommon.Copy(v))
			case hashNode:
				if _, ok := onPath[string(childPath)]; ok {
					continue
				}
				nodes.insertHash(childPath, libcommon.BytesToHash(v.hash))
			default:
				return fmt.Errorf("embedded child of extension node at path %x", pn.Path)
			}
		}
	}
	return nil
}

// reduceSorted drops every entry whose path is a strict prefix of a later
// entry: the deeper entries carry the post-state of that subtrie and the stale
// subtrie hash above them must not shadow it. Prefixed entries are contiguous
// in path order, so comparing consecutive pairs is sufficient.
func reduceSorted(entries []trieNodeEntry) []trieNodeEntry {
	reduced := entries[:0]
	for i, e := range entries {
		if i+1 < len(entries) && isStrictPrefix(e.path, entries[i+1].path) {
			continue
		}
		reduced = append(reduced, e)
	}
	return reduced
}

func isStrictPrefix(a, b []byte) bool {
	return len(a) < len(b) && bytes.Equal(a, b[:len(a)])
}

// nodeFetcher returns the RLP encoding of the trie node that sits at the given
// path in the pre-state trie.
type nodeFetcher func(path []byte) ([]byte, error)

// MissingNodeError is returned when a node required to rebuild the root could
// not be fetched.
type MissingNodeError struct {
	Path []byte
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("missing trie node at path %x", e.Path)
}

// resolveSubtree fetches the node at the given path and expands it one level
// into fresh entries. A single entry left alone under its parent branch means
// that branch does not survive the transition, so the subtrie below the entry
// moves up and its hash is no longer valid at that position. Extension nodes
// are followed down to their branch child before expanding.
func resolveSubtree(path []byte, fetch nodeFetcher) ([]trieNodeEntry, error) {
	path = libcommon.Copy(path)
	for {
		enc, err := fetch(path)
		if err != nil {
			return nil, err
		}
		n, err := decodeNode(enc)
		if err != nil {
			return nil, fmt.Errorf("malformed node at path %x: %w", path, err)
		}
		switch n := n.(type) {
		case *fullNode:
			var expanded []trieNodeEntry
			for i := 0; i < 16; i++ {
				child := n.Children[i]
				if child == nil {
					continue
				}
				h, ok := child.(hashNode)
				if !ok {
					return nil, fmt.Errorf("embedded child %d of branch node at path %x", i, path)
				}
				childPath := make([]byte, len(path)+1)
				copy(childPath, path)
				childPath[len(path)] = byte(i)
				expanded = append(expanded, trieNodeEntry{path: childPath, hash: libcommon.BytesToHash(h.hash)})
			}
			return expanded, nil
		case *shortNode:
			if v, ok := n.Val.(valueNode); ok {
				leafPath := append(path, n.Key...)
				return []trieNodeEntry{{path: leafPath, value: libcommon.Copy(v)}}, nil
			}
			path = append(path, n.Key...)
		default:
			return nil, fmt.Errorf("unexpected node type %T at path %x", n, path)
		}
	}
}

// nextRootFromProofs computes the root of the trie assembled from the ordered
// entries. Hash entries whose parent branch is not shared with a neighbouring
// entry are resolved through fetch and expanded in place, because such a branch
// collapses and the subtrie hash would end up at the wrong position.
func nextRootFromProofs(entries []trieNodeEntry, fetch nodeFetcher) (libcommon.Hash, error) {
	if len(entries) == 0 {
		return EmptyRoot, nil
	}
	if len(entries) == 1 && len(entries[0].path) == 0 {
		// The whole trie is untouched.
		return entries[0].hash, nil
	}

	hb := NewHashBuilder(false)
	retain := func(prefix []byte) bool { return false }

	var curr, succ bytes.Buffer
	var currData, succData GenStructStepData
	var groups []uint16
	step := func(path []byte, data GenStructStepData) error {
		curr.Reset()
		curr.Write(succ.Bytes())
		succ.Reset()
		succ.Write(path)
		currData, succData = succData, data
		if curr.Len() > 0 {
			var err error
			groups, err = GenStructStep(retain, curr.Bytes(), succ.Bytes(), hb, nil, currData, groups, false)
			if err != nil {
				return err
			}
		}
		return nil
	}

	var lastPath []byte
	i := 0
	for i < len(entries) {
		e := entries[i]
		if !e.isLeaf() && len(e.path) > 0 {
			parent := e.path[:len(e.path)-1]
			var next []byte
			if i+1 < len(entries) {
				next = entries[i+1].path
			}
			covered := (lastPath != nil && bytes.HasPrefix(lastPath, parent)) ||
				(next != nil && bytes.HasPrefix(next, parent))
			if !covered {
				expanded, err := resolveSubtree(e.path, fetch)
				if err != nil {
					return libcommon.Hash{}, err
				}
				entries = append(entries[:i], append(expanded, entries[i+1:]...)...)
				continue
			}
		}
		var data GenStructStepData
		if e.isLeaf() {
			data = &GenStructStepLeafData{Value: rlphacks.RlpEncodedBytes(e.value)}
		} else {
			data = GenStructStepHashData{Hash: e.hash}
		}
		if err := step(e.path, data); err != nil {
			return libcommon.Hash{}, err
		}
		lastPath = e.path
		i++
	}
	if err := step(nil, nil); err != nil {
		return libcommon.Hash{}, err
	}
	if !hb.hasRoot() {
		return EmptyRoot, nil
	}
	return hb.RootHash()
}
