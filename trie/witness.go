package trie

import (
	"bytes"
	"fmt"
	"sort"

	libcommon "github.com/erigontech/trie-witness/common"
)

// Witness is the set of trie nodes sufficient to re-execute a state transition
// and recompute the state root, keyed by the keccak hash of the node RLP.
type Witness map[libcommon.Hash][]byte

// Add stores a copy of the encoded node and returns its hash. Inserting the
// same node twice is a no-op.
func (w Witness) Add(nodeRlp []byte) (libcommon.Hash, error) {
	hash, err := libcommon.HashData(nodeRlp)
	if err != nil {
		return libcommon.Hash{}, err
	}
	if _, ok := w[hash]; !ok {
		w[hash] = libcommon.Copy(nodeRlp)
	}
	return hash, nil
}

// Has reports whether the node with the given hash is part of the witness.
func (w Witness) Has(hash libcommon.Hash) bool {
	_, ok := w[hash]
	return ok
}

// Sorted returns the witness nodes ordered by their hash.
func (w Witness) Sorted() [][]byte {
	hashes := make([]libcommon.Hash, 0, len(w))
	for hash := range w {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	nodes := make([][]byte, len(hashes))
	for i, hash := range hashes {
		nodes[i] = w[hash]
	}
	return nodes
}

// Lookup walks the witness from the trie with the given root towards key and
// returns the value stored at key, or nil if the walk proves its absence. It
// returns an error if a node needed for the walk is not part of the witness.
func (w Witness) Lookup(root libcommon.Hash, key []byte) ([]byte, error) {
	keyHex := keybytesToHex(key)
	var n node = hashNode{hash: root[:]}
	for {
		switch nt := n.(type) {
		case hashNode:
			enc, ok := w[libcommon.BytesToHash(nt.hash)]
			if !ok {
				return nil, fmt.Errorf("witness is missing node %x", nt.hash)
			}
			var err error
			n, err = decodeNode(enc)
			if err != nil {
				return nil, err
			}
		case *fullNode:
			if len(keyHex) == 0 {
				return nil, fmt.Errorf("key exhausted at a branch node")
			}
			n, keyHex = nt.Children[keyHex[0]], keyHex[1:]
			if n == nil {
				return nil, nil
			}
		case *shortNode:
			if len(nt.Key) > len(keyHex) || !bytes.Equal(nt.Key, keyHex[:len(nt.Key)]) {
				return nil, nil
			}
			n, keyHex = nt.Val, keyHex[len(nt.Key):]
		case valueNode:
			if len(keyHex) != 0 {
				return nil, fmt.Errorf("value reached with %d nibbles of key remaining", len(keyHex))
			}
			return libcommon.Copy(nt), nil
		default:
			return nil, fmt.Errorf("unexpected node type %T", n)
		}
	}
}
