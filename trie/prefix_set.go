package trie

import (
	"bytes"
	"sort"

	libcommon "github.com/erigontech/trie-witness/common"
)

// PrefixSet is a sorted set of hex-nibble key paths supporting prefix
// queries. Lookups keep a cursor into the sorted keys, so sequences of
// queries in ascending path order run in amortised constant time.
type PrefixSet struct {
	keys     [][]byte
	sorted   bool
	lteIndex int
}

// AddKey adds the full hex-nibble path of a changed key.
func (ps *PrefixSet) AddKey(keyHex []byte) {
	ps.keys = append(ps.keys, libcommon.Copy(keyHex))
	ps.sorted = false
}

func (ps *PrefixSet) ensureSorted() {
	if ps.sorted {
		return
	}
	sort.Slice(ps.keys, func(i, j int) bool {
		return bytes.Compare(ps.keys[i], ps.keys[j]) < 0
	})
	ps.sorted = true
	ps.lteIndex = 0
}

// Contains reports whether any key in the set has the given prefix.
func (ps *PrefixSet) Contains(prefix []byte) bool {
	if len(ps.keys) == 0 {
		return false
	}
	ps.ensureSorted()
	if len(prefix) == 0 {
		return true
	}
	// Adjust the cursor to the last key that is <= prefix.
	for ps.lteIndex < len(ps.keys)-1 && bytes.Compare(ps.keys[ps.lteIndex+1], prefix) <= 0 {
		ps.lteIndex++
	}
	for ps.lteIndex > 0 && bytes.Compare(ps.keys[ps.lteIndex], prefix) > 0 {
		ps.lteIndex--
	}
	if bytes.HasPrefix(ps.keys[ps.lteIndex], prefix) {
		return true
	}
	return ps.lteIndex < len(ps.keys)-1 && bytes.HasPrefix(ps.keys[ps.lteIndex+1], prefix)
}

func (ps *PrefixSet) Len() int {
	return len(ps.keys)
}

// TriePrefixSets groups the changed paths of a post state by trie.
type TriePrefixSets struct {
	Account PrefixSet
	Storage map[libcommon.Hash]*PrefixSet
}

// ConstructPrefixSets builds prefix sets out of the post state: one set of
// changed account paths and one set of changed slot paths per account. Proof
// sources that walk tries can use them to decide which subtries to descend
// into.
func (s *HashedPostState) ConstructPrefixSets() TriePrefixSets {
	sets := TriePrefixSets{
		Storage: make(map[libcommon.Hash]*PrefixSet, len(s.Storages)),
	}
	for _, addressHash := range s.sortedTargets() {
		sets.Account.AddKey(keybytesToHex(addressHash[:]))
		storage, ok := s.Storages[addressHash]
		if !ok {
			continue
		}
		ps := &PrefixSet{}
		for _, slotHash := range storage.sortedSlots() {
			ps.AddKey(keybytesToHex(slotHash[:]))
		}
		sets.Storage[addressHash] = ps
	}
	return sets
}
