package trie

import (
	libcommon "github.com/erigontech/trie-witness/common"
)

// ProofNode is a single element of a multiproof: the RLP encoding of a trie
// node together with the hex-nibble path at which it sits in the trie.
type ProofNode struct {
	Path []byte // hex nibbles from the root, without terminator
	RLP  []byte
}

// Multiproof is a set of trie nodes covering the paths to one or more keys,
// ordered by path with the root node first. Nodes shared between paths appear
// once.
type Multiproof []ProofNode

// StorageMultiproof is a multiproof over the storage trie of a single account.
type StorageMultiproof struct {
	Root    libcommon.Hash // storage root the subtree proves against
	Subtree Multiproof
}

// MultiproofTargets lists the hashed addresses a multiproof must cover, each
// with the hashed slots to prove in that account's storage trie. An entry with
// no slots requests the account path only.
type MultiproofTargets map[libcommon.Hash][]libcommon.Hash

// AccountMultiproof is one batched proof over the account trie and the storage
// tries of every target that carried slots.
type AccountMultiproof struct {
	Account  Multiproof
	Storages map[libcommon.Hash]StorageMultiproof
}

// ProofRetriever fetches merkle multiproofs from a state trie backend. Proofs
// must contain the nodes on the longest existing prefix of each requested key,
// so that absence is provable.
type ProofRetriever interface {
	// Multiproof returns one batched proof covering every target. The prefix
	// sets name the changed paths per trie; backends that walk tries can use
	// them to skip unchanged subtries, others may ignore them. With no targets
	// the account proof still holds the root node of a non-empty trie, and is
	// empty for an empty trie.
	Multiproof(targets MultiproofTargets, prefixSets TriePrefixSets) (AccountMultiproof, error)
	// AccountProof is the single-target form, used to resolve individual
	// account trie nodes.
	AccountProof(addressHash libcommon.Hash) (Multiproof, error)
	// StorageProof is the single-target form over one account's storage trie.
	StorageProof(addressHash libcommon.Hash, slotHash libcommon.Hash) (StorageMultiproof, error)
}
