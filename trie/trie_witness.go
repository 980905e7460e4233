package trie

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ledgerwatch/log/v3"

	libcommon "github.com/erigontech/trie-witness/common"
	"github.com/erigontech/trie-witness/common/length"
	"github.com/erigontech/trie-witness/rlp"
	"github.com/erigontech/trie-witness/types/accounts"
)

// ErrMissingAccount is returned when a post state carries storage changes for
// an account that is absent from its account map, so the account leaf cannot
// be rebuilt.
var ErrMissingAccount = errors.New("account with storage changes missing from post state")

// WitnessGenerator computes state witnesses: for a given post state it
// collects every trie node needed to verify the transition and the state root
// after applying it.
type WitnessGenerator struct {
	retriever ProofRetriever
}

func NewWitnessGenerator(retriever ProofRetriever) *WitnessGenerator {
	return &WitnessGenerator{retriever: retriever}
}

// Compute returns the witness for the given post state together with the state
// root after the transition. The post state is read only. One batched
// multiproof request covers all targets; further single-target requests happen
// only when collapsed subtries need resolving. Accounts and slots are
// processed in hash order, so the sequence of retriever calls is deterministic
// for a given post state.
func (g *WitnessGenerator) Compute(post *HashedPostState) (Witness, libcommon.Hash, error) {
	witness := make(Witness)

	targets := post.sortedTargets()
	if len(targets) == 0 {
		return g.emptyTransition(witness)
	}

	mpTargets := make(MultiproofTargets, len(targets))
	for _, addressHash := range targets {
		var slots []libcommon.Hash
		if storage, ok := post.Storages[addressHash]; ok {
			slots = storage.sortedSlots()
		}
		mpTargets[addressHash] = slots
	}
	proof, err := g.retriever.Multiproof(mpTargets, post.ConstructPrefixSets())
	if err != nil {
		return nil, libcommon.Hash{}, fmt.Errorf("multiproof: %w", err)
	}
	if err := addProofToWitness(witness, proof.Account); err != nil {
		return nil, libcommon.Hash{}, err
	}
	accountNodes := newNodeMap()
	if err := targetNodes(proof.Account, accountNodes); err != nil {
		return nil, libcommon.Hash{}, err
	}

	for _, addressHash := range targets {
		account, accountListed := post.Accounts[addressHash]
		storage, hasStorage := post.Storages[addressHash]

		storageRoot := EmptyRoot
		storageChanged := hasStorage && len(storage.Slots) > 0
		if storageChanged {
			if !accountListed {
				return nil, libcommon.Hash{}, fmt.Errorf("%w: %x", ErrMissingAccount, addressHash)
			}
			storageRoot, err = g.storageRoot(witness, addressHash, proof.Storages[addressHash], storage)
			if err != nil {
				return nil, libcommon.Hash{}, err
			}
		}

		leafPath := keybytesToHex(addressHash[:])
		if account == nil {
			if storageRoot != EmptyRoot {
				// Destructed account whose storage survives within the same
				// transition. The record is gone but the leaf must remain to
				// hold the storage root.
				empty := accounts.NewEmptyAccount()
				empty.Root = storageRoot
				accountNodes.insertValue(leafPath, empty.RLPForHashing())
			} else {
				accountNodes.delete(leafPath)
			}
			continue
		}
		if !accountListed {
			continue
		}
		updated := account.Copy()
		if storageChanged {
			updated.Root = storageRoot
		} else if updated.Root == (libcommon.Hash{}) {
			updated.Root = EmptyRoot
		}
		accountNodes.insertValue(leafPath, updated.RLPForHashing())
	}

	entries := reduceSorted(accountNodes.sorted())
	root, err := nextRootFromProofs(entries, g.accountNodeFetcher(witness))
	if err != nil {
		return nil, libcommon.Hash{}, err
	}
	return witness, root, nil
}

// storageRoot computes the post-transition storage root of one account out of
// its part of the batched multiproof and folds the proof nodes into the
// witness. A zero-valued proof stands for an account with no storage trie yet.
func (g *WitnessGenerator) storageRoot(witness Witness, addressHash libcommon.Hash, storageProof StorageMultiproof, storage HashedStorage) (libcommon.Hash, error) {
	if err := addProofToWitness(witness, storageProof.Subtree); err != nil {
		return libcommon.Hash{}, err
	}
	if err := verifySubtreeRoot(storageProof); err != nil {
		return libcommon.Hash{}, fmt.Errorf("storage proof of %x: %w", addressHash, err)
	}

	storageNodes := newNodeMap()
	if err := targetNodes(storageProof.Subtree, storageNodes); err != nil {
		return libcommon.Hash{}, err
	}
	for _, slotHash := range storage.sortedSlots() {
		leafPath := keybytesToHex(slotHash[:])
		value := storage.Slots[slotHash]
		if value.IsZero() {
			storageNodes.delete(leafPath)
			continue
		}
		v := value.Bytes()
		encoded := make([]byte, rlp.StringLen(v))
		rlp.EncodeString(v, encoded)
		storageNodes.insertValue(leafPath, encoded)
	}

	entries := reduceSorted(storageNodes.sorted())
	return nextRootFromProofs(entries, g.storageNodeFetcher(witness, addressHash))
}

// verifySubtreeRoot checks that the first proof element actually hashes to the
// storage root the proof claims to prove against.
func verifySubtreeRoot(proof StorageMultiproof) error {
	if len(proof.Subtree) == 0 {
		if proof.Root != EmptyRoot && proof.Root != (libcommon.Hash{}) {
			return fmt.Errorf("empty proof for non-empty root %x", proof.Root)
		}
		return nil
	}
	if len(proof.Subtree[0].Path) != 0 {
		return fmt.Errorf("first proof element at path %x, expected the root node", proof.Subtree[0].Path)
	}
	hash, err := libcommon.HashData(proof.Subtree[0].RLP)
	if err != nil {
		return err
	}
	if hash != proof.Root {
		return fmt.Errorf("root node hashes to %x, proof claims %x", hash, proof.Root)
	}
	return nil
}

// emptyTransition handles a post state with no changes: the witness is just
// the current root node and the root stays what it was.
func (g *WitnessGenerator) emptyTransition(witness Witness) (Witness, libcommon.Hash, error) {
	proof, err := g.retriever.Multiproof(nil, TriePrefixSets{})
	if err != nil {
		return nil, libcommon.Hash{}, fmt.Errorf("multiproof: %w", err)
	}
	if len(proof.Account) == 0 {
		return witness, EmptyRoot, nil
	}
	root, err := witness.Add(proof.Account[0].RLP)
	if err != nil {
		return nil, libcommon.Hash{}, err
	}
	return witness, root, nil
}

func (g *WitnessGenerator) accountNodeFetcher(witness Witness) nodeFetcher {
	return func(path []byte) ([]byte, error) {
		log.Trace("Resolving account subtree node", "path", fmt.Sprintf("%x", path))
		proof, err := g.retriever.AccountProof(padPathToKey(path))
		if err != nil {
			return nil, fmt.Errorf("resolving account node at path %x: %w", path, err)
		}
		return pickProofNode(witness, proof, path)
	}
}

func (g *WitnessGenerator) storageNodeFetcher(witness Witness, addressHash libcommon.Hash) nodeFetcher {
	return func(path []byte) ([]byte, error) {
		log.Trace("Resolving storage subtree node", "addr", addressHash, "path", fmt.Sprintf("%x", path))
		proof, err := g.retriever.StorageProof(addressHash, padPathToKey(path))
		if err != nil {
			return nil, fmt.Errorf("resolving storage node of %x at path %x: %w", addressHash, path, err)
		}
		return pickProofNode(witness, proof.Subtree, path)
	}
}

// pickProofNode adds the fetched proof to the witness and returns the element
// sitting exactly at the requested path.
func pickProofNode(witness Witness, proof Multiproof, path []byte) ([]byte, error) {
	if err := addProofToWitness(witness, proof); err != nil {
		return nil, err
	}
	for _, pn := range proof {
		if bytes.Equal(pn.Path, path) {
			return pn.RLP, nil
		}
	}
	return nil, &MissingNodeError{Path: libcommon.Copy(path)}
}

func addProofToWitness(witness Witness, proof Multiproof) error {
	for _, pn := range proof {
		if _, err := witness.Add(pn.RLP); err != nil {
			return err
		}
	}
	return nil
}

// padPathToKey widens a nibble path into a full key by zero-padding, so a
// proof request for that key passes through the node at the path.
func padPathToKey(path []byte) libcommon.Hash {
	nibbles := make([]byte, 2*length.Hash)
	copy(nibbles, path)
	return libcommon.BytesToHash(packNibbles(nibbles))
}
