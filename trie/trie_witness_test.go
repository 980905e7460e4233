package trie

import (
	"sort"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libcommon "github.com/erigontech/trie-witness/common"
	"github.com/erigontech/trie-witness/types/accounts"
)

// trieProofSource serves multiproofs out of in-memory reference tries,
// assigning each proof element the path where it sits.
type trieProofSource struct {
	t                *testing.T
	accounts         *Trie
	storages         map[libcommon.Hash]*Trie
	multiproofCalls  int
	accountFallbacks int
	storageFallbacks int
}

func newTrieProofSource(t *testing.T) *trieProofSource {
	return &trieProofSource{
		t:        t,
		accounts: NewTestRLPTrie(libcommon.Hash{}),
		storages: make(map[libcommon.Hash]*Trie),
	}
}

func (s *trieProofSource) Multiproof(targets MultiproofTargets, prefixSets TriePrefixSets) (AccountMultiproof, error) {
	s.multiproofCalls++
	addressHashes := make([]libcommon.Hash, 0, len(targets))
	for addressHash := range targets {
		addressHashes = append(addressHashes, addressHash)
	}
	sort.Slice(addressHashes, func(i, j int) bool {
		return addressHashes[i].Cmp(addressHashes[j]) < 0
	})
	if len(addressHashes) == 0 {
		// Proof of the zero key passes through the root node.
		addressHashes = []libcommon.Hash{{}}
	}
	proof := AccountMultiproof{
		Account:  proofFromReference(s.t, s.accounts, addressHashes),
		Storages: make(map[libcommon.Hash]StorageMultiproof, len(targets)),
	}
	for addressHash, slotHashes := range targets {
		if len(slotHashes) == 0 {
			continue
		}
		proof.Storages[addressHash] = s.storageMultiproof(addressHash, slotHashes)
	}
	return proof, nil
}

func (s *trieProofSource) AccountProof(addressHash libcommon.Hash) (Multiproof, error) {
	s.accountFallbacks++
	return proofFromReference(s.t, s.accounts, []libcommon.Hash{addressHash}), nil
}

func (s *trieProofSource) StorageProof(addressHash libcommon.Hash, slotHash libcommon.Hash) (StorageMultiproof, error) {
	s.storageFallbacks++
	return s.storageMultiproof(addressHash, []libcommon.Hash{slotHash}), nil
}

func (s *trieProofSource) storageMultiproof(addressHash libcommon.Hash, slotHashes []libcommon.Hash) StorageMultiproof {
	st, ok := s.storages[addressHash]
	if !ok {
		return StorageMultiproof{Root: EmptyRoot}
	}
	return StorageMultiproof{
		Root:    st.Hash(),
		Subtree: proofFromReference(s.t, st, slotHashes),
	}
}

func (s *trieProofSource) setAccount(addressHash libcommon.Hash, account *accounts.Account) {
	s.accounts.Update(addressHash[:], account.RLPForHashing())
}

func (s *trieProofSource) setStorage(addressHash libcommon.Hash, slotHash libcommon.Hash, value *uint256.Int) {
	st, ok := s.storages[addressHash]
	if !ok {
		st = NewTestRLPTrie(libcommon.Hash{})
		s.storages[addressHash] = st
	}
	st.Update(slotHash[:], encodeStorageValue(value.Bytes()))
}

func testAccount(nonce uint64, balance uint64) *accounts.Account {
	a := accounts.NewEmptyAccount()
	a.Nonce = nonce
	a.Balance = *uint256.NewInt(balance)
	return &a
}

func TestWitnessSingleAccountUpdate(t *testing.T) {
	source := newTrieProofSource(t)
	addr1 := hashKey(1, 1, 0)
	addr2 := hashKey(1, 1, 1)
	addr3 := hashKey(2, 2)
	source.setAccount(addr1, testAccount(1, 100))
	source.setAccount(addr2, testAccount(2, 200))
	source.setAccount(addr3, testAccount(3, 300))
	preRoot := source.accounts.Hash()

	bumped := testAccount(2, 100)
	post := NewHashedPostState()
	post.AddAccount(addr1, bumped)

	witness, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr1[:], bumped.RLPForHashing())
	expected.Update(addr2[:], testAccount(2, 200).RLPForHashing())
	expected.Update(addr3[:], testAccount(3, 300).RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
	assert.Equal(t, 1, source.multiproofCalls)
	assert.Equal(t, 0, source.accountFallbacks)
	assert.Equal(t, 0, source.storageFallbacks)

	// The witness resolves the pre-state account it was built from.
	val, err := witness.Lookup(preRoot, addr1[:])
	require.NoError(t, err)
	assert.Equal(t, testAccount(1, 100).RLPForHashing(), val)
}

func TestWitnessAccountInsertion(t *testing.T) {
	source := newTrieProofSource(t)
	addr1 := hashKey(1, 1, 0)
	addr2 := hashKey(2, 2)
	source.setAccount(addr1, testAccount(1, 100))
	source.setAccount(addr2, testAccount(2, 200))

	fresh := testAccount(0, 42)
	addr3 := hashKey(3, 3)
	post := NewHashedPostState()
	post.AddAccount(addr3, fresh)

	_, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr1[:], testAccount(1, 100).RLPForHashing())
	expected.Update(addr2[:], testAccount(2, 200).RLPForHashing())
	expected.Update(addr3[:], fresh.RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
}

func TestWitnessAccountDeletionCollapsesBranch(t *testing.T) {
	source := newTrieProofSource(t)
	addr1 := hashKey(1, 1, 0)
	addr2 := hashKey(1, 1, 1)
	addr3 := hashKey(2, 2)
	source.setAccount(addr1, testAccount(1, 100))
	source.setAccount(addr2, testAccount(2, 200))
	source.setAccount(addr3, testAccount(3, 300))

	preRoot := source.accounts.Hash()

	post := NewHashedPostState()
	post.AddAccount(addr2, nil)

	witness, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr1[:], testAccount(1, 100).RLPForHashing())
	expected.Update(addr3[:], testAccount(3, 300).RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
	// Deleting addr2 leaves addr1 alone under its branch, which forces one
	// extra proof request to resolve the surviving leaf.
	assert.Equal(t, 1, source.multiproofCalls)
	assert.Equal(t, 1, source.accountFallbacks)

	// The extra nodes fetched during collapse end up in the witness, so the
	// untouched sibling can be read back out of it.
	val, err := witness.Lookup(preRoot, addr1[:])
	require.NoError(t, err)
	assert.Equal(t, testAccount(1, 100).RLPForHashing(), val)
}

func TestWitnessDeletionToEmptyTrie(t *testing.T) {
	source := newTrieProofSource(t)
	addr := hashKey(1, 2, 3)
	source.setAccount(addr, testAccount(1, 100))

	post := NewHashedPostState()
	post.AddAccount(addr, nil)

	_, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)
	assert.Equal(t, EmptyRoot, root)
}

func TestWitnessStorageUpdate(t *testing.T) {
	source := newTrieProofSource(t)
	addr := hashKey(1, 1)
	other := hashKey(2, 2)
	slotP := hashKey(5, 0)
	slotQ := hashKey(5, 1)
	source.setStorage(addr, slotP, uint256.NewInt(111))
	source.setStorage(addr, slotQ, uint256.NewInt(222))

	withStorage := testAccount(1, 100)
	withStorage.Root = source.storages[addr].Hash()
	source.setAccount(addr, withStorage)
	source.setAccount(other, testAccount(2, 200))

	post := NewHashedPostState()
	post.AddAccount(addr, testAccount(1, 100))
	post.AddStorage(addr, slotQ, *uint256.NewInt(333))

	_, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expectedStorage := NewTestRLPTrie(libcommon.Hash{})
	expectedStorage.Update(slotP[:], encodeStorageValue(uint256.NewInt(111).Bytes()))
	expectedStorage.Update(slotQ[:], encodeStorageValue(uint256.NewInt(333).Bytes()))

	expectedAccount := testAccount(1, 100)
	expectedAccount.Root = expectedStorage.Hash()

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr[:], expectedAccount.RLPForHashing())
	expected.Update(other[:], testAccount(2, 200).RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
	assert.Equal(t, 1, source.multiproofCalls)
	assert.Equal(t, 0, source.storageFallbacks)
}

func TestWitnessStorageSlotClearCollapses(t *testing.T) {
	source := newTrieProofSource(t)
	addr := hashKey(1, 1)
	slotP := hashKey(5, 0)
	slotQ := hashKey(5, 1)
	source.setStorage(addr, slotP, uint256.NewInt(111))
	source.setStorage(addr, slotQ, uint256.NewInt(222))

	withStorage := testAccount(1, 100)
	withStorage.Root = source.storages[addr].Hash()
	source.setAccount(addr, withStorage)

	post := NewHashedPostState()
	post.AddAccount(addr, testAccount(1, 100))
	post.AddStorage(addr, slotQ, uint256.Int{})

	_, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expectedStorage := NewTestRLPTrie(libcommon.Hash{})
	expectedStorage.Update(slotP[:], encodeStorageValue(uint256.NewInt(111).Bytes()))

	expectedAccount := testAccount(1, 100)
	expectedAccount.Root = expectedStorage.Hash()

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr[:], expectedAccount.RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
	// Clearing slotQ leaves slotP alone under its branch, which forces one
	// extra storage proof request to resolve the surviving leaf.
	assert.Equal(t, 1, source.multiproofCalls)
	assert.Equal(t, 1, source.storageFallbacks)
}

func TestWitnessStorageOnNewAccount(t *testing.T) {
	source := newTrieProofSource(t)
	other := hashKey(2, 2)
	source.setAccount(other, testAccount(2, 200))

	addr := hashKey(1, 1)
	slot := hashKey(7)
	post := NewHashedPostState()
	post.AddAccount(addr, testAccount(0, 0))
	post.AddStorage(addr, slot, *uint256.NewInt(999))

	_, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expectedStorage := NewTestRLPTrie(libcommon.Hash{})
	expectedStorage.Update(slot[:], encodeStorageValue(uint256.NewInt(999).Bytes()))

	expectedAccount := testAccount(0, 0)
	expectedAccount.Root = expectedStorage.Hash()

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr[:], expectedAccount.RLPForHashing())
	expected.Update(other[:], testAccount(2, 200).RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
}

func TestWitnessDestructedAccountWithSurvivingStorage(t *testing.T) {
	source := newTrieProofSource(t)
	addr := hashKey(1, 1)
	other := hashKey(2, 2)
	slot := hashKey(5)
	source.setStorage(addr, slot, uint256.NewInt(7))
	withStorage := testAccount(1, 100)
	withStorage.Root = source.storages[addr].Hash()
	source.setAccount(addr, withStorage)
	source.setAccount(other, testAccount(2, 200))

	// The account record goes away but one of its slots is still written in
	// the same transition, so its leaf must survive with the new storage root.
	post := NewHashedPostState()
	post.AddAccount(addr, nil)
	post.AddStorage(addr, slot, *uint256.NewInt(8))

	_, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expectedStorage := NewTestRLPTrie(libcommon.Hash{})
	expectedStorage.Update(slot[:], encodeStorageValue(uint256.NewInt(8).Bytes()))

	survivor := accounts.NewEmptyAccount()
	survivor.Root = expectedStorage.Hash()

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr[:], survivor.RLPForHashing())
	expected.Update(other[:], testAccount(2, 200).RLPForHashing())
	assert.Equal(t, expected.Hash(), root)
}

func TestWitnessSingleAccountTrieExactWitness(t *testing.T) {
	source := newTrieProofSource(t)
	addr := hashKey(4, 2)
	pre := testAccount(1, 77)
	source.setAccount(addr, pre)
	preRoot := source.accounts.Hash()

	bumped := testAccount(2, 77)
	post := NewHashedPostState()
	post.AddAccount(addr, bumped)

	witness, root, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	expected := NewTestRLPTrie(libcommon.Hash{})
	expected.Update(addr[:], bumped.RLPForHashing())
	assert.Equal(t, expected.Hash(), root)

	// The pre trie is a single leaf, so that leaf is the whole witness.
	require.Len(t, witness, 1)
	assert.True(t, witness.Has(preRoot))
	val, err := witness.Lookup(preRoot, addr[:])
	require.NoError(t, err)
	assert.Equal(t, pre.RLPForHashing(), val)
}

func TestWitnessMissingAccount(t *testing.T) {
	source := newTrieProofSource(t)
	addr := hashKey(1, 1)
	slot := hashKey(5)
	source.setStorage(addr, slot, uint256.NewInt(1))
	withStorage := testAccount(1, 100)
	withStorage.Root = source.storages[addr].Hash()
	source.setAccount(addr, withStorage)

	post := NewHashedPostState()
	post.AddStorage(addr, slot, *uint256.NewInt(2))

	_, _, err := NewWitnessGenerator(source).Compute(post)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAccount)
}

func TestWitnessEmptyPostState(t *testing.T) {
	source := newTrieProofSource(t)
	addr1 := hashKey(1, 1)
	addr2 := hashKey(2, 2)
	source.setAccount(addr1, testAccount(1, 100))
	source.setAccount(addr2, testAccount(2, 200))
	preRoot := source.accounts.Hash()

	witness, root, err := NewWitnessGenerator(source).Compute(NewHashedPostState())
	require.NoError(t, err)
	assert.Equal(t, preRoot, root)
	assert.True(t, witness.Has(preRoot))
}

// closureSize walks the witness from root, following every hash reference, and
// returns the number of nodes visited. Missing references fail the test.
func closureSize(t *testing.T, w Witness, root libcommon.Hash) int {
	t.Helper()
	count := 0
	var walkRef func(h libcommon.Hash)
	var walkNode func(n node)
	walkRef = func(h libcommon.Hash) {
		enc, ok := w[h]
		require.True(t, ok, "witness is missing node %x", h)
		count++
		n, err := decodeNode(enc)
		require.NoError(t, err)
		walkNode(n)
	}
	walkNode = func(n node) {
		switch n := n.(type) {
		case *fullNode:
			for i := 0; i < 16; i++ {
				if n.Children[i] != nil {
					walkNode(n.Children[i])
				}
			}
		case *shortNode:
			walkNode(n.Val)
		case hashNode:
			walkRef(libcommon.BytesToHash(n.hash))
		case valueNode:
		}
	}
	walkRef(root)
	return count
}

func TestWitnessCoversEveryReferencedNode(t *testing.T) {
	source := newTrieProofSource(t)
	addr1 := hashKey(1, 1, 0)
	addr2 := hashKey(1, 1, 1)
	addr3 := hashKey(2, 2)
	addr4 := hashKey(9)
	source.setAccount(addr1, testAccount(1, 100))
	source.setAccount(addr2, testAccount(2, 200))
	source.setAccount(addr3, testAccount(3, 300))
	source.setAccount(addr4, testAccount(4, 400))
	preRoot := source.accounts.Hash()

	// Touching every account pulls the whole pre trie into the witness, so
	// the closure from the pre root must terminate inside the witness for
	// every reference, with nothing left over.
	post := NewHashedPostState()
	post.AddAccount(addr1, testAccount(5, 100))
	post.AddAccount(addr2, nil)
	post.AddAccount(addr3, testAccount(3, 999))
	post.AddAccount(addr4, testAccount(4, 400))

	witness, _, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	assert.Equal(t, len(witness), closureSize(t, witness, preRoot))

	// Re-adding every node leaves the witness unchanged.
	before := len(witness)
	for _, enc := range witness.Sorted() {
		h, err := witness.Add(enc)
		require.NoError(t, err)
		assert.True(t, witness.Has(h))
	}
	assert.Equal(t, before, len(witness))
}

func TestWitnessDeterminism(t *testing.T) {
	source := newTrieProofSource(t)
	addr1 := hashKey(1, 1, 0)
	addr2 := hashKey(1, 1, 1)
	addr3 := hashKey(2, 2)
	slot := hashKey(5)
	source.setStorage(addr1, slot, uint256.NewInt(7))
	withStorage := testAccount(1, 100)
	withStorage.Root = source.storages[addr1].Hash()
	source.setAccount(addr1, withStorage)
	source.setAccount(addr2, testAccount(2, 200))
	source.setAccount(addr3, testAccount(3, 300))

	post := NewHashedPostState()
	post.AddAccount(addr1, testAccount(1, 100))
	post.AddStorage(addr1, slot, *uint256.NewInt(8))
	post.AddAccount(addr2, nil)

	first, firstRoot, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)
	second, secondRoot, err := NewWitnessGenerator(source).Compute(post)
	require.NoError(t, err)

	assert.Equal(t, firstRoot, secondRoot)
	assert.Equal(t, first, second)
	assert.Equal(t, first.Sorted(), second.Sorted())
}
