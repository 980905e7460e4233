package trie

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/trie-witness/types/accounts"
)

func TestPrefixSetContains(t *testing.T) {
	var ps PrefixSet
	assert.False(t, ps.Contains([]byte{1}))

	ps.AddKey([]byte{1, 2, 3, 16})
	ps.AddKey([]byte{1, 2, 4, 16})
	ps.AddKey([]byte{5, 0, 16})

	assert.True(t, ps.Contains(nil))
	assert.True(t, ps.Contains([]byte{1}))
	assert.True(t, ps.Contains([]byte{1, 2}))
	assert.True(t, ps.Contains([]byte{1, 2, 4}))
	assert.True(t, ps.Contains([]byte{5, 0}))
	assert.False(t, ps.Contains([]byte{1, 3}))
	assert.False(t, ps.Contains([]byte{2}))
	assert.False(t, ps.Contains([]byte{5, 1}))

	// Cursor moves forward and back again.
	assert.True(t, ps.Contains([]byte{5}))
	assert.True(t, ps.Contains([]byte{1, 2, 3}))
}

func TestConstructPrefixSets(t *testing.T) {
	addr1 := hashKey(1, 1)
	addr2 := hashKey(2, 2)
	slot := hashKey(7)

	post := NewHashedPostState()
	acc := accounts.NewEmptyAccount()
	post.AddAccount(addr1, &acc)
	post.AddAccount(addr2, nil)
	post.AddStorage(addr1, slot, *uint256.NewInt(1))

	sets := post.ConstructPrefixSets()
	assert.Equal(t, 2, sets.Account.Len())
	assert.True(t, sets.Account.Contains(keybytesToHex(addr1[:])[:10]))
	assert.True(t, sets.Account.Contains(keybytesToHex(addr2[:])[:10]))
	assert.False(t, sets.Account.Contains([]byte{9}))

	require.Contains(t, sets.Storage, addr1)
	assert.True(t, sets.Storage[addr1].Contains(keybytesToHex(slot[:])[:4]))
	assert.NotContains(t, sets.Storage, addr2)
}
