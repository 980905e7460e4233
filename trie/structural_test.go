// Copyright 2019 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package trie

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libcommon "github.com/erigontech/trie-witness/common"
	"github.com/erigontech/trie-witness/rlp"
	"github.com/erigontech/trie-witness/trie/rlphacks"
)

// streamRoot feeds the sorted leaves through GenStructStep and returns the
// root produced by the hash builder. Values must already be RLP encoded.
func streamRoot(t *testing.T, keys [][]byte, values map[string][]byte) libcommon.Hash {
	t.Helper()
	hb := NewHashBuilder(false)
	retain := func(prefix []byte) bool { return false }

	var curr, succ bytes.Buffer
	var currVal, succVal []byte
	var groups []uint16
	var err error
	for _, key := range keys {
		curr.Reset()
		curr.Write(succ.Bytes())
		succ.Reset()
		succ.Write(keybytesToHex(key))
		currVal = succVal
		succVal = values[string(key)]
		if curr.Len() > 0 {
			groups, err = GenStructStep(retain, curr.Bytes(), succ.Bytes(), hb,
				nil, &GenStructStepLeafData{Value: rlphacks.RlpEncodedBytes(currVal)}, groups, false)
			require.NoError(t, err)
		}
	}
	curr.Reset()
	curr.Write(succ.Bytes())
	succ.Reset()
	currVal = succVal
	if curr.Len() > 0 {
		_, err = GenStructStep(retain, curr.Bytes(), succ.Bytes(), hb,
			nil, &GenStructStepLeafData{Value: rlphacks.RlpEncodedBytes(currVal)}, groups, false)
		require.NoError(t, err)
	}
	if !hb.hasRoot() {
		return EmptyRoot
	}
	root, err := hb.RootHash()
	require.NoError(t, err)
	return root
}

func TestGenStructStepMatchesTrie(t *testing.T) {
	var keys [][]byte
	values := make(map[string][]byte)
	seed := []byte("witness-structural-test")
	for i := 0; i < 64; i++ {
		seed = append(seed, byte(i))
		h, err := libcommon.HashData(seed)
		require.NoError(t, err)
		key := libcommon.Copy(h[:])

		raw := h[:1+i%20]
		encoded := make([]byte, rlp.StringLen(raw))
		rlp.EncodeString(raw, encoded)
		keys = append(keys, key)
		values[string(key)] = encoded
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	reference := NewTestRLPTrie(libcommon.Hash{})
	for _, key := range keys {
		reference.Update(key, values[string(key)])
	}

	assert.Equal(t, reference.Hash(), streamRoot(t, keys, values))
}

func TestGenStructStepSingleLeaf(t *testing.T) {
	h, err := libcommon.HashData([]byte("single"))
	require.NoError(t, err)
	key := libcommon.Copy(h[:])
	raw := []byte("leaf value that is long enough to be hashed rather than embedded")
	encoded := make([]byte, rlp.StringLen(raw))
	rlp.EncodeString(raw, encoded)

	reference := NewTestRLPTrie(libcommon.Hash{})
	reference.Update(key, encoded)

	root := streamRoot(t, [][]byte{key}, map[string][]byte{string(key): encoded})
	assert.Equal(t, reference.Hash(), root)
}

func TestGenStructStepCollectsBranchHashes(t *testing.T) {
	// Two keys diverging at the first nibble close a branch at the root,
	// which must be reported to the hash collector with an empty prefix.
	keyA := bytes.Repeat([]byte{0x11}, 32)
	keyB := bytes.Repeat([]byte{0x22}, 32)
	value := make([]byte, rlp.StringLen(bytes.Repeat([]byte{0xee}, 32)))
	rlp.EncodeString(bytes.Repeat([]byte{0xee}, 32), value)

	hb := NewHashBuilder(false)
	retain := func(prefix []byte) bool { return false }
	collected := make(map[string][]byte)
	collector := func(keyHex []byte, hash []byte) error {
		collected[string(keyHex)] = libcommon.Copy(hash)
		return nil
	}

	var groups []uint16
	var err error
	groups, err = GenStructStep(retain, keybytesToHex(keyA), keybytesToHex(keyB), hb,
		collector, &GenStructStepLeafData{Value: rlphacks.RlpEncodedBytes(value)}, groups, false)
	require.NoError(t, err)
	_, err = GenStructStep(retain, keybytesToHex(keyB), nil, hb,
		collector, &GenStructStepLeafData{Value: rlphacks.RlpEncodedBytes(value)}, groups, false)
	require.NoError(t, err)

	root, err := hb.RootHash()
	require.NoError(t, err)

	reference := NewTestRLPTrie(libcommon.Hash{})
	reference.Update(keyA, value)
	reference.Update(keyB, value)
	require.Equal(t, reference.Hash(), root)

	rootEntry, ok := collected[""]
	require.True(t, ok, "expected a collected hash for the root branch")
	assert.Equal(t, root[:], rootEntry)
}
