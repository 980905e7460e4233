package trie

import (
	"bytes"
	"sort"

	"github.com/holiman/uint256"

	libcommon "github.com/erigontech/trie-witness/common"
	"github.com/erigontech/trie-witness/types/accounts"
)

// HashedPostState describes the state after a transition, keyed by hashed
// addresses and hashed storage slots.
type HashedPostState struct {
	// Accounts maps hashed address to the post-state account. A nil account
	// means the account was destructed.
	Accounts map[libcommon.Hash]*accounts.Account
	// Storages maps hashed address to the changed slots of that account.
	Storages map[libcommon.Hash]HashedStorage
}

// HashedStorage holds the changed slots of one account. A zero value means the
// slot was cleared.
type HashedStorage struct {
	Slots map[libcommon.Hash]uint256.Int
}

// NewHashedPostState returns an empty post state.
func NewHashedPostState() *HashedPostState {
	return &HashedPostState{
		Accounts: make(map[libcommon.Hash]*accounts.Account),
		Storages: make(map[libcommon.Hash]HashedStorage),
	}
}

// AddAccount records the post-state of an account. Pass nil for a destructed
// account.
func (s *HashedPostState) AddAccount(addressHash libcommon.Hash, account *accounts.Account) {
	s.Accounts[addressHash] = account
}

// AddStorage records the post-state value of a storage slot. A zero value
// clears the slot.
func (s *HashedPostState) AddStorage(addressHash libcommon.Hash, slotHash libcommon.Hash, value uint256.Int) {
	storage, ok := s.Storages[addressHash]
	if !ok {
		storage = HashedStorage{Slots: make(map[libcommon.Hash]uint256.Int)}
		s.Storages[addressHash] = storage
	}
	storage.Slots[slotHash] = value
}

// sortedTargets returns all hashed addresses touched by the post state in
// ascending order, merging accounts that only have storage changes.
func (s *HashedPostState) sortedTargets() []libcommon.Hash {
	seen := make(map[libcommon.Hash]struct{}, len(s.Accounts)+len(s.Storages))
	targets := make([]libcommon.Hash, 0, len(s.Accounts)+len(s.Storages))
	for addressHash := range s.Accounts {
		if _, ok := seen[addressHash]; !ok {
			seen[addressHash] = struct{}{}
			targets = append(targets, addressHash)
		}
	}
	for addressHash := range s.Storages {
		if _, ok := seen[addressHash]; !ok {
			seen[addressHash] = struct{}{}
			targets = append(targets, addressHash)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return bytes.Compare(targets[i][:], targets[j][:]) < 0
	})
	return targets
}

// sortedSlots returns the changed slot hashes in ascending order.
func (st HashedStorage) sortedSlots() []libcommon.Hash {
	slots := make([]libcommon.Hash, 0, len(st.Slots))
	for slotHash := range st.Slots {
		slots = append(slots, slotHash)
	}
	sort.Slice(slots, func(i, j int) bool {
		return bytes.Compare(slots[i][:], slots[j][:]) < 0
	})
	return slots
}
