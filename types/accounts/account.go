package accounts

import (
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"

	libcommon "github.com/erigontech/trie-witness/common"
	"github.com/erigontech/trie-witness/common/length"
	"github.com/erigontech/trie-witness/rlp"
)

// Account is the Ethereum consensus representation of accounts.
// These objects are stored in the main account trie.
type Account struct {
	Nonce    uint64
	Balance  uint256.Int
	Root     libcommon.Hash // merkle root of the storage trie
	CodeHash libcommon.Hash // hash of the bytecode
}

var emptyCodeHash = libcommon.HexToHash("c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")

// NewEmptyAccount returns an account with zero nonce and balance, the empty
// storage root and the hash of empty code.
func NewEmptyAccount() Account {
	return Account{
		Root:     libcommon.HexToHash("56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421"),
		CodeHash: emptyCodeHash,
	}
}

// EncodingLengthForHashing returns the RLP size of the 4-field account
// representation inserted into the state trie.
func (a *Account) EncodingLengthForHashing() uint {
	var structLength uint

	if a.Balance.LtUint64(128) {
		structLength++
	} else {
		structLength += uint(a.Balance.ByteLen()) + 1
	}

	if a.Nonce < 128 {
		structLength++
	} else {
		structLength += uint((bits.Len64(a.Nonce)+7)/8) + 1
	}

	structLength += 66 // Two 32-byte arrays + 2 prefixes

	if structLength < 56 {
		return 1 + structLength
	}

	lengthBytes := (bits.Len(structLength) + 7) / 8
	return uint(1+lengthBytes) + structLength
}

// EncodeForHashing writes the canonical 4-field RLP of the account into buffer,
// which must be at least EncodingLengthForHashing() bytes long.
func (a *Account) EncodeForHashing(buffer []byte) {
	balanceBytes := 0
	if !a.Balance.LtUint64(128) {
		balanceBytes = a.Balance.ByteLen()
	}

	nonceBytes := 0
	if a.Nonce >= 128 {
		nonceBytes = (bits.Len64(a.Nonce) + 7) / 8
	}

	var structLength = uint(balanceBytes + nonceBytes + 2)
	structLength += 66 // Two 32-byte arrays + 2 prefixes

	var pos int
	if structLength < 56 {
		buffer[0] = byte(192 + structLength)
		pos = 1
	} else {
		lengthBytes := (bits.Len(structLength) + 7) / 8
		buffer[0] = byte(247 + lengthBytes)

		for i := lengthBytes; i > 0; i-- {
			buffer[i] = byte(structLength)
			structLength >>= 8
		}

		pos = lengthBytes + 1
	}

	// Encoding nonce
	if a.Nonce < 128 && a.Nonce != 0 {
		buffer[pos] = byte(a.Nonce)
	} else {
		buffer[pos] = byte(128 + nonceBytes)
		var nonce = a.Nonce
		for i := nonceBytes; i > 0; i-- {
			buffer[pos+i] = byte(nonce)
			nonce >>= 8
		}
	}
	pos += 1 + nonceBytes

	// Encoding balance
	if a.Balance.LtUint64(128) && !a.Balance.IsZero() {
		buffer[pos] = byte(a.Balance.Uint64())
		pos++
	} else {
		buffer[pos] = byte(128 + balanceBytes)
		pos++
		a.Balance.WriteToSlice(buffer[pos : pos+balanceBytes])
		pos += balanceBytes
	}

	// Encoding Root and CodeHash
	buffer[pos] = 128 + 32
	pos++
	copy(buffer[pos:], a.Root[:])
	pos += 32
	buffer[pos] = 128 + 32
	pos++
	copy(buffer[pos:], a.CodeHash[:])
}

// RLPForHashing is a convenience wrapper allocating a fresh buffer.
func (a *Account) RLPForHashing() []byte {
	buf := make([]byte, a.EncodingLengthForHashing())
	a.EncodeForHashing(buf)
	return buf
}

// DecodeForHashing parses the 4-field RLP produced by EncodeForHashing.
func (a *Account) DecodeForHashing(enc []byte) error {
	elems, _, err := rlp.SplitList(enc)
	if err != nil {
		return fmt.Errorf("malformed account: %w", err)
	}
	nonceBytes, rest, err := rlp.SplitString(elems)
	if err != nil {
		return fmt.Errorf("malformed nonce: %w", err)
	}
	if len(nonceBytes) > 8 {
		return fmt.Errorf("nonce too long: %d bytes", len(nonceBytes))
	}
	a.Nonce = 0
	for _, b := range nonceBytes {
		a.Nonce = (a.Nonce << 8) | uint64(b)
	}
	balanceBytes, rest, err := rlp.SplitString(rest)
	if err != nil {
		return fmt.Errorf("malformed balance: %w", err)
	}
	if len(balanceBytes) > 32 {
		return fmt.Errorf("balance too long: %d bytes", len(balanceBytes))
	}
	a.Balance.SetBytes(balanceBytes)
	rootBytes, rest, err := rlp.SplitString(rest)
	if err != nil {
		return fmt.Errorf("malformed storage root: %w", err)
	}
	if len(rootBytes) != length.Hash {
		return fmt.Errorf("storage root must be %d bytes, got %d", length.Hash, len(rootBytes))
	}
	copy(a.Root[:], rootBytes)
	codeHashBytes, _, err := rlp.SplitString(rest)
	if err != nil {
		return fmt.Errorf("malformed code hash: %w", err)
	}
	if len(codeHashBytes) != length.Hash {
		return fmt.Errorf("code hash must be %d bytes, got %d", length.Hash, len(codeHashBytes))
	}
	copy(a.CodeHash[:], codeHashBytes)
	return nil
}

// IsEmptyCodeHash reports whether the account carries the hash of empty code.
func (a *Account) IsEmptyCodeHash() bool {
	return a.CodeHash == emptyCodeHash || a.CodeHash == (libcommon.Hash{})
}

// Copy returns a value copy of the account.
func (a *Account) Copy() Account {
	return *a
}
