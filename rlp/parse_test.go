package rlp

import (
	"encoding/hex"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func decodeHex(in string) []byte {
	payload, err := hex.DecodeString(in)
	if err != nil {
		panic(err)
	}
	return payload
}

var splitTests = []struct {
	payload       []byte
	expectKind    Kind
	expectContent []byte
	expectRest    []byte
	expectErr     error
}{
	{payload: decodeHex("07"), expectKind: Byte, expectContent: decodeHex("07"), expectRest: []byte{}},
	{payload: decodeHex("80"), expectKind: String, expectContent: []byte{}, expectRest: []byte{}},
	{payload: decodeHex("820400"), expectKind: String, expectContent: decodeHex("0400"), expectRest: []byte{}},
	{payload: decodeHex("8203e904"), expectKind: String, expectContent: decodeHex("03e9"), expectRest: decodeHex("04")},
	{payload: decodeHex("c20708"), expectKind: List, expectContent: decodeHex("0708"), expectRest: []byte{}},
	{payload: decodeHex("c0"), expectKind: List, expectContent: []byte{}, expectRest: []byte{}},
	{payload: decodeHex("8107"), expectErr: ErrCanonSize},
	{payload: decodeHex("b8"), expectErr: io.ErrUnexpectedEOF},
	{payload: decodeHex("8301"), expectErr: ErrValueTooLarge},
	{payload: []byte{}, expectErr: io.ErrUnexpectedEOF},
}

func TestSplit(t *testing.T) {
	for i, tt := range splitTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			assert := assert.New(t)
			k, content, rest, err := Split(tt.payload)
			if tt.expectErr != nil {
				assert.ErrorIs(err, tt.expectErr)
				return
			}
			assert.NoError(err)
			assert.Equal(tt.expectKind, k)
			assert.Equal(tt.expectContent, content)
			assert.Equal(tt.expectRest, rest)
		})
	}
}

func TestSplitTyped(t *testing.T) {
	assert := assert.New(t)

	content, rest, err := SplitString(decodeHex("83010203"))
	assert.NoError(err)
	assert.Equal(decodeHex("010203"), content)
	assert.Empty(rest)

	_, _, err = SplitString(decodeHex("c20708"))
	assert.ErrorIs(err, ErrExpectedString)

	content, rest, err = SplitList(decodeHex("c3010203ff"))
	assert.NoError(err)
	assert.Equal(decodeHex("010203"), content)
	assert.Equal(decodeHex("ff"), rest)

	_, _, err = SplitList(decodeHex("820400"))
	assert.ErrorIs(err, ErrExpectedList)
}

func TestCountValues(t *testing.T) {
	assert := assert.New(t)

	// [1, "0400", [7, 8]] payload
	n, err := CountValues(decodeHex("01820400c20708"))
	assert.NoError(err)
	assert.Equal(3, n)

	n, err = CountValues([]byte{})
	assert.NoError(err)
	assert.Equal(0, n)

	_, err = CountValues(decodeHex("8301"))
	assert.ErrorIs(err, ErrValueTooLarge)
}

func TestEncodeRoundtrip(t *testing.T) {
	assert := assert.New(t)

	var buf [40]byte
	for _, s := range [][]byte{{}, {0x01}, {0x7f}, {0x80}, {0xff}, decodeHex("0102030405")} {
		n := EncodeString(s, buf[:])
		assert.Equal(StringLen(s), n)
		content, rest, err := SplitString(buf[:n])
		assert.NoError(err)
		assert.Empty(rest)
		if len(s) == 0 {
			assert.Empty(content)
		} else {
			assert.Equal(s, content)
		}
	}

	for _, i := range []uint64{0, 1, 127, 128, 1024} {
		n := EncodeU64(i, buf[:])
		assert.Equal(U64Len(i), n)
		_, _, err := SplitString(buf[:n])
		assert.NoError(err)
	}
}
