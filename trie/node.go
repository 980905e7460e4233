// Copyright 2014 The go-ethereum Authors
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
	"fmt"

	libcommon "github.com/erigontech/trie-witness/common"
)

var indices = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "a", "b", "c", "d", "e", "f", "[17]"}

type node interface {
	fstring(string) string

	// if not empty, returns node's RLP or hash thereof
	reference() []byte
}

type (
	fullNode struct {
		ref      nodeRef
		Children [17]node
	}
	// duoNode is a compact branch with exactly two occupied slots
	duoNode struct {
		ref    nodeRef
		mask   uint32 // Bitmask. The set bits indicate the child is not nil
		child1 node
		child2 node
	}
	shortNode struct {
		ref nodeRef
		Key []byte // HEX encoding
		Val node
	}
	hashNode struct {
		hash []byte
	}
	valueNode []byte
)

func NewShortNode(key []byte, value node) *shortNode {
	return &shortNode{
		Key: key,
		Val: value,
	}
}

func (n *duoNode) childrenIdx() (i1 byte, i2 byte) {
	child := 1
	var m uint32 = 1
	for i := 0; i < 17; i++ {
		if (n.mask & m) > 0 {
			if child == 1 {
				i1 = byte(i)
				child = 2
			} else if child == 2 {
				i2 = byte(i)
				break
			}
		}
		m <<= 1
	}
	return i1, i2
}

// nodeRef might contain node's RLP or hash thereof.
// Used instead of []byte in order to reduce GC churn.
type nodeRef struct {
	data libcommon.Hash // cached RLP of the node or hash thereof
	len  byte           // length of the data (0 indicates invalid data)
}

func (n hashNode) reference() []byte   { return n.hash }
func (n valueNode) reference() []byte  { return nil }
func (n *fullNode) reference() []byte  { return n.ref.data[0:n.ref.len] }
func (n *duoNode) reference() []byte   { return n.ref.data[0:n.ref.len] }
func (n *shortNode) reference() []byte { return n.ref.data[0:n.ref.len] }

// Pretty printing.
func (n fullNode) String() string  { return n.fstring("") }
func (n duoNode) String() string   { return n.fstring("") }
func (n shortNode) String() string { return n.fstring("") }
func (n hashNode) String() string  { return n.fstring("") }
func (n valueNode) String() string { return n.fstring("") }

func (n *fullNode) fstring(ind string) string {
	resp := fmt.Sprintf("full\n%s  ", ind)
	for i, node := range &n.Children {
		if node == nil {
			resp += fmt.Sprintf("%s: <nil> ", indices[i])
		} else {
			resp += fmt.Sprintf("%s: %v", indices[i], node.fstring(ind+"  "))
		}
	}
	return resp + fmt.Sprintf("\n%s] ", ind)
}

func (n *duoNode) fstring(ind string) string {
	i1, i2 := n.childrenIdx()
	return fmt.Sprintf("duo[\n%s  %s: %v\n%s  %s: %v\n%s]", ind, indices[i1], n.child1.fstring(ind+"  "), ind, indices[i2], n.child2.fstring(ind+"  "), ind)
}

func (n *shortNode) fstring(ind string) string {
	return fmt.Sprintf("{%x: %v} ", n.Key, n.Val.fstring(ind+"  "))
}

func (n hashNode) fstring(_ string) string {
	return fmt.Sprintf("<%x> ", n.hash)
}

func (n valueNode) fstring(_ string) string {
	return fmt.Sprintf("%x ", []byte(n))
}
