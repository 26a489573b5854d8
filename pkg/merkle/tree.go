// Package merkle builds ordered Merkle trees over hash strings. The supervisor
// uses the root over a chain's exchange entry hashes as the chain trace hash.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"
)

const (
	leafPrefix = "helm:dispatch:trace:leaf:v1"
	nodePrefix = "helm:dispatch:trace:node:v1"
)

var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// Tree is an ordered Merkle tree. Levels[0] holds the leaf hashes and the
// last level holds the root. Odd levels duplicate their last node.
type Tree struct {
	Leaves []string
	Levels [][]string
	Root   string
}

// Build constructs a tree over values in the given order.
// An empty input yields an empty root.
func Build(values []string) *Tree {
	t := &Tree{Leaves: append([]string(nil), values...)}
	if len(values) == 0 {
		return t
	}

	level := make([]string, len(values))
	for i, v := range values {
		level[i] = leafHash(v)
	}
	for len(level) > 1 {
		t.Levels = append(t.Levels, level)
		level = nextLevel(level)
	}
	t.Levels = append(t.Levels, level)
	t.Root = canonicalize.HashPrefix + level[0]
	return t
}

// Root is shorthand for Build(values).Root.
func Root(values []string) string {
	return Build(values).Root
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return InclusionProof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(t.Leaves))
	}
	p := InclusionProof{Index: index, Value: t.Leaves[index], Root: t.Root}
	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx
		}
		side := SideRight
		if sibling < idx {
			side = SideLeft
		}
		p.Path = append(p.Path, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return p, nil
}

func leafHash(value string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(value)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
