// Package merkle builds binary SHA-256 trees over named leaves and checks
// inclusion proofs against a root. Odd levels duplicate their last node.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

var (
	ErrEmpty       = errors.New("merkle: no leaves")
	ErrUnknownLeaf = errors.New("merkle: leaf not in tree")
)

const (
	leafDomain = "openibank:merkle:leaf:v1"
	nodeDomain = "openibank:merkle:node:v1"
)

// Leaf is one entry. Path names it and must be unique within a tree.
type Leaf struct {
	Path  string
	Value []byte
}

// Tree keeps every level so proofs can be produced for any leaf.
type Tree struct {
	Root   canonicalize.Digest
	paths  map[string]int
	levels [][]canonicalize.Digest
}

// Build hashes leaves in the given order.
func Build(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}
	t := &Tree{paths: make(map[string]int, len(leaves))}
	level := make([]canonicalize.Digest, len(leaves))
	for i, l := range leaves {
		if _, dup := t.paths[l.Path]; dup {
			return nil, fmt.Errorf("merkle: duplicate leaf %q", l.Path)
		}
		t.paths[l.Path] = i
		level[i] = LeafHash(l.Path, l.Value)
	}
	for len(level) > 1 {
		t.levels = append(t.levels, level)
		level = nextLevel(level)
	}
	t.levels = append(t.levels, level)
	t.Root = level[0]
	return t, nil
}

// LeafHash is SHA-256(domain 0x00 path 0x00 value).
func LeafHash(path string, value []byte) canonicalize.Digest {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(value)
	return sha256.Sum256(buf.Bytes())
}

func nodeHash(left, right canonicalize.Digest) canonicalize.Digest {
	buf := make([]byte, 0, len(nodeDomain)+1+2*len(left))
	buf = append(buf, nodeDomain...)
	buf = append(buf, 0)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

func nextLevel(level []canonicalize.Digest) []canonicalize.Digest {
	if len(level)%2 != 0 {
		level = append(level[:len(level):len(level)], level[len(level)-1])
	}
	next := make([]canonicalize.Digest, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHash(level[i], level[i+1])
	}
	return next
}

// Prove returns the inclusion proof for the leaf named path.
func (t *Tree) Prove(path string) (Proof, error) {
	idx, ok := t.paths[path]
	if !ok {
		return Proof{}, fmt.Errorf("%w: %s", ErrUnknownLeaf, path)
	}
	p := Proof{Path: path, Leaf: t.levels[0][idx], Root: t.Root}
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 0 {
			sib := idx + 1
			if sib == len(level) {
				sib = idx
			}
			p.Steps = append(p.Steps, Step{Side: Right, Sibling: level[sib]})
		} else {
			p.Steps = append(p.Steps, Step{Side: Left, Sibling: level[idx-1]})
		}
		idx /= 2
	}
	return p, nil
}
