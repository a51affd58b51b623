package merkle

import (
	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

// Side says where the sibling sits.
type Side string

const (
	Left  Side = "L"
	Right Side = "R"
)

// Proof links a leaf hash to a root.
type Proof struct {
	Path  string              `json:"path"`
	Leaf  canonicalize.Digest `json:"leaf_hash"`
	Root  canonicalize.Digest `json:"merkle_root"`
	Steps []Step              `json:"proof_path"`
}

type Step struct {
	Side    Side                `json:"side"`
	Sibling canonicalize.Digest `json:"sibling_hash"`
}

// Verify reports whether the proof folds to root. A zero root trusts the
// proof's own.
func Verify(p Proof, root canonicalize.Digest) bool {
	if !root.IsZero() && p.Root != root {
		return false
	}
	cur := p.Leaf
	for _, s := range p.Steps {
		switch s.Side {
		case Left:
			cur = nodeHash(s.Sibling, cur)
		case Right:
			cur = nodeHash(cur, s.Sibling)
		default:
			return false
		}
	}
	return cur == p.Root
}

// VerifyValue recomputes the leaf hash from path and value before verifying.
func VerifyValue(p Proof, value []byte, root canonicalize.Digest) bool {
	return p.Leaf == LeafHash(p.Path, value) && Verify(p, root)
}
