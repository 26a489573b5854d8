package merkle

import "github.com/Mindburn-Labs/helm-dispatch/pkg/canonicalize"

// Side says which side of the running hash a sibling sits on.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// InclusionProof shows that Value sits at Index under Root.
type InclusionProof struct {
	Index int         `json:"index"`
	Value string      `json:"value"`
	Root  string      `json:"root"`
	Path  []ProofStep `json:"path"`
}

type ProofStep struct {
	Side        Side   `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof recomputes the root from the proof and compares it to
// expectedRoot.
func VerifyInclusionProof(p InclusionProof, expectedRoot string) bool {
	if expectedRoot == "" || p.Root != expectedRoot {
		return false
	}
	current := leafHash(p.Value)
	for _, step := range p.Path {
		if step.Side == SideLeft {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return canonicalize.HashPrefix+current == expectedRoot
}
