package verify

import (
	"strings"

	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/credential"
)

// InputKind is the shape of a verification query.
type InputKind int

const (
	KindUnknown InputKind = iota
	KindMerkleRoot
	KindDID
)

func (k InputKind) String() string {
	switch k {
	case KindMerkleRoot:
		return "merkle_root"
	case KindDID:
		return "did"
	default:
		return "unknown"
	}
}

// Classify applies the ordered disambiguation policy: a 0x-prefixed 64 hex
// digit string is a Merkle root, a did: prefix is a DID, anything else is
// unknown and goes through the store fallbacks.
func Classify(input string) InputKind {
	input = strings.TrimSpace(input)
	switch {
	case common.IsHashShape(input):
		return KindMerkleRoot
	case credential.IsDID(input):
		return KindDID
	default:
		return KindUnknown
	}
}
