// Package registry is the adapter to the on-chain certificate registry.
//
// The registry stores one entry per (didHash, merkleRoot) pair. Entries are
// written in batches, can be revoked, and are never deleted. EthGateway talks
// to a deployed contract over JSON-RPC; NewSimulated runs the same contract
// semantics in process behind the same ABI.
package registry

import (
	"context"

	"github.com/colorfulnotion/certchain/common"
)

// Entry is one on-chain certificate.
type Entry struct {
	MerkleRoot        common.Hash `json:"merkleRoot"`
	DIDHash           common.Hash `json:"didHash"`
	IssuanceTimestamp uint64      `json:"issuanceTimestamp"`
	Revoked           bool        `json:"revoked"`
}

// Key returns the certificate key of the entry.
func (e *Entry) Key() common.Hash {
	return CertificateKey(e.DIDHash, e.MerkleRoot)
}

// Receipt summarizes a mined registry transaction.
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Status      uint64      `json:"status"`
}

// Gateway is the registry surface used by issuance and verification.
//
// Every method can fail with certerrors.ErrChain. Readers treat that as
// "chain state unknown", never as "not valid".
type Gateway interface {
	// CommitBatch registers didHashes[i] under merkleRoots[i] in one atomic
	// transaction.
	CommitBatch(ctx context.Context, didHashes, merkleRoots []common.Hash) (*Receipt, error)
	// IsValid reports valid=true iff the entry exists and is not revoked.
	IsValid(ctx context.Context, didHash, merkleRoot common.Hash) (valid bool, revoked bool, err error)
	// Entry fails with certerrors.ErrNotFound when the pair is unknown.
	Entry(ctx context.Context, didHash, merkleRoot common.Hash) (*Entry, error)
	EntryByKey(ctx context.Context, key common.Hash) (*Entry, error)
	// Revoke and RevokeByKey succeed without a transaction when the entry is
	// already revoked.
	Revoke(ctx context.Context, didHash, merkleRoot common.Hash) error
	RevokeByKey(ctx context.Context, key common.Hash) error
	EntriesForSubject(ctx context.Context, didHash common.Hash) ([]common.Hash, error)
	AuthorizeIssuer(ctx context.Context, issuer common.Address) error
	IsAuthorizedIssuer(ctx context.Context, issuer common.Address) (bool, error)
}

// CertificateKey is keccak256(didHash || merkleRoot).
func CertificateKey(didHash, merkleRoot common.Hash) common.Hash {
	return common.Keccak256(didHash.Bytes(), merkleRoot.Bytes())
}
