// Package credential assembles the per-student record whose canonical JSON
// (without its proof) is the Merkle leaf pre-image.
package credential

import (
	"fmt"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
)

// ProofField is excluded from the leaf pre-image.
const ProofField = "proof"

// Record is one credential for one subject in one issuance batch.
type Record struct {
	SubjectID string    `json:"subjectId"`
	Program   string    `json:"program"`
	Date      string    `json:"date"`
	Issuer    string    `json:"issuer,omitempty"`
	Evidence  *Evidence `json:"evidence,omitempty"`
	Proof     *Proof    `json:"proof,omitempty"`
}

// Evidence binds a rendered document to the record. Hash is the pre-QR
// document hash (the value encoded in the QR link); FinalHash is the hash of
// the file after the QR was embedded and is only used for integrity checks.
type Evidence struct {
	Hash      common.Hash  `json:"hash"`
	FinalHash *common.Hash `json:"finalHash,omitempty"`
	URI       string       `json:"uri,omitempty"`
}

// Proof is attached once the batch is committed.
type Proof struct {
	MerkleRoot common.Hash   `json:"merkleRoot"`
	ProofPath  []common.Hash `json:"proofPath"`
	LeafHash   common.Hash   `json:"leafHash"`
}

// BuildRecord returns the pre-proof record. A nil evidence is allowed.
func BuildRecord(subjectID, program, date string, evidence *Evidence) (Record, error) {
	if subjectID == "" || program == "" || date == "" {
		return Record{}, fmt.Errorf("%w: subjectId, program and date are required", certerrors.ErrValidation)
	}
	r := Record{SubjectID: subjectID, Program: program, Date: date}
	if evidence != nil {
		ev := *evidence
		if ev.FinalHash != nil {
			fh := *ev.FinalHash
			ev.FinalHash = &fh
		}
		r.Evidence = &ev
	}
	return r, nil
}

// WithIssuer returns a copy of r naming the issuing institution.
func (r Record) WithIssuer(issuer string) Record {
	r.Issuer = issuer
	return r
}

// AttachProof returns a new record carrying p. r is left untouched.
func AttachProof(r Record, p Proof) Record {
	path := make([]common.Hash, len(p.ProofPath))
	copy(path, p.ProofPath)
	p.ProofPath = path
	out := r
	out.Proof = &p
	return out
}

// Strip returns r without its proof.
func Strip(r Record) Record {
	r.Proof = nil
	return r
}

// LeafHash is the keccak256 of the record's canonical JSON without the proof.
func LeafHash(r Record) (common.Hash, error) {
	h, err := common.HashCanonicalJSON(r, ProofField)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", certerrors.ErrValidation, err)
	}
	return h, nil
}

// CheckLeaf recomputes the leaf hash and compares it to the stored one. A
// mismatch means the record was altered after issuance.
func CheckLeaf(r Record) (common.Hash, error) {
	if r.Proof == nil {
		return common.Hash{}, fmt.Errorf("%w: record has no proof", certerrors.ErrNotFound)
	}
	leaf, err := LeafHash(r)
	if err != nil {
		return common.Hash{}, err
	}
	if leaf != r.Proof.LeafHash {
		return leaf, fmt.Errorf("%w: leaf %s, stored %s", certerrors.ErrProofInvalid, leaf.Hex(), r.Proof.LeafHash.Hex())
	}
	return leaf, nil
}
