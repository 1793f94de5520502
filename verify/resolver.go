// Package verify resolves verification queries against the local store and
// the on-chain registry and reconciles them into one status.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/credential"
	"github.com/colorfulnotion/certchain/log"
	"github.com/colorfulnotion/certchain/merkle"
	"github.com/colorfulnotion/certchain/registry"
	"github.com/colorfulnotion/certchain/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Status string

const (
	StatusVerified Status = "verified"
	StatusRevoked  Status = "revoked"
	StatusOffchain Status = "verified_offchain"
	StatusNotFound Status = "not_found"
)

var tracer = otel.Tracer("github.com/colorfulnotion/certchain/verify")

// Store is the read side of storage.CertificateStore.
type Store interface {
	CertificatesByDID(ctx context.Context, did string) ([]*storage.Certificate, error)
	CertificatesByRoot(ctx context.Context, root common.Hash) ([]*storage.Certificate, error)
	CertificatesByEvidenceHash(ctx context.Context, h common.Hash) ([]*storage.Certificate, error)
	SearchByRootFragment(ctx context.Context, fragment string) ([]*storage.Certificate, error)
}

type Options struct {
	// FallbackToFirst answers a (did, root) query whose root is not among the
	// subject's records with the subject's first record, plus a warning.
	FallbackToFirst bool
	// FragmentSearch enables the partial Merkle root match for unknown input.
	FragmentSearch bool
	ChainRetries   int
	ChainTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		FallbackToFirst: true,
		FragmentSearch:  true,
		ChainRetries:    1,
		ChainTimeout:    5 * time.Second,
	}
}

// HistoryItem is one certificate of the subject, in issuance order.
type HistoryItem struct {
	MerkleRoot      common.Hash `json:"merkleRoot"`
	Program         string      `json:"program"`
	Date            string      `json:"date"`
	IssuedAt        time.Time   `json:"issuedAt"`
	Revoked         bool        `json:"revoked"`
	OnChainVerified bool        `json:"onChainVerified"`
}

// Result is computed per query and never cached.
type Result struct {
	Status                   Status               `json:"status"`
	MerkleRoot               string               `json:"merkleRoot,omitempty"`
	DID                      string               `json:"did,omitempty"`
	IssuanceTimestamp        *uint64              `json:"issuanceTimestamp,omitempty"`
	Revoked                  bool                 `json:"revoked"`
	OnChainVerified          bool                 `json:"onChainVerified"`
	MerkleProofValid         bool                 `json:"merkleProofValid"`
	Certificate              *storage.Certificate `json:"certificate,omitempty"`
	History                  []HistoryItem        `json:"history,omitempty"`
	TotalCertificates        int                  `json:"totalCertificates"`
	// OnChainCertificatesCount counts registry entries seen for the subject
	// that are not revoked.
	OnChainCertificatesCount int                  `json:"onChainCertificatesCount,omitempty"`
	ChainAvailable           bool                 `json:"chainAvailable"`
	Warnings                 []string             `json:"warnings,omitempty"`
}

func (r *Result) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	log.Warn(log.VerifyMonitoring, msg, "did", r.DID)
}

// Resolver holds no per-query state; one instance serves concurrent queries.
type Resolver struct {
	store Store
	chain registry.Gateway
	opts  Options
}

func NewResolver(store Store, chain registry.Gateway, opts Options) *Resolver {
	return &Resolver{store: store, chain: chain, opts: opts}
}

// Resolve answers a query for an opaque input: a Merkle root, a DID, a
// document hash, or a fragment of a Merkle root. Only malformed input and
// store failures return an error; absence is StatusNotFound.
func (v *Resolver) Resolve(ctx context.Context, input string) (res *Result, err error) {
	input = strings.TrimSpace(input)
	kind := Classify(input)
	ctx, span := tracer.Start(ctx, "verify.Resolve")
	span.SetAttributes(attribute.String("input.kind", kind.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, certerrors.GetErrorName(err))
		} else {
			span.SetAttributes(attribute.String("status", string(res.Status)))
		}
		span.End()
	}()

	if input == "" {
		return nil, fmt.Errorf("%w: empty verification input", certerrors.ErrValidation)
	}
	res = &Result{ChainAvailable: true}

	switch kind {
	case KindMerkleRoot:
		return v.resolveRoot(ctx, res, input)
	case KindDID:
		res.DID = input
		return v.resolve(ctx, res, input, nil)
	}

	// unknown shape: the input may be a DID stored in another form, then a
	// fragment of a Merkle root
	certs, err := v.store.CertificatesByDID(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(certs) > 0 {
		res.DID = input
		return v.resolve(ctx, res, input, nil)
	}
	if !v.opts.FragmentSearch {
		return notFound(res, ""), nil
	}
	certs, err = v.store.SearchByRootFragment(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return notFound(res, ""), nil
	}
	first := certs[0]
	res.DID = first.DID
	res.warn("input %q matched merkle root %s by partial match; this may be a false positive", input, first.MerkleRoot.Hex())
	if n := countSubjects(certs); n > 1 {
		res.warn("%d subjects match %q; showing the first", n, input)
	}
	root := first.MerkleRoot
	return v.resolve(ctx, res, first.DID, &root)
}

// ResolvePair answers a query naming both the subject and the batch.
func (v *Resolver) ResolvePair(ctx context.Context, did string, root common.Hash) (*Result, error) {
	ctx, span := tracer.Start(ctx, "verify.ResolvePair")
	defer span.End()
	if !credential.IsDID(did) {
		return nil, fmt.Errorf("%w: %q is not a DID", certerrors.ErrValidation, did)
	}
	res := &Result{ChainAvailable: true, DID: did}
	out, err := v.resolve(ctx, res, did, &root)
	if err == nil {
		span.SetAttributes(attribute.String("status", string(out.Status)))
	}
	return out, err
}

// resolveRoot maps a Merkle root to its subject. A 64 hex digit input that
// is not a known root is retried as the pre-QR document hash.
func (v *Resolver) resolveRoot(ctx context.Context, res *Result, input string) (*Result, error) {
	root, err := common.ParseHash(input)
	if err != nil {
		return nil, err
	}
	certs, err := v.store.CertificatesByRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		certs, err = v.store.CertificatesByEvidenceHash(ctx, root)
		if err != nil {
			return nil, err
		}
		if len(certs) == 0 {
			return notFound(res, root.Hex()), nil
		}
		log.Debug(log.VerifyMonitoring, "input resolved as document hash", "hash", root.Hex())
		root = certs[0].MerkleRoot
	}
	if n := countSubjects(certs); n > 1 {
		res.warn("%d subjects share merkle root %s; showing %s", n, root.Hex(), certs[0].DID)
	}
	res.DID = certs[0].DID
	return v.resolve(ctx, res, certs[0].DID, &root)
}

func notFound(res *Result, merkleRoot string) *Result {
	res.Status = StatusNotFound
	if res.MerkleRoot == "" {
		res.MerkleRoot = merkleRoot
	}
	return res
}

func countSubjects(certs []*storage.Certificate) int {
	seen := make(map[string]struct{}, len(certs))
	for _, c := range certs {
		seen[c.DID] = struct{}{}
	}
	return len(seen)
}

// chainView is what the registry said about one subject. entries is keyed by
// Merkle root.
type chainView struct {
	available bool
	entries   map[common.Hash]*registry.Entry
}

func (v *Resolver) queryChain(ctx context.Context, didHash common.Hash, root *common.Hash) chainView {
	view := chainView{available: true, entries: make(map[common.Hash]*registry.Entry)}
	if v.chain == nil {
		view.available = false
		return view
	}
	retries, timeout := v.opts.ChainRetries, v.opts.ChainTimeout

	if root != nil {
		e, err := registry.Retry(ctx, retries, timeout, func(ctx context.Context) (*registry.Entry, error) {
			valid, revoked, err := v.chain.IsValid(ctx, didHash, *root)
			if err != nil || (!valid && !revoked) {
				return nil, err
			}
			return v.chain.Entry(ctx, didHash, *root)
		})
		switch {
		case err == nil && e != nil:
			view.entries[e.MerkleRoot] = e
		case err != nil && !errors.Is(err, certerrors.ErrNotFound):
			log.Warn(log.VerifyMonitoring, "registry unavailable", "err", err)
			view.available = false
		}
		return view
	}

	keys, err := registry.Retry(ctx, retries, timeout, func(ctx context.Context) ([]common.Hash, error) {
		return v.chain.EntriesForSubject(ctx, didHash)
	})
	if err != nil {
		log.Warn(log.VerifyMonitoring, "registry unavailable", "err", err)
		view.available = false
		return view
	}
	for _, k := range keys {
		e, err := registry.Retry(ctx, retries, timeout, func(ctx context.Context) (*registry.Entry, error) {
			return v.chain.EntryByKey(ctx, k)
		})
		if errors.Is(err, certerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn(log.VerifyMonitoring, "registry unavailable", "err", err)
			view.available = false
			view.entries = make(map[common.Hash]*registry.Entry)
			return view
		}
		view.entries[e.MerkleRoot] = e
	}
	return view
}

// resolve runs the store, chain, selection, proof and status steps for a
// known subject and an optional requested root.
func (v *Resolver) resolve(ctx context.Context, res *Result, did string, root *common.Hash) (*Result, error) {
	if root != nil {
		res.MerkleRoot = root.Hex()
	}
	certs, err := v.store.CertificatesByDID(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		// chain-only data cannot be rendered without the stored record
		return notFound(res, res.MerkleRoot), nil
	}

	didHash := credential.DIDHash(did)
	view := v.queryChain(ctx, didHash, root)

	onChain := func(c *storage.Certificate) (*registry.Entry, bool) {
		e, ok := view.entries[c.MerkleRoot]
		return e, ok && !e.Revoked
	}

	var primary *storage.Certificate
	if root != nil {
		for _, c := range certs {
			if c.MerkleRoot == *root {
				primary = c
				break
			}
		}
		if primary == nil {
			if !v.opts.FallbackToFirst {
				res.ChainAvailable = view.available
				return notFound(res, root.Hex()), nil
			}
			primary = certs[0]
			res.warn("merkle root %s not found for %s; showing first certificate %s", root.Hex(), did, primary.MerkleRoot.Hex())
			if view.available {
				// the registry was only asked about the requested root
				fb := v.queryChain(ctx, didHash, &primary.MerkleRoot)
				view.available = fb.available
				for k, e := range fb.entries {
					view.entries[k] = e
				}
			}
		}
	} else {
		for _, c := range certs {
			if _, ok := onChain(c); ok {
				primary = c
				break
			}
		}
		if primary == nil {
			primary = certs[0]
		}
	}

	res.ChainAvailable = view.available
	if !view.available {
		res.warn("registry unavailable; on-chain status unknown")
	}

	res.DID = did
	res.MerkleRoot = primary.MerkleRoot.Hex()
	res.Certificate = primary
	res.TotalCertificates = len(certs)
	for _, e := range view.entries {
		if !e.Revoked {
			res.OnChainCertificatesCount++
		}
	}
	for _, c := range certs {
		_, ok := onChain(c)
		res.History = append(res.History, HistoryItem{
			MerkleRoot:      c.MerkleRoot,
			Program:         c.Record.Program,
			Date:            c.Record.Date,
			IssuedAt:        c.IssuedAt,
			Revoked:         c.Revoked,
			OnChainVerified: ok,
		})
	}

	entry, verified := onChain(primary)
	res.OnChainVerified = verified
	if entry != nil {
		ts := entry.IssuanceTimestamp
		res.IssuanceTimestamp = &ts
	}
	res.MerkleProofValid = v.checkProof(res, primary)

	if view.available {
		res.Revoked = entry != nil && entry.Revoked
	} else {
		res.Revoked = primary.Revoked
	}
	if view.available && primary.Revoked && !res.Revoked {
		res.warn("local record is flagged revoked but the registry is not")
	}

	switch {
	case res.Revoked:
		res.Status = StatusRevoked
	case res.OnChainVerified && res.MerkleProofValid:
		res.Status = StatusVerified
	default:
		if res.OnChainVerified {
			res.warn("registered on chain but the inclusion proof does not verify")
		}
		res.Status = StatusOffchain
	}
	log.Debug(log.VerifyMonitoring, "verification resolved", "did", did, "root", res.MerkleRoot, "status", res.Status)
	return res, nil
}

// checkProof recomputes the leaf from the stripped record and folds the proof
// path up to the batch root.
func (v *Resolver) checkProof(res *Result, c *storage.Certificate) bool {
	p := c.Record.Proof
	if p == nil {
		res.warn("certificate carries no merkle proof")
		return false
	}
	leaf, err := credential.CheckLeaf(c.Record)
	if err != nil {
		res.warn("leaf hash check failed: %s", certerrors.GetErrorDesc(err))
		return false
	}
	if p.MerkleRoot != c.MerkleRoot {
		res.warn("proof root %s differs from certificate root %s", p.MerkleRoot.Hex(), c.MerkleRoot.Hex())
		return false
	}
	if !merkle.Verify(leaf, p.ProofPath, p.MerkleRoot) {
		res.warn("inclusion proof does not reach merkle root %s", p.MerkleRoot.Hex())
		return false
	}
	return true
}
