// Package issuance runs the batch pipeline: resolve subjects, build records,
// commit them to a Merkle tree, register the root on chain, then persist.
package issuance

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
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 8

var tracer = otel.Tracer("github.com/colorfulnotion/certchain/issuance")

// Store is the part of storage.CertificateStore the pipeline writes to.
type Store interface {
	credential.StudentStore
	SaveCertificates(ctx context.Context, certs []*storage.Certificate) error
	MarkRevoked(ctx context.Context, did string, root common.Hash) error
	CertificatesByRoot(ctx context.Context, root common.Hash) ([]*storage.Certificate, error)
}

// StudentInput is one line of an issuance request. Program and Date default
// to the request's values.
type StudentInput struct {
	Name          string       `json:"name"`
	Timestamp     int64        `json:"timestamp"`
	StudentNumber string       `json:"studentNumber,omitempty"`
	Program       string       `json:"program,omitempty"`
	Date          string       `json:"date,omitempty"`
	DocumentHash  *common.Hash `json:"documentHash,omitempty"`
	FinalHash     *common.Hash `json:"finalHash,omitempty"`
	URI           string       `json:"uri,omitempty"`
}

type Request struct {
	Program  string         `json:"program"`
	Date     string         `json:"date"`
	Students []StudentInput `json:"students"`
}

type Result struct {
	BatchID      string                 `json:"batchId"`
	MerkleRoot   common.Hash            `json:"merkleRoot"`
	TxHash       common.Hash            `json:"txHash"`
	BlockNumber  uint64                 `json:"blockNumber"`
	Certificates []*storage.Certificate `json:"certificates"`
}

type Service struct {
	assembler   *credential.Assembler
	store       Store
	chain       registry.Gateway
	concurrency int
	now         func() time.Time
}

func NewService(store Store, chain registry.Gateway, chainID uint64, issuer string, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{
		assembler:   credential.NewAssembler(store, chainID, issuer),
		store:       store,
		chain:       chain,
		concurrency: concurrency,
		now:         time.Now,
	}
}

func (req *Request) validate() error {
	if len(req.Students) == 0 {
		return fmt.Errorf("%w: no students in request", certerrors.ErrValidation)
	}
	for i := range req.Students {
		st := &req.Students[i]
		if st.Program == "" {
			st.Program = req.Program
		}
		if st.Date == "" {
			st.Date = req.Date
		}
		if strings.TrimSpace(st.Name) == "" || st.Program == "" || st.Date == "" {
			return fmt.Errorf("%w: student %d needs name, program and date", certerrors.ErrValidation, i)
		}
	}
	return nil
}

type assembled struct {
	student *credential.Student
	record  credential.Record
	leaf    common.Hash
}

// Issue runs one batch. The chain write is the commit point: if it fails
// nothing is persisted, and a failure before it leaves no chain state.
func (s *Service) Issue(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "issuance.Issue")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, certerrors.GetErrorName(err))
		}
		span.End()
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("students", len(req.Students)))

	items := make([]assembled, len(req.Students))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, in := range req.Students {
		g.Go(func() error {
			st, err := s.assembler.ResolveSubject(gctx, in.Name, in.Timestamp, in.StudentNumber)
			if err != nil {
				return fmt.Errorf("student %d: %w", i, err)
			}
			var ev *credential.Evidence
			if in.DocumentHash != nil {
				ev = &credential.Evidence{Hash: *in.DocumentHash, FinalHash: in.FinalHash, URI: in.URI}
			}
			rec, err := s.assembler.Record(st, in.Program, in.Date, ev)
			if err != nil {
				return fmt.Errorf("student %d: %w", i, err)
			}
			leaf, err := credential.LeafHash(rec)
			if err != nil {
				return fmt.Errorf("student %d: %w", i, err)
			}
			items[i] = assembled{student: st, record: rec, leaf: leaf}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	committer := merkle.NewCommitter()
	leaves := make([]common.Hash, len(items))
	for i := range items {
		leaves[i] = items[i].leaf
	}
	if err := committer.AddLeaves(leaves...); err != nil {
		return nil, err
	}
	root, err := committer.ComputeRoot()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("merkle_root", root.Hex()))

	certs := make([]*storage.Certificate, len(items))
	didHashes := make([]common.Hash, len(items))
	roots := make([]common.Hash, len(items))
	for i, it := range items {
		path, err := committer.ProofFor(it.leaf)
		if err != nil {
			return nil, err
		}
		certs[i] = &storage.Certificate{
			DID:           it.student.SubjectID,
			DIDHash:       credential.DIDHash(it.student.SubjectID),
			MerkleRoot:    root,
			StudentName:   it.student.Name,
			StudentNumber: it.student.StudentNumber,
			LeafIndex:     i,
			Record:        credential.AttachProof(it.record, credential.Proof{MerkleRoot: root, ProofPath: path, LeafHash: it.leaf}),
		}
		didHashes[i] = certs[i].DIDHash
		roots[i] = root
	}

	rcpt, err := s.chain.CommitBatch(ctx, didHashes, roots)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	issuedAt := s.now().UTC()
	for _, c := range certs {
		c.BatchID = batchID
		c.TxHash = rcpt.TxHash
		c.IssuedAt = issuedAt
	}
	if err := s.store.SaveCertificates(ctx, certs); err != nil {
		log.Error(log.IssueMonitoring, "batch registered on chain but not persisted", "root", root.Hex(), "tx", rcpt.TxHash.Hex(), "err", err)
		return nil, fmt.Errorf("persist batch %s: %w", root.Hex(), err)
	}
	log.Info(log.IssueMonitoring, "batch issued", "batch", batchID, "root", root.Hex(), "students", len(certs), "tx", rcpt.TxHash.Hex())
	return &Result{
		BatchID:      batchID,
		MerkleRoot:   root,
		TxHash:       rcpt.TxHash,
		BlockNumber:  rcpt.BlockNumber,
		Certificates: certs,
	}, nil
}

// Revoke flags (did, root) on chain, then locally. A local record missing
// after a successful chain revocation is logged, not returned.
func (s *Service) Revoke(ctx context.Context, did string, root common.Hash) error {
	ctx, span := tracer.Start(ctx, "issuance.Revoke")
	defer span.End()
	if !credential.IsDID(did) || root.IsZero() {
		return fmt.Errorf("%w: revoke needs a DID and a merkle root", certerrors.ErrValidation)
	}
	if err := s.chain.Revoke(ctx, credential.DIDHash(did), root); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.store.MarkRevoked(ctx, did, root); err != nil {
		if errors.Is(err, certerrors.ErrNotFound) {
			log.Warn(log.IssueMonitoring, "revoked on chain without local record", "did", did, "root", root.Hex())
			return nil
		}
		return err
	}
	log.Info(log.IssueMonitoring, "certificate revoked", "did", did, "root", root.Hex())
	return nil
}

// RevokeByKey revokes by certificate key. The local record is found through
// the batch root since a DID hash cannot be inverted.
func (s *Service) RevokeByKey(ctx context.Context, key common.Hash) error {
	e, err := s.chain.EntryByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := s.chain.RevokeByKey(ctx, key); err != nil {
		return err
	}
	certs, err := s.store.CertificatesByRoot(ctx, e.MerkleRoot)
	if err != nil {
		return err
	}
	for _, c := range certs {
		if c.DIDHash == e.DIDHash {
			return s.store.MarkRevoked(ctx, c.DID, c.MerkleRoot)
		}
	}
	log.Warn(log.IssueMonitoring, "revoked on chain without local record", "key", key.Hex())
	return nil
}

// RebuildBatch recomputes the tree of a stored batch from its records and
// checks it reproduces the stored root.
func (s *Service) RebuildBatch(ctx context.Context, root common.Hash) (*merkle.Committer, []*storage.Certificate, error) {
	certs, err := s.store.CertificatesByRoot(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("%w: no batch with root %s", certerrors.ErrNotFound, root.Hex())
	}
	c := merkle.NewCommitter()
	for _, cert := range certs {
		leaf, err := credential.LeafHash(cert.Record)
		if err != nil {
			return nil, nil, err
		}
		if err := c.AddLeaves(leaf); err != nil {
			return nil, nil, err
		}
	}
	got, err := c.ComputeRoot()
	if err != nil {
		return nil, nil, err
	}
	if got != root {
		return c, certs, fmt.Errorf("%w: rebuilt root %s, stored %s", certerrors.ErrProofInvalid, got.Hex(), root.Hex())
	}
	return c, certs, nil
}
