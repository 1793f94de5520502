package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *CertificateStore {
	t.Helper()
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return NewCertificateStore(ps)
}

func testCertificate(t *testing.T, name string, ts int64, program string, root common.Hash, idx int) *Certificate {
	t.Helper()
	did := credential.DeriveSubjectID(name, ts, 1)
	ev := &credential.Evidence{Hash: common.HashBytes([]byte(name + program))}
	r, err := credential.BuildRecord(did, program, "2024-06-30", ev)
	require.NoError(t, err)
	leaf, err := credential.LeafHash(r)
	require.NoError(t, err)
	return &Certificate{
		DID:         did,
		DIDHash:     credential.DIDHash(did),
		MerkleRoot:  root,
		StudentName: name,
		BatchID:     "batch-1",
		LeafIndex:   idx,
		IssuedAt:    time.Unix(ts, 0).UTC(),
		Record:      credential.AttachProof(r, credential.Proof{MerkleRoot: root, LeafHash: leaf}),
	}
}

func TestInsertStudentUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := &credential.Student{SubjectID: "did:ethr:0x1:0xabc", Name: "Ann", StudentNumber: "S-9"}

	require.NoError(t, s.InsertStudent(ctx, st))
	err := s.InsertStudent(ctx, &credential.Student{SubjectID: st.SubjectID, Name: "Other"})
	assert.True(t, errors.Is(err, certerrors.ErrDuplicateKey))

	got, err := s.FindStudent(ctx, st.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.Name)

	dids, err := s.SubjectsByStudentNumber(ctx, "S-9")
	require.NoError(t, err)
	assert.Equal(t, []string{st.SubjectID}, dids)

	_, err = s.FindStudent(ctx, "did:ethr:0x1:0xdef")
	assert.True(t, errors.Is(err, certerrors.ErrNotFound))
}

func TestInsertStudentConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertStudent(ctx, &credential.Student{SubjectID: "did:ethr:0x1:0x1", Name: "Race"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, certerrors.ErrDuplicateKey))
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCertificateIndexes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rootA := common.Keccak256([]byte("batch A"))
	rootB := common.Keccak256([]byte("batch B"))

	alice1 := testCertificate(t, "Alice", 100, "BSc", rootA, 1)
	bob := testCertificate(t, "Bob", 100, "BSc", rootA, 0)
	alice2 := testCertificate(t, "Alice", 100, "MSc", rootB, 0)
	alice2.IssuedAt = alice1.IssuedAt.Add(time.Hour)
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{alice1, bob}))
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{alice2}))

	byDID, err := s.CertificatesByDID(ctx, alice1.DID)
	require.NoError(t, err)
	require.Len(t, byDID, 2)
	assert.Equal(t, "BSc", byDID[0].Record.Program)
	assert.Equal(t, "MSc", byDID[1].Record.Program)

	byRoot, err := s.CertificatesByRoot(ctx, rootA)
	require.NoError(t, err)
	require.Len(t, byRoot, 2)
	assert.Equal(t, bob.DID, byRoot[0].DID, "leaf order")
	assert.Equal(t, alice1.DID, byRoot[1].DID)

	byEvidence, err := s.CertificatesByEvidenceHash(ctx, alice2.Record.Evidence.Hash)
	require.NoError(t, err)
	require.Len(t, byEvidence, 1)
	assert.Equal(t, rootB, byEvidence[0].MerkleRoot)

	none, err := s.CertificatesByRoot(ctx, common.Keccak256([]byte("unknown")))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchByRootFragment(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root := common.Keccak256([]byte("fragment batch"))
	c := testCertificate(t, "Eve", 5, "BA", root, 0)
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{c}))

	frag := root.Hex()[10:22]
	hits, err := s.SearchByRootFragment(ctx, frag)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, c.DID, hits[0].DID)

	// case-insensitive and metacharacters are literal
	hits, err = s.SearchByRootFragment(ctx, "0X"+root.Hex()[2:8])
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = s.SearchByRootFragment(ctx, ".*")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpsertKeepsPreimage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root := common.Keccak256([]byte("immutable"))
	c := testCertificate(t, "Gus", 9, "BEng", root, 0)
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{c}))

	// same pre-image: only the flags move
	again := *c
	again.Revoked = true
	again.StudentName = "renamed"
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{&again}))
	got, err := s.Certificate(ctx, c.DID, root)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "Gus", got.StudentName)

	changed := *c
	changed.Record.Program = "MEng"
	err = s.SaveCertificates(ctx, []*Certificate{&changed})
	assert.True(t, errors.Is(err, certerrors.ErrImmutable))
	got, err = s.Certificate(ctx, c.DID, root)
	require.NoError(t, err)
	assert.Equal(t, "BEng", got.Record.Program)
}

func TestResaveKeepsRevocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root := common.Keccak256([]byte("resave"))
	c := testCertificate(t, "Kai", 4, "BA", root, 0)
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{c}))
	require.NoError(t, s.MarkRevoked(ctx, c.DID, root))

	fresh := *c
	fresh.Revoked = false
	fresh.TxHash = common.Keccak256([]byte("tx"))
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{&fresh}))

	got, err := s.Certificate(ctx, c.DID, root)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, fresh.TxHash, got.TxHash)
}

func TestSaveCertificatesAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root := common.Keccak256([]byte("atomic"))
	good := testCertificate(t, "Hal", 1, "BA", root, 0)
	bad := testCertificate(t, "Ida", 1, "BA", common.Hash{}, 1)

	err := s.SaveCertificates(ctx, []*Certificate{good, bad})
	assert.True(t, errors.Is(err, certerrors.ErrValidation))
	_, err = s.Certificate(ctx, good.DID, root)
	assert.True(t, errors.Is(err, certerrors.ErrNotFound))
}

func TestMarkRevoked(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	root := common.Keccak256([]byte("revoke"))
	c := testCertificate(t, "Jo", 3, "BA", root, 0)
	require.NoError(t, s.SaveCertificates(ctx, []*Certificate{c}))

	require.NoError(t, s.MarkRevoked(ctx, c.DID, root))
	require.NoError(t, s.MarkRevoked(ctx, c.DID, root))
	got, err := s.Certificate(ctx, c.DID, root)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	err = s.MarkRevoked(ctx, c.DID, common.Keccak256([]byte("other")))
	assert.True(t, errors.Is(err, certerrors.ErrNotFound))
}
