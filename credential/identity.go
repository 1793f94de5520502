package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/log"
)

const (
	DIDPrefix    = "did:"
	didMethod    = "did:ethr:"
	prefixLength = 3
	prefixFiller = 'X'
)

// DeriveSubjectID maps (name, timestamp) to a chain-scoped DID. The same
// inputs always give the same identifier so an existing student is found
// again instead of getting a new identity per issuance.
func DeriveSubjectID(name string, timestamp int64, chainID uint64) string {
	prefix := make([]rune, 0, prefixLength)
	for _, r := range name {
		if len(prefix) == prefixLength {
			break
		}
		if unicode.IsLetter(r) {
			prefix = append(prefix, unicode.ToUpper(r))
		}
	}
	for len(prefix) < prefixLength {
		prefix = append(prefix, prefixFiller)
	}
	h := common.Keccak256([]byte(string(prefix) + strconv.FormatInt(timestamp, 10)))
	addr := common.BytesToAddress(h[12:])
	return fmt.Sprintf("%s0x%x:%s", didMethod, chainID, strings.ToLower(addr.Hex()))
}

// DIDHash is the registry key for a subject.
func DIDHash(did string) common.Hash {
	return common.Keccak256([]byte(did))
}

// IsDID reports whether s has the DID prefix.
func IsDID(s string) bool {
	return strings.HasPrefix(s, DIDPrefix)
}

// NormalizeName folds case and collapses whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Student is the identity row behind a subject DID.
type Student struct {
	SubjectID     string    `json:"subjectId"`
	Name          string    `json:"name"`
	StudentNumber string    `json:"studentNumber,omitempty"`
	Timestamp     int64     `json:"timestamp"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StudentStore persists identities. InsertStudent must fail with
// certerrors.ErrDuplicateKey when the SubjectID is already taken.
type StudentStore interface {
	FindStudent(ctx context.Context, subjectID string) (*Student, error)
	InsertStudent(ctx context.Context, s *Student) error
}

// Assembler resolves identities and builds records for one issuer.
type Assembler struct {
	store   StudentStore
	chainID uint64
	issuer  string
	now     func() time.Time
}

func NewAssembler(store StudentStore, chainID uint64, issuer string) *Assembler {
	return &Assembler{store: store, chainID: chainID, issuer: issuer, now: time.Now}
}

// ResolveSubject returns the stored identity for (name, timestamp), creating
// it when absent. An identity stored under a different name is never
// overwritten: the call fails with certerrors.ErrNameMismatch.
func (a *Assembler) ResolveSubject(ctx context.Context, name string, timestamp int64, studentNumber string) (*Student, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: student name is empty", certerrors.ErrValidation)
	}
	subjectID := DeriveSubjectID(name, timestamp, a.chainID)

	existing, err := a.store.FindStudent(ctx, subjectID)
	switch {
	case err == nil:
		return checkName(existing, name)
	case !errors.Is(err, certerrors.ErrNotFound):
		return nil, err
	}

	s := &Student{
		SubjectID:     subjectID,
		Name:          strings.TrimSpace(name),
		StudentNumber: studentNumber,
		Timestamp:     timestamp,
		CreatedAt:     a.now().UTC(),
	}
	err = a.store.InsertStudent(ctx, s)
	if err == nil {
		log.Debug(log.IssueMonitoring, "new subject", "did", subjectID)
		return s, nil
	}
	if !errors.Is(err, certerrors.ErrDuplicateKey) {
		return nil, err
	}

	// another writer inserted the same identity first; its row wins
	winner, err := a.store.FindStudent(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	log.Debug(log.IssueMonitoring, "subject inserted concurrently", "did", subjectID)
	return checkName(winner, name)
}

// Record builds the pre-proof record for a resolved subject.
func (a *Assembler) Record(subject *Student, program, date string, evidence *Evidence) (Record, error) {
	r, err := BuildRecord(subject.SubjectID, program, date, evidence)
	if err != nil {
		return Record{}, err
	}
	return r.WithIssuer(a.issuer), nil
}

func checkName(s *Student, name string) (*Student, error) {
	if NormalizeName(s.Name) != NormalizeName(name) {
		return nil, fmt.Errorf("%w: %s is registered as %q, got %q", certerrors.ErrNameMismatch, s.SubjectID, s.Name, name)
	}
	return s, nil
}
