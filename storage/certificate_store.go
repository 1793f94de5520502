package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/credential"
	"github.com/colorfulnotion/certchain/log"
	"github.com/syndtr/goleveldb/leveldb"
)

// Key layout. Index keys carry no value; the certificate body lives under
// certPrefix only.
//
//	student/<did>                         -> Student JSON
//	sid/<studentNumber>/<did>             -> nil
//	cert/<did>/<root>                     -> Certificate JSON
//	root/<root>/<did>                     -> nil
//	evidence/<evidenceHash>/<did>/<root>  -> nil
const (
	studentPrefix  = "student/"
	sidPrefix      = "sid/"
	certPrefix     = "cert/"
	rootPrefix     = "root/"
	evidencePrefix = "evidence/"
)

// Certificate is the stored form of one issued record.
type Certificate struct {
	DID           string            `json:"did"`
	DIDHash       common.Hash       `json:"didHash"`
	MerkleRoot    common.Hash       `json:"merkleRoot"`
	StudentName   string            `json:"studentName"`
	StudentNumber string            `json:"studentNumber,omitempty"`
	BatchID       string            `json:"batchId"`
	LeafIndex     int               `json:"leafIndex"`
	TxHash        common.Hash       `json:"txHash"`
	IssuedAt      time.Time         `json:"issuedAt"`
	Revoked       bool              `json:"revoked"`
	Record        credential.Record `json:"record"`
}

// CertificateStore is the local document store: identities and issued
// certificates, indexed by DID, Merkle root, student number and evidence hash.
type CertificateStore struct {
	ps *PersistenceStore
}

func NewCertificateStore(ps *PersistenceStore) *CertificateStore {
	return &CertificateStore{ps: ps}
}

func certKey(did string, root common.Hash) []byte {
	return []byte(certPrefix + did + "/" + root.Hex())
}

func rootKey(root common.Hash, did string) []byte {
	return []byte(rootPrefix + root.Hex() + "/" + did)
}

func evidenceKey(h common.Hash, did string, root common.Hash) []byte {
	return []byte(evidencePrefix + h.Hex() + "/" + did + "/" + root.Hex())
}

// FindStudent implements credential.StudentStore.
func (s *CertificateStore) FindStudent(_ context.Context, subjectID string) (*credential.Student, error) {
	data, ok, err := s.ps.Get([]byte(studentPrefix + subjectID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: student %s", certerrors.ErrNotFound, subjectID)
	}
	var st credential.Student
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode student %s: %w", subjectID, err)
	}
	return &st, nil
}

// InsertStudent implements credential.StudentStore. The existence check and
// the write share one transaction, which is the uniqueness constraint on the
// identity key.
func (s *CertificateStore) InsertStudent(_ context.Context, st *credential.Student) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := []byte(studentPrefix + st.SubjectID)
	return s.ps.Update(func(tx *leveldb.Transaction) error {
		taken, err := tx.Has(key, nil)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %s", certerrors.ErrDuplicateKey, st.SubjectID)
		}
		if err := tx.Put(key, data, nil); err != nil {
			return err
		}
		if st.StudentNumber != "" {
			return tx.Put([]byte(sidPrefix+st.StudentNumber+"/"+st.SubjectID), nil, nil)
		}
		return nil
	})
}

// SaveCertificates upserts a batch in one transaction. An existing entry for
// the same (did, root) may only change its revocation flag and transaction
// hash; a different leaf pre-image fails the whole batch with ErrImmutable.
func (s *CertificateStore) SaveCertificates(_ context.Context, certs []*Certificate) error {
	return s.ps.Update(func(tx *leveldb.Transaction) error {
		for _, c := range certs {
			if err := upsertCertificate(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertCertificate(tx *leveldb.Transaction, c *Certificate) error {
	if c.DID == "" || c.MerkleRoot.IsZero() {
		return fmt.Errorf("%w: certificate needs did and merkleRoot", certerrors.ErrValidation)
	}
	key := certKey(c.DID, c.MerkleRoot)
	prev, err := tx.Get(key, nil)
	switch {
	case err == nil:
		var old Certificate
		if err := json.Unmarshal(prev, &old); err != nil {
			return fmt.Errorf("decode certificate %s: %w", key, err)
		}
		oldLeaf, err := credential.LeafHash(old.Record)
		if err != nil {
			return err
		}
		newLeaf, err := credential.LeafHash(c.Record)
		if err != nil {
			return err
		}
		if oldLeaf != newLeaf {
			return fmt.Errorf("%w: %s under %s", certerrors.ErrImmutable, c.DID, c.MerkleRoot.Hex())
		}
		// revocation is sticky; a re-saved batch never clears it
		old.Revoked = old.Revoked || c.Revoked
		if !c.TxHash.IsZero() {
			old.TxHash = c.TxHash
		}
		c = &old
	case !errors.Is(err, leveldb.ErrNotFound):
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := tx.Put(key, data, nil); err != nil {
		return err
	}
	if err := tx.Put(rootKey(c.MerkleRoot, c.DID), nil, nil); err != nil {
		return err
	}
	if ev := c.Record.Evidence; ev != nil && !ev.Hash.IsZero() {
		if err := tx.Put(evidenceKey(ev.Hash, c.DID, c.MerkleRoot), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Certificate returns the entry for (did, root).
func (s *CertificateStore) Certificate(_ context.Context, did string, root common.Hash) (*Certificate, error) {
	data, ok, err := s.ps.Get(certKey(did, root))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s under %s", certerrors.ErrNotFound, did, root.Hex())
	}
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkRevoked sets the local revocation flag.
func (s *CertificateStore) MarkRevoked(_ context.Context, did string, root common.Hash) error {
	key := certKey(did, root)
	return s.ps.Update(func(tx *leveldb.Transaction) error {
		data, err := tx.Get(key, nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			return fmt.Errorf("%w: certificate %s under %s", certerrors.ErrNotFound, did, root.Hex())
		}
		if err != nil {
			return err
		}
		var c Certificate
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.Revoked {
			return nil
		}
		c.Revoked = true
		data, err = json.Marshal(&c)
		if err != nil {
			return err
		}
		log.Debug(log.StoreMonitoring, "certificate revoked locally", "did", did, "root", root.Hex())
		return tx.Put(key, data, nil)
	})
}

// CertificatesByDID returns every certificate of a subject, oldest first.
func (s *CertificateStore) CertificatesByDID(_ context.Context, did string) ([]*Certificate, error) {
	kvs, err := s.ps.GetWithPrefix([]byte(certPrefix + did + "/"))
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, 0, len(kvs))
	for _, kv := range kvs {
		var c Certificate
		if err := json.Unmarshal(kv[1], &c); err != nil {
			return nil, fmt.Errorf("decode certificate %s: %w", kv[0], err)
		}
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return bytes.Compare(out[i].MerkleRoot.Bytes(), out[j].MerkleRoot.Bytes()) < 0
	})
	return out, nil
}

// CertificatesByRoot returns the batch committed under root in leaf order.
func (s *CertificateStore) CertificatesByRoot(ctx context.Context, root common.Hash) ([]*Certificate, error) {
	prefix := rootPrefix + root.Hex() + "/"
	keys, err := s.ps.KeysWithPrefix([]byte(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, 0, len(keys))
	for _, k := range keys {
		c, err := s.Certificate(ctx, strings.TrimPrefix(string(k), prefix), root)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out, nil
}

// CertificatesByEvidenceHash finds certificates bound to a pre-QR document hash.
func (s *CertificateStore) CertificatesByEvidenceHash(ctx context.Context, h common.Hash) ([]*Certificate, error) {
	prefix := evidencePrefix + h.Hex() + "/"
	keys, err := s.ps.KeysWithPrefix([]byte(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(string(k), prefix)
		cut := strings.LastIndexByte(rest, '/')
		if cut < 0 {
			continue
		}
		c, err := s.Certificate(ctx, rest[:cut], common.HexToHash(rest[cut+1:]))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SubjectsByStudentNumber returns the DIDs registered for a student number.
func (s *CertificateStore) SubjectsByStudentNumber(_ context.Context, studentNumber string) ([]string, error) {
	prefix := sidPrefix + studentNumber + "/"
	keys, err := s.ps.KeysWithPrefix([]byte(prefix))
	if err != nil {
		return nil, err
	}
	dids := make([]string, 0, len(keys))
	for _, k := range keys {
		dids = append(dids, strings.TrimPrefix(string(k), prefix))
	}
	return dids, nil
}

// SearchByRootFragment matches fragment case-insensitively against every
// stored Merkle root. It is a fuzzy fallback and can match unrelated roots.
func (s *CertificateStore) SearchByRootFragment(ctx context.Context, fragment string) ([]*Certificate, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", certerrors.ErrValidation, err)
	}
	keys, err := s.ps.KeysWithPrefix([]byte(rootPrefix))
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, k := range keys {
		rest := strings.TrimPrefix(string(k), rootPrefix)
		cut := strings.IndexByte(rest, '/')
		if cut < 0 || !re.MatchString(rest[:cut]) {
			continue
		}
		c, err := s.Certificate(ctx, rest[cut+1:], common.HexToHash(rest[:cut]))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
