package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/log"
	"github.com/colorfulnotion/certchain/storage"
)

// ErrReverted is returned by Contract for every failed require().
var ErrReverted = errors.New("execution reverted")

const (
	chainEntryPrefix  = "chain/entry/"
	chainIssuerPrefix = "chain/issuer/"
)

// Contract models the registry contract state machine in process. It is the
// execution engine behind SimulatedBackend.
type Contract struct {
	mu      sync.RWMutex
	owner   common.Address
	issuers map[common.Address]bool
	entries map[common.Hash]*Entry
	byDID   map[common.Hash][]common.Hash
	clock   func() uint64
	ps      *storage.PersistenceStore
}

// NewContract deploys a registry owned by owner. The owner is an authorized
// issuer from the start.
func NewContract(owner common.Address) *Contract {
	return &Contract{
		owner:   owner,
		issuers: map[common.Address]bool{owner: true},
		entries: make(map[common.Hash]*Entry),
		byDID:   make(map[common.Hash][]common.Hash),
		clock:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// LoadContract is NewContract backed by ps. State written by an earlier run
// is restored.
func LoadContract(owner common.Address, ps *storage.PersistenceStore) (*Contract, error) {
	c := NewContract(owner)
	c.ps = ps

	issuers, err := ps.KeysWithPrefix([]byte(chainIssuerPrefix))
	if err != nil {
		return nil, err
	}
	for _, k := range issuers {
		c.issuers[common.HexToAddress(string(k[len(chainIssuerPrefix):]))] = true
	}

	kvs, err := ps.GetWithPrefix([]byte(chainEntryPrefix))
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		var e Entry
		if err := json.Unmarshal(kv[1], &e); err != nil {
			return nil, fmt.Errorf("decode chain entry %s: %w", kv[0], err)
		}
		c.index(&e)
	}
	// byDID order is registration order; LevelDB returns key order
	for _, keys := range c.byDID {
		sortByTimestamp(c.entries, keys)
	}
	log.Debug(log.ChainMonitoring, "simulated registry loaded", "entries", len(c.entries), "issuers", len(c.issuers))
	return c, nil
}

// SetClock replaces the block time source.
func (c *Contract) SetClock(clock func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

func (c *Contract) Owner() common.Address {
	return c.owner
}

func (c *Contract) index(e *Entry) {
	key := e.Key()
	if _, ok := c.entries[key]; !ok {
		c.byDID[e.DIDHash] = append(c.byDID[e.DIDHash], key)
	}
	c.entries[key] = e
}

func revert(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReverted, fmt.Sprintf(format, args...))
}

// BatchRegister writes every (didHashes[i], merkleRoots[i]) or nothing.
func (c *Contract) BatchRegister(caller common.Address, didHashes, merkleRoots []common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.issuers[caller] {
		return revert("caller %s is not an authorized issuer", caller.Hex())
	}
	if len(didHashes) == 0 || len(didHashes) != len(merkleRoots) {
		return revert("length mismatch: %d didHashes, %d merkleRoots", len(didHashes), len(merkleRoots))
	}

	now := c.clock()
	fresh := make([]*Entry, 0, len(didHashes))
	seen := make(map[common.Hash]bool, len(didHashes))
	for i := range didHashes {
		e := &Entry{DIDHash: didHashes[i], MerkleRoot: merkleRoots[i], IssuanceTimestamp: now}
		key := e.Key()
		if _, exists := c.entries[key]; exists || seen[key] {
			return revert("certificate %s already registered", key.Hex())
		}
		seen[key] = true
		fresh = append(fresh, e)
	}
	if err := c.persist(fresh...); err != nil {
		return err
	}
	for _, e := range fresh {
		c.index(e)
	}
	return nil
}

// Revoke flags the entry stored under key.
func (c *Contract) Revoke(caller common.Address, key common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.issuers[caller] {
		return revert("caller %s is not an authorized issuer", caller.Hex())
	}
	e, ok := c.entries[key]
	if !ok {
		return revert("certificate %s does not exist", key.Hex())
	}
	if e.Revoked {
		return revert("certificate %s already revoked", key.Hex())
	}
	updated := *e
	updated.Revoked = true
	if err := c.persist(&updated); err != nil {
		return err
	}
	c.entries[key] = &updated
	return nil
}

// Certificate returns a copy of the entry stored under key.
func (c *Contract) Certificate(key common.Hash) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsValid mirrors isValidByDidAndRoot.
func (c *Contract) IsValid(didHash, merkleRoot common.Hash) (valid, revoked bool) {
	e, ok := c.Certificate(CertificateKey(didHash, merkleRoot))
	if !ok {
		return false, false
	}
	return !e.Revoked, e.Revoked
}

// CertificatesForDID returns the subject's keys in registration order.
func (c *Contract) CertificatesForDID(didHash common.Hash) []common.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := c.byDID[didHash]
	out := make([]common.Hash, len(keys))
	copy(out, keys)
	return out
}

// AuthorizeIssuer is restricted to the owner.
func (c *Contract) AuthorizeIssuer(caller, issuer common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return revert("only owner may authorize issuers")
	}
	if c.ps != nil {
		if err := c.ps.Put([]byte(chainIssuerPrefix+issuer.Hex()), []byte{1}); err != nil {
			return err
		}
	}
	c.issuers[issuer] = true
	return nil
}

func (c *Contract) IsAuthorizedIssuer(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.issuers[addr]
}

func (c *Contract) persist(entries ...*Entry) error {
	if c.ps == nil {
		return nil
	}
	kvs := make([][2][]byte, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		kvs = append(kvs, [2][]byte{[]byte(chainEntryPrefix + e.Key().Hex()), data})
	}
	return c.ps.WriteBatch(kvs)
}

func sortByTimestamp(entries map[common.Hash]*Entry, keys []common.Hash) {
	sort.SliceStable(keys, func(i, j int) bool {
		return entries[keys[i]].IssuanceTimestamp < entries[keys[j]].IssuanceTimestamp
	})
}
